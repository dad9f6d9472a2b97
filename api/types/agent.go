package types

// Wire types for the agent RPC surface. The []byte fields ride as base64
// strings in JSON, which is the bytes_b64 encoding of the protocol.

// AgentInstance is one instance as enumerated by an agent under its
// instance root.
type AgentInstance struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// AgentStatus is the response of GET /status.
type AgentStatus struct {
	Host         string          `json:"host"`
	Version      string          `json:"version"`
	Instances    []AgentInstance `json:"instances"`
	NeedsRestart []string        `json:"needs_restart"`
}

// ReadConfigRequest is the body of POST /read.
type ReadConfigRequest struct {
	Instance string `json:"instance"`
	File     string `json:"file"`
}

// ReadConfigResponse carries the raw file bytes, uninterpreted.
type ReadConfigResponse struct {
	Data []byte `json:"bytes_b64"`
}

// WriteConfigRequest is the body of POST /write.
type WriteConfigRequest struct {
	Instance     string `json:"instance"`
	File         string `json:"file"`
	Data         []byte `json:"bytes_b64"`
	DeploymentID string `json:"deployment_id"`
}

// WriteConfigResponse acknowledges an atomic replace with the digest of the
// written bytes.
type WriteConfigResponse struct {
	OK     bool   `json:"ok"`
	Digest string `json:"digest"`
}

// RestartRequest is the body of POST /restart. An empty Instance means
// restart every instance on the host.
type RestartRequest struct {
	Instance string `json:"instance,omitempty"`
}

// RestartResponse lists the instances that were restarted.
type RestartResponse struct {
	Restarted []string `json:"restarted"`
}

// RollbackRequest is the body of POST /rollback.
type RollbackRequest struct {
	DeploymentID string `json:"deployment_id"`
}

// RollbackResponse lists the files restored from the backup manifest.
type RollbackResponse struct {
	Restored []string `json:"restored"`
}
