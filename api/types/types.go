// Package types holds the data model and wire types shared between the
// controller, the agents, and the client.
package types

import "time"

// Platform classifies the server software an instance runs. Platforms are
// disjoint; rules targeting a plugin of a foreign platform are inert for
// the instance.
type Platform string

const (
	PlatformPaper    Platform = "paper"
	PlatformVelocity Platform = "velocity"
	PlatformGeyser   Platform = "geyser"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformPaper, PlatformVelocity, PlatformGeyser:
		return true
	}
	return false
}

// Instance is a single managed game-server process with its own config
// tree. Instances are created by discovery and deactivated, never deleted,
// when they are no longer observed.
type Instance struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Host     string    `json:"host"`
	Platform Platform  `json:"platform"`
	Port     int       `json:"port,omitempty"`
	Active   bool      `json:"active"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

// GroupType distinguishes how an instance group was derived.
type GroupType string

const (
	GroupPhysical       GroupType = "physical"
	GroupLogical        GroupType = "logical"
	GroupAdministrative GroupType = "administrative"
)

// Group is a named set of instances. Membership is many-to-many;
// group-of-groups is not supported.
type Group struct {
	Name string    `json:"name"`
	Type GroupType `json:"type"`
}

// Tag is a keyed classification assigned to instances, grouped under a
// category ("gamemode/survival", "pvp/enabled").
type Tag struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Plugin is an entry in the plugin catalog. Addon plugins carry the
// canonical name of their parent; the resolver and the drift engine treat
// the union of parent and addon config files as belonging to the parent.
type Plugin struct {
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	Parent      string   `json:"parent,omitempty"`
	Version     string   `json:"version,omitempty"`
	Quarantined bool     `json:"quarantined,omitempty"`
}

// FileRef identifies a config file. An empty Plugin denotes a
// platform-level file such as server.properties or paper-global.yml.
type FileRef struct {
	Plugin string `json:"plugin,omitempty"`
	Path   string `json:"path"`
}

// String renders the reference in plugin:path form.
func (f FileRef) String() string {
	if f.Plugin == "" {
		return f.Path
	}
	return f.Plugin + ":" + f.Path
}

// AgentPath is the path relative to the instance directory as the agent
// sees it. Plugin configs live under the plugins directory.
func (f FileRef) AgentPath() string {
	if f.Plugin == "" {
		return f.Path
	}
	return "plugins/" + f.Plugin + "/" + f.Path
}
