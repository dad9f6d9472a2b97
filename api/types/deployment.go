package types

import "time"

// DeploymentState is the orchestrator state machine position of one
// deployment.
type DeploymentState string

const (
	DeploymentDrafted        DeploymentState = "DRAFTED"
	DeploymentPlanned        DeploymentState = "PLANNED"
	DeploymentBackedUp       DeploymentState = "BACKED_UP"
	DeploymentWriting        DeploymentState = "WRITING"
	DeploymentVerified       DeploymentState = "VERIFIED"
	DeploymentRestartPending DeploymentState = "RESTART_PENDING"
	DeploymentRestarted      DeploymentState = "RESTARTED"
	DeploymentCompleted      DeploymentState = "COMPLETED"
	DeploymentFailedPlan     DeploymentState = "FAILED_PLAN"
	DeploymentFailedWrite    DeploymentState = "FAILED_WRITE"
	DeploymentFailedVerify   DeploymentState = "FAILED_VERIFY"
	DeploymentFailedRestart  DeploymentState = "FAILED_RESTART"
	DeploymentRollingBack    DeploymentState = "ROLLING_BACK"
	DeploymentRolledBack     DeploymentState = "ROLLED_BACK"
)

// Terminal reports whether the state ends the deployment.
func (s DeploymentState) Terminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentFailedPlan, DeploymentRolledBack:
		return true
	}
	return false
}

// Change is one requested edit in a change set: set Target to Value on
// Instance.
type Change struct {
	Instance string `json:"instance"`
	Target   Target `json:"target"`
	Value    string `json:"value"`
}

// ChangeSet is the input to deployment planning.
type ChangeSet struct {
	Changes []Change `json:"changes"`
}

// PlannedWrite is one file rewrite the orchestrator will issue. Content is
// the fully rendered post-change file; Keys lists the leaves it updates.
type PlannedWrite struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	File     FileRef  `json:"file"`
	Keys     []string `json:"keys"`
	Content  []byte   `json:"content"`
}

// Outcome is the per-instance result of a multi-instance operation. The
// controller never collapses outcomes into an all-or-nothing aggregate.
type Outcome struct {
	Instance string `json:"instance"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Deployment tracks a planned set of writes and restarts by id.
type Deployment struct {
	ID        string          `json:"id"`
	State     DeploymentState `json:"state"`
	Changes   []Change        `json:"changes"`
	Writes    []PlannedWrite  `json:"writes,omitempty"`
	Outcomes  []Outcome       `json:"outcomes,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
}
