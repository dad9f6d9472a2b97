package controlapi

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/registry"
)

// Backend is what the controller implements for the control API.
type Backend interface {
	// Rules and variables.
	SetRule(ctx context.Context, r types.Rule) (int64, error)
	DeactivateRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context, f types.RuleFilter) ([]types.Rule, error)
	SetVariable(ctx context.Context, v types.Variable) error

	// Resolution.
	Resolve(ctx context.Context, req types.ResolveRequest) (types.ResolveResult, error)

	// Drift.
	ScanDrift(ctx context.Context, req types.ScanRequest) (types.ScanSummary, error)
	DriftReport(ctx context.Context, f types.DriftFilter) ([]types.DriftItem, error)

	// Deployments.
	PlanDeployment(ctx context.Context, cs types.ChangeSet) (*types.Deployment, error)
	ExecuteDeployment(ctx context.Context, id string) (*types.Deployment, error)
	RollbackDeployment(ctx context.Context, id string) (*types.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)

	// Registry.
	Instances(ctx context.Context) ([]types.Instance, error)
	CreateGroup(ctx context.Context, g types.Group) error
	AddGroupMember(ctx context.Context, group, instance string) error
	RemoveGroupMember(ctx context.Context, group, instance string) error
	CreateTag(ctx context.Context, t types.Tag) error
	AssignTag(ctx context.Context, tag, instance string) error
	UnassignTag(ctx context.Context, tag, instance string) error

	// Plugin catalog.
	Plugins(ctx context.Context) ([]types.Plugin, error)
	RegisterPlugin(ctx context.Context, p types.Plugin) error
	ReleasePlugin(ctx context.Context, name string) error
	QuarantinePlugin(ctx context.Context, name string) error
	PluginUpdates(ctx context.Context, installed map[string]string) ([]registry.UpdateInfo, error)
}
