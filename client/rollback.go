package client

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
)

// Rollback restores every file the given deployment touched on this agent
// from its backup manifest. Entries of other deployments are untouched.
func (cli *Client) Rollback(ctx context.Context, deploymentID string) ([]string, error) {
	resp, err := cli.post(ctx, "/rollback", types.RollbackRequest{DeploymentID: deploymentID})
	if err != nil {
		return nil, err
	}
	var out types.RollbackResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Restored, nil
}
