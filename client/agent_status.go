package client

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
)

// Status fetches the agent's discovery report: host name, agent version,
// enumerated instances, and the pending needs-restart set.
func (cli *Client) Status(ctx context.Context) (types.AgentStatus, error) {
	var st types.AgentStatus
	resp, err := cli.get(ctx, "/status")
	if err != nil {
		return st, err
	}
	err = decode(resp, &st)
	return st, err
}
