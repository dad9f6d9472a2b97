package client

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
)

// Restart asks the agent to restart one instance. On success the agent
// clears the instance's needs-restart flag.
func (cli *Client) Restart(ctx context.Context, instance string) ([]string, error) {
	return cli.restart(ctx, types.RestartRequest{Instance: instance})
}

// RestartAll restarts every instance on the agent's host.
func (cli *Client) RestartAll(ctx context.Context) ([]string, error) {
	return cli.restart(ctx, types.RestartRequest{})
}

func (cli *Client) restart(ctx context.Context, req types.RestartRequest) ([]string, error) {
	resp, err := cli.post(ctx, "/restart", req)
	if err != nil {
		return nil, err
	}
	var out types.RestartResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Restarted, nil
}
