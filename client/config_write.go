package client

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
)

// WriteConfig atomically replaces one config file on the agent. The agent
// records the prior content in the backup manifest of the deployment and
// marks the instance restart-pending. The returned digest covers the bytes
// as written.
func (cli *Client) WriteConfig(ctx context.Context, req types.WriteConfigRequest) (types.WriteConfigResponse, error) {
	var out types.WriteConfigResponse
	resp, err := cli.post(ctx, "/write", req)
	if err != nil {
		return out, err
	}
	err = decode(resp, &out)
	return out, err
}
