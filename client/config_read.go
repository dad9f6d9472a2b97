package client

import (
	"context"

	"github.com/minefleet/minefleet/api/types"
)

// ReadConfig fetches the raw bytes of one config file of an instance. The
// agent does not interpret the content; a missing file is a not-found
// error.
func (cli *Client) ReadConfig(ctx context.Context, instance, file string) ([]byte, error) {
	resp, err := cli.post(ctx, "/read", types.ReadConfigRequest{Instance: instance, File: file})
	if err != nil {
		return nil, err
	}
	var out types.ReadConfigResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
