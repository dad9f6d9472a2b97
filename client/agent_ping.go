package client

import "context"

// Ping probes agent liveness. It is the heartbeat primitive; any error,
// including a deadline, counts as one missed beat.
func (cli *Client) Ping(ctx context.Context) error {
	resp, err := cli.get(ctx, "/_ping")
	if err != nil {
		return err
	}
	ensureReaderClosed(resp)
	return nil
}
