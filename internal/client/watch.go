package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// WatchOpts narrows a Watch stream.
type WatchOpts struct {
	// After replays events appended after this stream id ("0" for all).
	After string
	// Events limits the stream to these event types; empty means all.
	Events []string
}

// Watch streams market messages over the WebSocket endpoint until ctx is
// cancelled or handle returns an error, which Watch then returns. The first
// message is the server's market_status greeting.
func (c *Client) Watch(ctx context.Context, opts WatchOpts, handle func(json.RawMessage) error) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("client: watch: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := url.Values{}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if len(opts.Events) > 0 {
		q.Set("events", strings.Join(opts.Events, ","))
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: watch: dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("client: watch: dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: watch: read: %w", err)
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}
