// Package ws provides a WebSocket client for the Warden gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/warden/internal/gateway/ws"
)

// Client is a WebSocket client for the Warden gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Request sends a request frame and returns its id. The response arrives
// through ReadFrame, interleaved with event frames.
func (c *Client) Request(method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	data, err := wsprotocol.MarshalFrame(wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: string(method),
		Params: raw,
	})
	if err != nil {
		return "", err
	}
	return id, c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
