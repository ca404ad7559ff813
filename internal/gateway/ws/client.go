package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ErrClosed is returned by Call once the connection is gone.
var ErrClosed = errors.New("gateway connection closed")

// Client is a WebSocket client of the gateway. Responses are matched to
// requests by frame id; event frames are ignored.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Frame
	closed  bool
	done    chan struct{}
}

// Dial connects to the gateway WebSocket at url (ws://host:port/api/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	// Task listings can be large.
	conn.SetReadLimit(16 << 20)

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			slog.Debug("gateway read ended", "error", err)
			return
		}
		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Warn("gateway sent an invalid frame", "error", err)
			continue
		}
		if frame.Type != FrameTypeResponse {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Call sends a request frame and waits for its response.
func (c *Client) Call(ctx context.Context, method Method, params json.RawMessage) (Frame, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	data, err := MarshalFrame(Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: params})
	if err != nil {
		forget()
		return Frame{}, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return Frame{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f := <-ch:
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
