// Package ws carries the broker's websocket transport: the per-provider
// connection used to dispatch tasks and the gateway that registers provider
// nodes and relays their events into the scheduling core.
package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/task"
)

// Connection adapts one websocket to the provider.NetworkConnection
// contract. Writes are serialized; gorilla allows one concurrent writer.
type Connection struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewConnection(conn *websocket.Conn) *Connection {
	return &Connection{conn: conn}
}

// Restore swaps in a fresh socket after a provider reconnects.
func (c *Connection) Restore(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connection) SendTask(ctx context.Context, t *task.Task) error {
	return c.writeJSON(ctx, protocol.TaskMessage{
		Type:        protocol.TypeTask,
		TaskID:      t.ID(),
		MaxPrice:    t.MaxPrice(),
		TaskOptions: t.Options(),
	})
}

func (c *Connection) AbortTask(ctx context.Context, t *task.Task) error {
	return c.writeJSON(ctx, protocol.AbortMessage{
		Type:   protocol.TypeAbort,
		TaskID: t.ID(),
	})
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Connection) writeJSON(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(msg)
}
