package websocket

import (
	"context"
	"slices"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Scope selects which family events a client receives.
type Scope string

const (
	// ScopeFamily delivers every event of the member's family.
	ScopeFamily Scope = "family"
	// ScopeMine delivers only events addressed to the member.
	ScopeMine Scope = "mine"
)

func ParseScope(s string) Scope {
	if Scope(s) == ScopeMine {
		return ScopeMine
	}
	return ScopeFamily
}

// Client is one member's connection to the family feed.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	familyID int64
	memberID int64
	scope    Scope
	send     chan []byte
}

func NewClient(hub *Hub, conn *ws.Conn, familyID, memberID int64, scope Scope) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		familyID: familyID,
		memberID: memberID,
		scope:    scope,
		send:     make(chan []byte, sendBufferSize),
	}
}

// wants reports whether an event for recipients belongs on this feed.
// Events without recipients are family-wide.
func (c *Client) wants(recipients []int64) bool {
	if c.scope != ScopeMine || len(recipients) == 0 {
		return true
	}
	return slices.Contains(recipients, c.memberID)
}

// Run registers the client and relays events until the connection or ctx
// ends.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	// The feed is one-way; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx = c.conn.CloseRead(ctx)
	c.relay(ctx)
}

func (c *Client) relay(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(ws.StatusGoingAway, "feed closed")
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			c.conn.Close(ws.StatusNormalClosure, "")
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
