// Package messaging connects the page context and the proxy context.
// The two never share memory: every message is copied on delivery, page clients post into
// the proxy's mailbox and the proxy answers through the source client, a reply port or a
// broadcast to every connected client.
package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCacheAudioFiles         Action = "cacheAudioFiles"
	ActionCacheAudioFilesComplete Action = "cacheAudioFilesComplete"
	ActionClearCaches             Action = "clearCaches"
	ActionCachesCleared           Action = "cachesCleared"
	ActionUpdateContent           Action = "updateContent"
	ActionUpdateContentComplete   Action = "updateContentComplete"
)

var ErrDisconnected = errors.New("client disconnected")

// Message is the structured payload exchanged between contexts.
type Message struct {
	Action Action   `json:"action"`
	Files  []string `json:"files,omitempty"`
}

func (m Message) clone() Message {
	if m.Files != nil {
		files := make([]string, len(m.Files))
		copy(files, m.Files)
		m.Files = files
	}
	return m
}

// Port is a dedicated reply channel handed along with a message.
type Port chan Message

// NewPort returns a port that can hold one reply without blocking the sender.
func NewPort() Port {
	return make(Port, 1)
}

// Send delivers a copy of msg on the port unless ctx ends first.
func (p Port) Send(ctx context.Context, msg Message) error {
	select {
	case p <- msg.clone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Envelope is what the proxy receives from its mailbox.
type Envelope struct {
	// Source is the posting client, nil for messages posted outside any page.
	Source  *Client
	Message Message
	// Reply is the optional dedicated reply port.
	Reply Port
}

// Client is one connected page context.
type Client struct {
	ID    uuid.UUID
	bus   *Bus
	inbox chan Message
	done  chan struct{}
	once  sync.Once
}

// Inbox receives messages sent to this client, in send order.
func (c *Client) Inbox() <-chan Message {
	return c.inbox
}

// Post sends msg to the proxy. reply may be nil.
func (c *Client) Post(ctx context.Context, msg Message, reply Port) error {
	return c.bus.post(ctx, Envelope{Source: c, Message: msg.clone(), Reply: reply})
}

// Controlled reports whether an active proxy answers this client's posts.
func (c *Client) Controlled() bool {
	return c.bus.Controlled()
}

// Send delivers msg to the client. It blocks while the inbox is full and
// gives up once the client disconnects or ctx ends.
func (c *Client) Send(ctx context.Context, msg Message) error {
	select {
	case c.inbox <- msg.clone():
		return nil
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus owns the proxy mailbox and the set of connected clients.
type Bus struct {
	mu         sync.RWMutex
	clients    map[uuid.UUID]*Client
	mailbox    chan Envelope
	inboxSize  int
	controlled atomic.Bool
}

// NewBus creates a bus whose mailbox and client inboxes buffer size messages.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		clients:   make(map[uuid.UUID]*Client),
		mailbox:   make(chan Envelope, size),
		inboxSize: size,
	}
}

// Connect registers a new page client.
func (b *Bus) Connect() *Client {
	c := &Client{
		ID:    uuid.New(),
		bus:   b,
		inbox: make(chan Message, b.inboxSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[c.ID] = c
	b.mu.Unlock()
	return c
}

// Disconnect removes c; pending sends to it are abandoned.
func (b *Bus) Disconnect(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	b.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Clients returns the currently connected clients.
func (b *Bus) Clients() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

// Mailbox is read by the proxy context only.
func (b *Bus) Mailbox() <-chan Envelope {
	return b.mailbox
}

// Broadcast sends msg to every connected client and returns how many received it.
func (b *Bus) Broadcast(ctx context.Context, msg Message) int {
	delivered := 0
	for _, c := range b.Clients() {
		if err := c.Send(ctx, msg); err == nil {
			delivered++
		}
	}
	return delivered
}

// Claim marks the proxy as controlling the connected pages.
func (b *Bus) Claim() {
	b.controlled.Store(true)
}

// Release marks the proxy as no longer controlling pages.
func (b *Bus) Release() {
	b.controlled.Store(false)
}

// Controlled reports whether an active proxy is answering posts.
func (b *Bus) Controlled() bool {
	return b.controlled.Load()
}

func (b *Bus) post(ctx context.Context, env Envelope) error {
	select {
	case b.mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
