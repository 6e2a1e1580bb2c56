// Package channeltest provides an in-memory Connector for tests.
package channeltest

import (
	"context"
	"errors"
	"sync"

	"whatsapp-bridge/internal/authstate"
	"whatsapp-bridge/internal/channel"
)

type Sent struct {
	To   string
	Text string
}

// Channel is a scripted channel. Tests push events with Emit.
type Channel struct {
	SessionID string
	events    chan channel.Event

	mu        sync.Mutex
	sent      []Sent
	images    map[*channel.Image][]byte
	closed    bool
	loggedOut bool
	sendErr   error
}

func NewChannel(sessionID string) *Channel {
	return &Channel{
		SessionID: sessionID,
		events:    make(chan channel.Event, 64),
		images:    make(map[*channel.Image][]byte),
	}
}

func (c *Channel) Events() <-chan channel.Event { return c.events }

// Emit delivers ev to the consumer. It is a no-op after Close.
func (c *Channel) Emit(ev channel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *Channel) SetImage(img *channel.Image, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[img] = data
}

func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Channel) SendText(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Channel) DownloadImage(_ context.Context, img *channel.Image) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.images[img]
	if !ok {
		return nil, errors.New("media not found")
	}
	return data, nil
}

func (c *Channel) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *Channel) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connector records every Connect call and hands out a new Channel each time.
type Connector struct {
	mu       sync.Mutex
	calls    []channel.Config
	channels []*Channel
	err      error
	connects chan *Channel

	forgotten []string
	forgetErr error
}

func NewConnector() *Connector {
	return &Connector{connects: make(chan *Channel, 64)}
}

// FailWith makes subsequent Connect calls return err; nil restores success.
func (c *Connector) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Connector) Connect(_ context.Context, cfg channel.Config) (channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cfg)
	if c.err != nil {
		return nil, c.err
	}
	ch := NewChannel(cfg.SessionID)
	c.channels = append(c.channels, ch)
	c.connects <- ch
	return ch, nil
}

// Connects yields every channel handed out, in order.
func (c *Connector) Connects() <-chan *Channel { return c.connects }

func (c *Connector) Calls() []channel.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Config(nil), c.calls...)
}

// CallsFor counts Connect calls for sessionID.
func (c *Connector) CallsFor(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cfg := range c.calls {
		if cfg.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (c *Connector) Last() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// FailForget makes subsequent Forget calls return err; nil restores success.
func (c *Connector) FailForget(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetErr = err
}

func (c *Connector) Forget(_ context.Context, st *authstate.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forgetErr != nil {
		return c.forgetErr
	}
	c.forgotten = append(c.forgotten, st.SessionID())
	return nil
}

// Forgotten lists the session ids passed to Forget, in order.
func (c *Connector) Forgotten() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forgotten...)
}
