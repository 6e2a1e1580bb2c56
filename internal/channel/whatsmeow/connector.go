// Package whatsmeow implements channel.Connector on top of go.mau.fi/whatsmeow.
package whatsmeow

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	"whatsapp-bridge/internal/authstate"
	"whatsapp-bridge/internal/channel"
)

// creds is what the gateway keeps in the credential row. Device keys live in
// the whatsmeow device store, addressed by JID.
type creds struct {
	JID string `json:"jid,omitempty"`
}

func decodeCreds(st *authstate.State) (creds, error) {
	var c creds
	raw := st.Creds()
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, errors.Wrap(err, "failed to decode credentials")
	}
	return c, nil
}

type Connector struct {
	container *sqlstore.Container
	log       waLog.Logger
}

// Open connects to the postgres device store and upgrades its schema.
func Open(ctx context.Context, dsn string) (*Connector, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device store")
	}
	logger := NewLogger(log.WithField("component", "whatsmeow"))
	container := sqlstore.NewWithDB(db, "postgres", logger.Sub("store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to upgrade device store")
	}
	return &Connector{container: container, log: logger}, nil
}

func (c *Connector) Close() error {
	return c.container.Close()
}

func (c *Connector) device(ctx context.Context, st *authstate.State) (*store.Device, error) {
	cr, err := decodeCreds(st)
	if err != nil {
		return nil, err
	}
	if cr.JID == "" {
		return c.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(cr.JID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid stored jid")
	}
	dev, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load device")
	}
	if dev == nil {
		// The device store lost the keys; pair again.
		return c.container.NewDevice(), nil
	}
	return dev, nil
}

// Forget deletes the device keys of a paired session from the device store.
func (c *Connector) Forget(ctx context.Context, st *authstate.State) error {
	cr, err := decodeCreds(st)
	if err != nil {
		return err
	}
	if cr.JID == "" {
		return nil
	}
	jid, err := types.ParseJID(cr.JID)
	if err != nil {
		return errors.Wrap(err, "invalid stored jid")
	}
	dev, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return errors.Wrap(err, "failed to load device")
	}
	if dev == nil {
		return nil
	}
	if err := dev.Delete(ctx); err != nil {
		return errors.Wrap(err, "failed to delete device")
	}
	return nil
}

func (c *Connector) Connect(ctx context.Context, cfg channel.Config) (channel.Channel, error) {
	dev, err := c.device(ctx, cfg.State)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(dev, c.log.Sub(cfg.SessionID))
	client.EnableAutoReconnect = false

	ch := &waChannel{
		client: client,
		state:  cfg.State,
		events: make(chan channel.Event, 32),
		done:   make(chan struct{}),
	}
	client.AddEventHandler(ch.handle)

	var qrs <-chan whatsmeow.QRChannelItem
	if client.Store.ID == nil {
		qrs, err = client.GetQRChannel(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "failed to request pairing codes")
		}
	}

	ch.emit(channel.ConnectionUpdate{Status: channel.StatusConnecting})
	if err := client.Connect(); err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	if qrs != nil {
		go ch.pumpQR(qrs)
	}
	return ch, nil
}

type waChannel struct {
	client *whatsmeow.Client
	state  *authstate.State

	mu       sync.Mutex
	events   chan channel.Event
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func (c *waChannel) Events() <-chan channel.Event { return c.events }

func (c *waChannel) emit(ev channel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *waChannel) pumpQR(qrs <-chan whatsmeow.QRChannelItem) {
	for item := range qrs {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(channel.ConnectionUpdate{Status: channel.StatusConnecting, QR: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "pairing failed"})
		}
	}
}

func (c *waChannel) phone() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

func (c *waChannel) handle(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		raw, err := json.Marshal(creds{JID: e.ID.String()})
		if err != nil {
			return
		}
		c.state.SetCreds(raw)
		c.emit(channel.CredentialsUpdate{})
	case *events.Connected:
		c.emit(channel.ConnectionUpdate{Status: channel.StatusOpen, PhoneNumber: c.phone()})
	case *events.LoggedOut:
		c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: e.Reason.String(), LoggedOut: true})
	case *events.ConnectFailure:
		c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: e.Reason.String(), LoggedOut: e.Reason.IsLoggedOut()})
	case *events.StreamReplaced:
		c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "stream replaced"})
	case *events.Disconnected:
		c.emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "disconnected"})
	case *events.Message:
		if msg, ok := toInbound(e); ok {
			c.emit(channel.MessageUpsert{Message: msg})
		}
	}
}

func toInbound(e *events.Message) (channel.InboundMessage, bool) {
	if e.Info.Chat == types.StatusBroadcastJID || e.Message == nil {
		return channel.InboundMessage{}, false
	}
	msg := channel.InboundMessage{
		ID:     e.Info.ID,
		From:   e.Info.Chat.String(),
		FromMe: e.Info.IsFromMe,
	}
	switch {
	case e.Message.GetImageMessage() != nil:
		img := e.Message.GetImageMessage()
		msg.Image = &channel.Image{MimeType: img.GetMimetype(), Caption: img.GetCaption(), Ref: img}
		msg.Text = img.GetCaption()
	case e.Message.GetConversation() != "":
		msg.Text = e.Message.GetConversation()
	case e.Message.GetExtendedTextMessage() != nil:
		msg.Text = e.Message.GetExtendedTextMessage().GetText()
	default:
		return channel.InboundMessage{}, false
	}
	return msg, true
}

func (c *waChannel) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return errors.Wrap(err, "invalid recipient")
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return errors.Wrap(err, "failed to send message")
}

func (c *waChannel) DownloadImage(ctx context.Context, img *channel.Image) ([]byte, error) {
	ref, ok := img.Ref.(*waE2E.ImageMessage)
	if !ok {
		return nil, errors.New("image has no media reference")
	}
	data, err := c.client.Download(ctx, ref)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download image")
	}
	return data, nil
}

func (c *waChannel) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return errors.Wrap(c.client.Logout(ctx), "failed to log out")
}

func (c *waChannel) Close() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.client.Disconnect()

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}
