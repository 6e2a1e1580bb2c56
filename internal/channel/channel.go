// Package channel describes a live messaging connection independently of the
// library that implements it.
package channel

import (
	"context"

	"whatsapp-bridge/internal/authstate"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClose      Status = "close"
)

// Event is one of ConnectionUpdate, CredentialsUpdate or MessageUpsert.
type Event interface {
	isEvent()
}

// ConnectionUpdate reports a lifecycle change. QR is set while connecting when
// a new pairing code was produced. LoggedOut is only meaningful on close.
type ConnectionUpdate struct {
	Status      Status
	QR          string
	PhoneNumber string
	Reason      string
	LoggedOut   bool
}

// CredentialsUpdate signals that the state handed to Connect was rotated and
// should be saved.
type CredentialsUpdate struct{}

type MessageUpsert struct {
	Message InboundMessage
}

func (ConnectionUpdate) isEvent()  {}
func (CredentialsUpdate) isEvent() {}
func (MessageUpsert) isEvent()     {}

type Image struct {
	MimeType string
	Caption  string
	// Ref is the library specific handle used by DownloadImage.
	Ref any
}

type InboundMessage struct {
	ID     string
	From   string
	FromMe bool
	Text   string
	Image  *Image
}

type Config struct {
	SessionID string
	State     *authstate.State
}

// Channel is a connected session. Events is closed after Close.
type Channel interface {
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error
	DownloadImage(ctx context.Context, img *Image) ([]byte, error)
	Logout(ctx context.Context) error
	Close()
}

type Connector interface {
	Connect(ctx context.Context, cfg Config) (Channel, error)
	// Forget deletes whatever the connector keeps for a session outside the
	// credential store. Forgetting an unknown or unpaired session is not an
	// error.
	Forget(ctx context.Context, st *authstate.State) error
}
