// Package notify delivers session lifecycle events to the client that asked
// for them.
package notify

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/skip2/go-qrcode"
)

const (
	EventQRCode  = "qrcode"
	EventConnect = "waconnect"
)

type QRCodeEvent struct {
	Action  string `json:"action"`
	QRCode  string `json:"qrcode,omitempty"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

type ConnectEvent struct {
	Connected bool `json:"connected"`
	Success   bool `json:"success"`
}

// Notifier sends event to target. An empty target means no client is waiting.
type Notifier interface {
	Notify(ctx context.Context, target, event string, payload any) error
}

// UserNotifier reaches every client of a user. It is used when no single
// client is waiting, as for sessions reconnected at startup.
type UserNotifier interface {
	NotifyUser(ctx context.Context, userID, event string, payload any) error
}

type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) error     { return nil }
func (Nop) NotifyUser(context.Context, string, string, any) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, target, event string, payload any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, target, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyUser forwards to the members that can address users.
func (m Multi) NotifyUser(ctx context.Context, userID, event string, payload any) error {
	var errs []error
	for _, n := range m {
		un, ok := n.(UserNotifier)
		if !ok {
			continue
		}
		if err := un.NotifyUser(ctx, userID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QRCodeDataURL renders a pairing code as a PNG data URL.
func QRCodeDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PairingCode builds the qrcode event for a freshly produced pairing code.
func PairingCode(code string) QRCodeEvent {
	ev := QRCodeEvent{Action: "generate", Success: true}
	url, err := QRCodeDataURL(code)
	if err != nil {
		ev.QRCode = code
		return ev
	}
	ev.QRCode = url
	return ev
}

func LinkFailed(msg string) QRCodeEvent {
	return QRCodeEvent{Action: "generate", Message: msg, Success: false}
}
