package notify

import (
	"context"
	"encoding/json"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const broadcastToken = "broadcast"

// NATS mirrors notifications onto <prefix>.<target>.<event>.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

func NewNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("whatsapp-bridge"),
		nats.MaxReconnects(-1),
		nats.DrainTimeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event for target is published on.
func Subject(prefix, target, event string) string {
	if target == "" {
		target = broadcastToken
	}
	return prefix + "." + target + "." + event
}

// UserSubject returns the subject an event for every client of userID is
// published on.
func UserSubject(prefix, userID, event string) string {
	return prefix + ".user." + userID + "." + event
}

func (n *NATS) Notify(_ context.Context, target, event string, payload any) error {
	return n.publish(Subject(n.prefix, target, event), payload)
}

func (n *NATS) NotifyUser(_ context.Context, userID, event string, payload any) error {
	return n.publish(UserSubject(n.prefix, userID, event), payload)
}

func (n *NATS) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return errors.Wrap(err, "failed to publish notification")
	}
	return nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
