// Package bridge forwards inbound chat messages to the prediction API and
// relays the answer back over the same channel.
package bridge

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"whatsapp-bridge/internal/channel"
	"whatsapp-bridge/internal/metrics"
	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/prediction"
)

const (
	ImageRefusal = "Sorry, image uploads are not enabled for this assistant."
	Fallback     = "Sorry, I could not find an answer to that."
)

type SessionLookup interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.Session, error)
}

type UploadPolicy interface {
	ImageUploadAllowed(ctx context.Context, flowID string) (bool, error)
}

type Predictor interface {
	Predict(ctx context.Context, flowID string, req prediction.Request) (*prediction.Response, error)
}

// Conversation is the part of a channel the bridge talks through.
type Conversation interface {
	SendText(ctx context.Context, to, text string) error
	DownloadImage(ctx context.Context, img *channel.Image) ([]byte, error)
}

type Deps struct {
	Sessions  SessionLookup
	Policy    UploadPolicy
	Predictor Predictor
	Metrics   *metrics.Metrics
}

type Bridge struct {
	sessions  SessionLookup
	policy    UploadPolicy
	predictor Predictor
	metrics   *metrics.Metrics
}

func New(deps Deps) *Bridge {
	return &Bridge{
		sessions:  deps.Sessions,
		policy:    deps.Policy,
		predictor: deps.Predictor,
		metrics:   deps.Metrics,
	}
}

// Handle processes one inbound message. Failures are logged and the sender
// gets no reply.
func (b *Bridge) Handle(ctx context.Context, sessionID string, conv Conversation, msg channel.InboundMessage) {
	kind := "text"
	if msg.Image != nil {
		kind = "image"
	}

	outcome, err := b.handle(ctx, sessionID, conv, msg)
	b.metrics.Message(kind, outcome)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"session_id": sessionID,
			"message_id": msg.ID,
			"kind":       kind,
		}).Error("Failed to bridge message")
	}
}

func (b *Bridge) handle(ctx context.Context, sessionID string, conv Conversation, msg channel.InboundMessage) (string, error) {
	if msg.FromMe {
		return "ignored", nil
	}

	sess, err := b.sessions.FindBySessionID(ctx, sessionID)
	if err != nil || !sess.IsActive || sess.ChatflowID == "" {
		return "ignored", nil
	}
	flowID := sess.ChatflowID

	req := prediction.Request{Question: msg.Text}
	if msg.Image != nil {
		allowed, err := b.policy.ImageUploadAllowed(ctx, flowID)
		if err != nil {
			return "failed", errors.Wrap(err, "upload policy")
		}
		if !allowed {
			if err := conv.SendText(ctx, msg.From, ImageRefusal); err != nil {
				return "failed", errors.Wrap(err, "send refusal")
			}
			return "refused", nil
		}

		data, err := conv.DownloadImage(ctx, msg.Image)
		if err != nil {
			return "failed", err
		}
		req.Question = msg.Image.Caption
		req.Uploads = []prediction.Upload{{
			Type: "file",
			Name: "whatsapp-" + msg.ID,
			Data: "data:" + msg.Image.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
			Mime: msg.Image.MimeType,
		}}
	}

	start := time.Now()
	resp, err := b.predictor.Predict(ctx, flowID, req)
	b.metrics.ObservePrediction(time.Since(start), err)
	if err != nil {
		return "failed", errors.Wrap(err, "prediction")
	}

	reply := resp.Text
	if reply == "" {
		reply = Fallback
	}
	if err := conv.SendText(ctx, msg.From, reply); err != nil {
		return "failed", errors.Wrap(err, "send reply")
	}
	return "replied", nil
}
