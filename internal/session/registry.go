// Package session owns the live messaging channels: it creates them from
// stored credentials, reacts to their lifecycle and reconnects them.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"whatsapp-bridge/internal/authstate"
	"whatsapp-bridge/internal/bridge"
	"whatsapp-bridge/internal/channel"
	"whatsapp-bridge/internal/metrics"
	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/notify"
	"whatsapp-bridge/internal/store"
)

var (
	ErrInvalidSessionID = errors.New("session id must not be empty")
	ErrNotFound         = errors.New("session not found")
	ErrForbidden        = errors.New("session belongs to another user")
	ErrShutdown         = errors.New("registry is shut down")

	errSuperseded = errors.New("session was replaced or removed")
)

// Params are kept for the lifetime of a session and reused on every
// reconnect.
type Params struct {
	SessionID    string
	ChatflowID   string
	UserID       string
	NotifyTarget string
}

// MessageHandler receives inbound messages of open sessions, one at a time
// per session.
type MessageHandler interface {
	Handle(ctx context.Context, sessionID string, conv bridge.Conversation, msg channel.InboundMessage)
}

type Handle struct {
	ID      string
	Channel channel.Channel

	params Params
	ctrl   *Controller
	creds  *authstate.Handle
	done   chan struct{}

	// saveMu spans the registration check and the write of a credential save.
	saveMu sync.Mutex
}

func (h *Handle) Params() Params { return h.params }
func (h *Handle) State() State   { return h.ctrl.State() }
func (h *Handle) IsActive() bool { return h.ctrl.State() == StateOpen }

// Done is closed once the event loop of this handle has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

type Deps struct {
	Sessions    store.SessionStore
	Credentials *authstate.Adapter
	Connector   channel.Connector
	Notifier    notify.Notifier
	Messages    MessageHandler
	Metrics     *metrics.Metrics
	Policy      Policy
	// ActivationConcurrency bounds ActivateAll; values below one mean one.
	ActivationConcurrency int
}

type Registry struct {
	sessions    store.SessionStore
	credentials *authstate.Adapter
	connector   channel.Connector
	notifier    notify.Notifier
	messages    MessageHandler
	metrics     *metrics.Metrics
	policy      Policy
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	handles     map[string]*Handle
	controllers map[string]*Controller
	closed      bool
}

func NewRegistry(deps Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	n := deps.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Registry{
		sessions:    deps.Sessions,
		credentials: deps.Credentials,
		connector:   deps.Connector,
		notifier:    n,
		messages:    deps.Messages,
		metrics:     deps.Metrics,
		policy:      deps.Policy,
		concurrency: max(deps.ActivationConcurrency, 1),
		ctx:         ctx,
		cancel:      cancel,
		handles:     make(map[string]*Handle),
		controllers: make(map[string]*Controller),
	}
}

// CreateSession loads or initializes the credentials of p.SessionID, opens a
// channel and starts handling its events. A handle already registered under
// the same id is replaced.
func (r *Registry) CreateSession(ctx context.Context, p Params) (*Handle, error) {
	return r.createSession(ctx, p, nil)
}

// createSession with a non-nil prev only registers the new handle if prev is
// still the current one, so reconnects never resurrect a removed session.
func (r *Registry) createSession(ctx context.Context, p Params, prev *Handle) (*Handle, error) {
	if p.SessionID == "" {
		return nil, ErrInvalidSessionID
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}
	if prev != nil && !r.isCurrent(prev) {
		return nil, errSuperseded
	}

	creds, err := r.credentials.Load(ctx, p.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load credentials")
	}
	fresh := creds.State.Fresh()
	if fresh {
		if err := creds.Save(ctx); err != nil {
			return nil, errors.Wrap(err, "initialize credentials")
		}
	}

	ch, err := r.connector.Connect(ctx, channel.Config{SessionID: p.SessionID, State: creds.State})
	if err != nil {
		if fresh {
			_ = creds.Remove(context.WithoutCancel(ctx))
		}
		return nil, errors.Wrap(err, "connect")
	}

	r.mu.Lock()
	if r.closed || (prev != nil && r.handles[p.SessionID] != prev) {
		closed := r.closed
		r.mu.Unlock()
		ch.Close()
		if fresh {
			_ = creds.Remove(context.WithoutCancel(ctx))
		}
		if closed {
			return nil, ErrShutdown
		}
		return nil, errSuperseded
	}

	ctrl, ok := r.controllers[p.SessionID]
	if !ok || prev == nil {
		ctrl = NewController(r.policy)
		r.controllers[p.SessionID] = ctrl
	}
	ctrl.OnConnecting()

	h := &Handle{
		ID:      p.SessionID,
		Channel: ch,
		params:  p,
		ctrl:    ctrl,
		creds:   creds,
		done:    make(chan struct{}),
	}
	old := r.handles[p.SessionID]
	r.handles[p.SessionID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil && old != prev {
		r.retire(old)
	}

	r.metrics.ConnectionUpdate(string(StateConnecting))
	go r.run(h)
	return h, nil
}

func (r *Registry) isCurrent(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.handles[h.ID] == h
}

// retire closes the channel of a handle that is no longer registered.
func (r *Registry) retire(h *Handle) {
	if h.IsActive() {
		r.metrics.SessionClosed()
	}
	h.Channel.Close()
}

func (r *Registry) logger(h *Handle) *log.Entry {
	return log.WithFields(log.Fields{
		"session_id": h.ID,
		"flow_id":    h.params.ChatflowID,
	})
}

// run consumes the events of one channel in order until it is closed.
func (r *Registry) run(h *Handle) {
	defer r.wg.Done()
	defer close(h.done)

	for ev := range h.Channel.Events() {
		switch e := ev.(type) {
		case channel.ConnectionUpdate:
			r.onConnectionUpdate(h, e)
		case channel.CredentialsUpdate:
			r.saveCredentials(h)
		case channel.MessageUpsert:
			if r.messages == nil || !h.IsActive() || !r.isCurrent(h) {
				continue
			}
			r.messages.Handle(r.ctx, h.ID, h.Channel, e.Message)
		}
	}
}

// saveCredentials persists the state of h while it is registered. Events still
// buffered in a retired channel must not write back rows Unlink removed.
func (r *Registry) saveCredentials(h *Handle) {
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	if !r.isCurrent(h) {
		return
	}
	if err := h.creds.Save(r.ctx); err != nil {
		r.logger(h).WithError(err).Error("Failed to save credentials")
	}
}

func (r *Registry) onConnectionUpdate(h *Handle, e channel.ConnectionUpdate) {
	if !r.isCurrent(h) {
		return
	}

	switch e.Status {
	case channel.StatusConnecting:
		if e.QR == "" {
			return
		}
		r.notify(h, notify.EventQRCode, notify.PairingCode(e.QR))

	case channel.StatusOpen:
		wasOpen := h.IsActive()
		h.ctrl.OnOpen()
		r.metrics.ConnectionUpdate(string(StateOpen))
		if !wasOpen {
			r.metrics.SessionOpened()
		}
		r.logger(h).WithField("phone", e.PhoneNumber).Info("Session connected")
		r.markActive(h, e.PhoneNumber)
		r.notify(h, notify.EventConnect, notify.ConnectEvent{Connected: true, Success: true})

	case channel.StatusClose:
		if h.IsActive() {
			r.metrics.SessionClosed()
		}
		d := h.ctrl.OnClose(e.LoggedOut)
		r.metrics.ConnectionUpdate(string(h.ctrl.State()))
		r.metrics.Reconnect(d.Action.String())
		r.logger(h).WithFields(log.Fields{
			"reason": e.Reason,
			"state":  h.ctrl.State(),
			"delay":  d.Delay,
		}).Warn("Session closed")

		h.Channel.Close()
		switch d.Action {
		case ActionRetry:
			r.reconnect(h, d.Delay)
		case ActionTerminal:
			if err := r.sessions.SetActive(r.ctx, h.ID, false, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
				r.logger(h).WithError(err).Error("Failed to deactivate session")
			}
		case ActionGiveUp:
			r.logger(h).Error("Giving up on session after repeated failures")
		}
	}
}

// reconnect performs the single createSession that follows a close. Attempts
// that fail before a channel exists are retried under the same policy.
func (r *Registry) reconnect(h *Handle, delay time.Duration) {
	for {
		if !sleep(r.ctx, delay) {
			return
		}
		_, err := r.createSession(r.ctx, h.params, h)
		if err == nil {
			return
		}
		if errors.Is(err, errSuperseded) || errors.Is(err, ErrShutdown) {
			return
		}

		r.metrics.Reconnect("failed")
		d := h.ctrl.OnClose(false)
		r.logger(h).WithError(err).WithField("state", h.ctrl.State()).Error("Reconnect failed")
		if d.Action != ActionRetry {
			return
		}
		delay = d.Delay
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// markActive records the successful handshake. A new row is only created
// when no other session is active for the same chatflow.
func (r *Registry) markActive(h *Handle, phone string) {
	ctx := r.ctx
	p := h.params
	logger := r.logger(h)

	if p.ChatflowID != "" {
		existing, err := r.sessions.FindActiveByChatflow(ctx, p.ChatflowID)
		switch {
		case err == nil && existing.SessionID != p.SessionID:
			logger.WithField("active_session_id", existing.SessionID).Warn("Chatflow already has an active session")
			return
		case err != nil && !errors.Is(err, store.ErrNotFound):
			logger.WithError(err).Error("Failed to look up active session")
			return
		}
	}

	err := r.sessions.SetActive(ctx, p.SessionID, true, phone)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.WithError(err).Error("Failed to activate session")
		return
	}

	row := &model.Session{
		ChatflowID:  p.ChatflowID,
		UserID:      p.UserID,
		SessionID:   p.SessionID,
		PhoneNumber: phone,
		IsActive:    true,
	}
	if err := r.sessions.Create(ctx, row); err != nil {
		logger.WithError(err).Error("Failed to create session")
	}
}

// notify reaches the client that linked the session, or every client of the
// owner when none is waiting.
func (r *Registry) notify(h *Handle, event string, payload any) {
	var err error
	un, byUser := r.notifier.(notify.UserNotifier)
	if h.params.NotifyTarget == "" && h.params.UserID != "" && byUser {
		err = un.NotifyUser(r.ctx, h.params.UserID, event, payload)
	} else {
		err = r.notifier.Notify(r.ctx, h.params.NotifyTarget, event, payload)
	}
	if err != nil {
		r.logger(h).WithError(err).WithField("event", event).Warn("Failed to notify")
	}
}

// Link starts a new session for a user and chatflow. Pairing codes and the
// connected event go to target. Failures are reported to target as well.
func (r *Registry) Link(ctx context.Context, userID, chatflowID, target string) (string, error) {
	sessionID := uuid.NewString()
	_, err := r.CreateSession(ctx, Params{
		SessionID:    sessionID,
		ChatflowID:   chatflowID,
		UserID:       userID,
		NotifyTarget: target,
	})
	if err != nil {
		if nerr := r.notifier.Notify(ctx, target, notify.EventQRCode, notify.LinkFailed(err.Error())); nerr != nil {
			log.WithError(nerr).Warn("Failed to notify link failure")
		}
		return "", err
	}
	return sessionID, nil
}

// Unlink logs the session out and deletes its credentials and row. An empty
// userID skips the ownership check.
func (r *Registry) Unlink(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}

	row, err := r.sessions.FindBySessionID(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row = nil
	case err != nil:
		return err
	}
	if row != nil && userID != "" && row.UserID != userID {
		return ErrForbidden
	}

	r.mu.Lock()
	h := r.handles[sessionID]
	delete(r.handles, sessionID)
	delete(r.controllers, sessionID)
	r.mu.Unlock()

	if row == nil && h == nil {
		return ErrNotFound
	}

	var state *authstate.State
	if h != nil {
		if err := h.Channel.Logout(ctx); err != nil {
			r.logger(h).WithError(err).Warn("Failed to log out")
		}
		r.retire(h)
		// Wait for a save that already passed its registration check.
		h.saveMu.Lock()
		state = h.creds.State
		h.saveMu.Unlock()
	} else {
		stored, err := r.credentials.Load(ctx, sessionID)
		if err != nil {
			return errors.Wrap(err, "load credentials")
		}
		state = stored.State
	}

	// A failed logout or a session without a live channel still holds device
	// keys in the connector.
	if err := r.connector.Forget(ctx, state); err != nil {
		return errors.Wrap(err, "forget device")
	}
	if err := r.credentials.Remove(ctx, sessionID); err != nil {
		return err
	}
	if row != nil {
		if err := r.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	log.WithField("session_id", sessionID).Info("Session unlinked")
	return nil
}

// ActivateAll reconnects every session marked active in storage. One
// failing session does not stop the others.
func (r *Registry) ActivateAll(ctx context.Context) (int, error) {
	rows, err := r.sessions.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
		n  int
	)
	g.SetLimit(r.concurrency)
	for _, row := range rows {
		g.Go(func() error {
			_, err := r.CreateSession(ctx, Params{
				SessionID:  row.SessionID,
				ChatflowID: row.ChatflowID,
				UserID:     row.UserID,
			})
			if err != nil {
				log.WithError(err).WithField("session_id", row.SessionID).Error("Failed to activate session")
				return nil
			}
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(log.Fields{"activated": n, "total": len(rows)}).Info("Sessions activated")
	return n, nil
}

func (r *Registry) Get(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// List returns the registered handles ordered by id.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	result := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		result = append(result, h)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// OpenCount is the number of sessions whose channel is open.
func (r *Registry) OpenCount() int {
	n := 0
	for _, h := range r.List() {
		if h.IsActive() {
			n++
		}
	}
	return n
}

// Shutdown closes every channel without logging out and waits for the event
// loops to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	r.cancel()
	for _, h := range handles {
		r.retire(h)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
