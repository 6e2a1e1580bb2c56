package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"whatsapp-bridge/internal/authstate"
	"whatsapp-bridge/internal/bridge"
	"whatsapp-bridge/internal/channel"
	"whatsapp-bridge/internal/channel/channeltest"
	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/notify"
	"whatsapp-bridge/internal/store"
)

type notification struct {
	target  string
	user    string
	event   string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []notification
}

func (r *recorder) Notify(_ context.Context, target, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{target: target, event: event, payload: payload})
	return nil
}

func (r *recorder) NotifyUser(_ context.Context, userID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{user: userID, event: event, payload: payload})
	return nil
}

func (r *recorder) find(event string) (notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.events {
		if n.event == event {
			return n, true
		}
	}
	return notification{}, false
}

type messageLog struct {
	mu   sync.Mutex
	msgs []string
}

func (m *messageLog) Handle(_ context.Context, _ string, _ bridge.Conversation, msg channel.InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg.Text)
}

func (m *messageLog) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}

type fixture struct {
	mem       *store.Memory
	connector *channeltest.Connector
	notes     *recorder
	messages  *messageLog
	registry  *Registry
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		mem:       store.NewMemory(),
		connector: channeltest.NewConnector(),
		notes:     &recorder{},
		messages:  &messageLog{},
	}
	f.registry = NewRegistry(Deps{
		Sessions:              f.mem.Sessions(),
		Credentials:           authstate.NewAdapter(f.mem.Credentials()),
		Connector:             f.connector,
		Notifier:              f.notes,
		Messages:              f.messages,
		Policy:                policy,
		ActivationConcurrency: 2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.registry.Shutdown(ctx)
	})
	return f
}

func (f *fixture) nextChannel(t *testing.T) *channeltest.Channel {
	t.Helper()
	select {
	case ch := <-f.connector.Connects():
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a connect")
		return nil
	}
}

var params = Params{SessionID: "abc123", ChatflowID: "flow-1", UserID: "user-1", NotifyTarget: "sid-1"}

func TestCreateSession_RejectsEmptyID(t *testing.T) {
	f := newFixture(t, Policy{})

	_, err := f.registry.CreateSession(context.Background(), Params{ChatflowID: "flow-1"})
	assert.ErrorIs(t, err, ErrInvalidSessionID)
	assert.Empty(t, f.connector.Calls())
}

func TestCreateSession_WithoutCredentialsStartsConnecting(t *testing.T) {
	f := newFixture(t, Policy{})

	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "abc123", h.ID)
	assert.Equal(t, StateConnecting, h.State())
	assert.False(t, h.IsActive())

	rows, err := f.mem.Credentials().List(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	got, ok := f.registry.Get("abc123")
	require.True(t, ok)
	assert.Same(t, h, got)
}

type brokenCredentials struct{ store.CredentialStore }

func (brokenCredentials) List(context.Context, string) ([]model.CredentialRecord, error) {
	return nil, errors.New("db down")
}

func TestCreateSession_StorageErrorPropagates(t *testing.T) {
	mem := store.NewMemory()
	connector := channeltest.NewConnector()
	r := NewRegistry(Deps{
		Sessions:    mem.Sessions(),
		Credentials: authstate.NewAdapter(brokenCredentials{}),
		Connector:   connector,
	})
	defer r.Shutdown(context.Background())

	_, err := r.CreateSession(context.Background(), params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Empty(t, connector.Calls())
}

func TestPairingCodeIsNotified(t *testing.T) {
	f := newFixture(t, Policy{})
	_, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusConnecting, QR: "2@code"})

	require.Eventually(t, func() bool {
		_, ok := f.notes.find(notify.EventQRCode)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := f.notes.find(notify.EventQRCode)
	assert.Equal(t, "sid-1", n.target)
	ev := n.payload.(notify.QRCodeEvent)
	assert.True(t, ev.Success)
	assert.Equal(t, "generate", ev.Action)
	assert.NotEmpty(t, ev.QRCode)
}

func TestOpen_CreatesRowAndNotifiesConnected(t *testing.T) {
	f := newFixture(t, Policy{})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen, PhoneNumber: "15551234567"})

	require.Eventually(t, func() bool {
		_, ok := f.notes.find(notify.EventConnect)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := f.notes.find(notify.EventConnect)
	assert.Equal(t, notify.ConnectEvent{Connected: true, Success: true}, n.payload)
	assert.True(t, h.IsActive())
	assert.Equal(t, 1, f.registry.OpenCount())

	row, err := f.mem.Sessions().FindBySessionID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, row.IsActive)
	assert.Equal(t, "flow-1", row.ChatflowID)
	assert.Equal(t, "user-1", row.UserID)
	assert.Equal(t, "15551234567", row.PhoneNumber)
}

func TestOpen_DoesNotCreateSecondActiveRowForFlow(t *testing.T) {
	f := newFixture(t, Policy{})
	require.NoError(t, f.mem.Sessions().Create(context.Background(), &model.Session{
		SessionID: "existing", ChatflowID: "flow-1", UserID: "user-1", IsActive: true,
	}))

	_, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})

	require.Eventually(t, func() bool {
		_, ok := f.notes.find(notify.EventConnect)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.mem.Sessions().FindBySessionID(context.Background(), "abc123")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoggedOutCloseIsNeverRetried(t *testing.T) {
	f := newFixture(t, Policy{})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})
	require.Eventually(t, h.IsActive, 2*time.Second, 10*time.Millisecond)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "logged out", LoggedOut: true})

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, f.connector.CallsFor("abc123"))
	assert.Equal(t, StateClosedTerminal, h.State())
	assert.True(t, ch.Closed())
	assert.Equal(t, 0, f.registry.OpenCount())

	row, err := f.mem.Sessions().FindBySessionID(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, row.IsActive)
}

func TestRetryableCloseRetriesExactlyOnce(t *testing.T) {
	f := newFixture(t, Policy{})
	first, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "connection lost"})

	second := f.nextChannel(t)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, f.connector.CallsFor("abc123"))
	assert.True(t, ch.Closed())
	assert.False(t, second.Closed())

	h, ok := f.registry.Get("abc123")
	require.True(t, ok)
	assert.NotSame(t, first, h)
	assert.Equal(t, params, h.Params())
	assert.Equal(t, StateConnecting, h.State())
}

func TestRetryStopsAtCap(t *testing.T) {
	f := newFixture(t, Policy{MaxRetries: 1})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	f.connector.FailWith(errors.New("unreachable"))
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "connection lost"})

	require.Eventually(t, func() bool { return h.State() == StateGaveUp }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.connector.CallsFor("abc123"))
}

func TestOneCloseCanCauseSeveralConnectsWhenReconnectFails(t *testing.T) {
	f := newFixture(t, Policy{MaxRetries: 3})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	f.connector.FailWith(errors.New("unreachable"))
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusClose, Reason: "connection lost"})

	require.Eventually(t, func() bool { return h.State() == StateGaveUp }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.connector.CallsFor("abc123"))
}

func TestOpenResetsRetryBudget(t *testing.T) {
	f := newFixture(t, Policy{MaxRetries: 1})
	_, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusClose})
	ch2 := f.nextChannel(t)
	ch2.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})
	ch2.Emit(channel.ConnectionUpdate{Status: channel.StatusClose})
	ch3 := f.nextChannel(t)

	assert.NotNil(t, ch3)
	assert.Equal(t, 3, f.connector.CallsFor("abc123"))
}

func TestCredentialsUpdateIsSaved(t *testing.T) {
	f := newFixture(t, Policy{})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	cfg := f.connector.Calls()[0]
	cfg.State.SetCreds([]byte(`{"jid":"1@s.whatsapp.net"}`))
	ch.Emit(channel.CredentialsUpdate{})

	require.Eventually(t, func() bool {
		rows, err := f.mem.Credentials().List(context.Background(), h.ID)
		return err == nil && len(rows) == 1 && string(rows[0].Value) == `{"jid":"1@s.whatsapp.net"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessagesAreDeliveredInOrderOnlyWhileOpen(t *testing.T) {
	f := newFixture(t, Policy{})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.MessageUpsert{Message: channel.InboundMessage{Text: "too early"}})
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})
	for _, text := range []string{"one", "two", "three"} {
		ch.Emit(channel.MessageUpsert{Message: channel.InboundMessage{Text: text}})
	}

	require.Eventually(t, func() bool { return len(f.messages.texts()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, f.messages.texts())
	assert.True(t, h.IsActive())
}

func TestUnlinkRemovesCredentialsAndRow(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, err := f.registry.CreateSession(ctx, params)
	require.NoError(t, err)
	ch := f.nextChannel(t)
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})
	require.Eventually(t, func() bool {
		_, err := f.mem.Sessions().FindBySessionID(ctx, "abc123")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.registry.Unlink(ctx, "someone-else", "abc123"), ErrForbidden)

	require.NoError(t, f.registry.Unlink(ctx, "user-1", "abc123"))
	assert.True(t, ch.LoggedOut())
	assert.True(t, ch.Closed())

	rows, err := f.mem.Credentials().List(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = f.mem.Sessions().FindBySessionID(ctx, "abc123")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := f.registry.Get("abc123")
	assert.False(t, ok)

	loaded, err := authstate.NewAdapter(f.mem.Credentials()).Load(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, loaded.State.Fresh())

	assert.Equal(t, []string{"abc123"}, f.connector.Forgotten())
	assert.ErrorIs(t, f.registry.Unlink(ctx, "user-1", "abc123"), ErrNotFound)
}

type blockingHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHandler) Handle(context.Context, string, bridge.Conversation, channel.InboundMessage) {
	b.entered <- struct{}{}
	<-b.release
}

func TestUnlinkDropsCredentialUpdatesStillQueued(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	connector := channeltest.NewConnector()
	block := &blockingHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRegistry(Deps{
		Sessions:    mem.Sessions(),
		Credentials: authstate.NewAdapter(mem.Credentials()),
		Connector:   connector,
		Messages:    block,
	})
	defer r.Shutdown(ctx)

	h, err := r.CreateSession(ctx, params)
	require.NoError(t, err)
	ch := <-connector.Connects()
	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})
	ch.Emit(channel.MessageUpsert{Message: channel.InboundMessage{Text: "hold"}})
	select {
	case <-block.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message handler was not reached")
	}
	ch.Emit(channel.CredentialsUpdate{})

	require.NoError(t, r.Unlink(ctx, "user-1", "abc123"))
	rows, err := mem.Credentials().List(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, rows)

	close(block.release)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}

	rows, err = mem.Credentials().List(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUnlinkWithoutLiveChannelForgetsDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{})
	require.NoError(t, f.mem.Sessions().Create(ctx, &model.Session{SessionID: "idle", ChatflowID: "flow-1", UserID: "user-1"}))
	require.NoError(t, f.mem.Credentials().Put(ctx, "idle", map[string][]byte{model.CredentialKeyCreds: []byte(`{"jid":"1@s.whatsapp.net"}`)}))

	f.connector.FailForget(errors.New("device store down"))
	require.Error(t, f.registry.Unlink(ctx, "user-1", "idle"))
	rows, err := f.mem.Credentials().List(ctx, "idle")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "credentials stay until the device is forgotten")

	f.connector.FailForget(nil)
	require.NoError(t, f.registry.Unlink(ctx, "user-1", "idle"))
	assert.Equal(t, []string{"idle"}, f.connector.Forgotten())
	rows, err = f.mem.Credentials().List(ctx, "idle")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, f.connector.Calls())
}

func TestLinkGeneratesSessionIDAndReportsFailures(t *testing.T) {
	f := newFixture(t, Policy{})

	id, err := f.registry.Link(context.Background(), "user-1", "flow-1", "sid-9")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	h, ok := f.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, Params{SessionID: id, ChatflowID: "flow-1", UserID: "user-1", NotifyTarget: "sid-9"}, h.Params())

	f.connector.FailWith(errors.New("unreachable"))
	_, err = f.registry.Link(context.Background(), "user-1", "flow-2", "sid-9")
	require.Error(t, err)
	n, ok := f.notes.find(notify.EventQRCode)
	require.True(t, ok)
	assert.Equal(t, "sid-9", n.target)
	assert.False(t, n.payload.(notify.QRCodeEvent).Success)
}

type selectiveConnector struct {
	*channeltest.Connector
	fail string
}

func (c selectiveConnector) Connect(ctx context.Context, cfg channel.Config) (channel.Channel, error) {
	if cfg.SessionID == c.fail {
		return nil, errors.New("bad session")
	}
	return c.Connector.Connect(ctx, cfg)
}

func TestActivateAllContinuesPastFailures(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"s1", "bad", "s2"} {
		require.NoError(t, mem.Sessions().Create(ctx, &model.Session{SessionID: id, ChatflowID: "flow-" + id, IsActive: true}))
	}
	require.NoError(t, mem.Sessions().Create(ctx, &model.Session{SessionID: "idle", ChatflowID: "flow-idle"}))

	connector := channeltest.NewConnector()
	r := NewRegistry(Deps{
		Sessions:              mem.Sessions(),
		Credentials:           authstate.NewAdapter(mem.Credentials()),
		Connector:             selectiveConnector{Connector: connector, fail: "bad"},
		ActivationConcurrency: 2,
	})
	defer r.Shutdown(ctx)

	n, err := r.ActivateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids := make([]string, 0)
	for _, h := range r.List() {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []string{"s1", "s2"}, ids)
}

func TestShutdownClosesChannels(t *testing.T) {
	f := newFixture(t, Policy{})
	h, err := f.registry.CreateSession(context.Background(), params)
	require.NoError(t, err)
	ch := f.nextChannel(t)

	require.NoError(t, f.registry.Shutdown(context.Background()))
	assert.True(t, ch.Closed())
	assert.False(t, ch.LoggedOut())
	<-h.Done()

	_, err = f.registry.CreateSession(context.Background(), Params{SessionID: "late"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestReactivatedSessionNotifiesOwner(t *testing.T) {
	f := newFixture(t, Policy{})
	_, err := f.registry.CreateSession(context.Background(), Params{SessionID: "abc123", ChatflowID: "flow-1", UserID: "user-1"})
	require.NoError(t, err)
	ch := f.nextChannel(t)

	ch.Emit(channel.ConnectionUpdate{Status: channel.StatusOpen})

	require.Eventually(t, func() bool {
		_, ok := f.notes.find(notify.EventConnect)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := f.notes.find(notify.EventConnect)
	assert.Equal(t, "user-1", n.user)
	assert.Empty(t, n.target)
}
