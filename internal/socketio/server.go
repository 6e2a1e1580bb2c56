// Package socketio is a minimal engine.io v4 / socket.io v5 server over
// websockets. Clients are addressed by their engine.io sid, which the web UI
// sends as the notification target when it links a session.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"whatsapp-bridge/internal/auth"
	"whatsapp-bridge/internal/model"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	linkTimeout  time.Duration = 30 * time.Second
)

var ErrUnknownTarget = errors.New("unknown socket target")

// Authorizer validates the optional token sent with CONNECT.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*model.User, error)
}

var _ Authorizer = (*auth.Authorizer)(nil)

// Linker links and unlinks sessions on behalf of an authenticated socket.
type Linker interface {
	Link(ctx context.Context, userID, chatflowID, target string) (string, error)
	Unlink(ctx context.Context, userID, sessionID string) error
}

type Deps struct {
	Authorizer Authorizer
}

type Server struct {
	authorizer Authorizer

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	linker    Linker
	conns     map[string]*conn
	roomUsers map[string]map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	return &Server{
		authorizer: deps.Authorizer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:     make(map[string]*conn),
		roomUsers: make(map[string]map[*conn]struct{}),
	}
}

// SetLinker attaches the session registry once it exists; the registry in
// turn uses the server to notify clients.
func (s *Server) SetLinker(l Linker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linker = l
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.registerConn(c)
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": 25000,
		"pingTimeout":  20000,
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(r.Context(), c, msg)
	})
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.sid] = c
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sid)
	if c.userID != "" {
		s.leaveRoom(s.roomUsers, c.userID, c)
	}
	s.mu.Unlock()

	c.close()
}

func (s *Server) joinRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	if key == "" {
		return
	}
	set, ok := rooms[key]
	if !ok {
		set = make(map[*conn]struct{})
		rooms[key] = set
	}
	set[c] = struct{}{}
}

func (s *Server) leaveRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	set, ok := rooms[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(rooms, key)
	}
}

// Emit sends event to the socket whose sid is target.
func (s *Server) Emit(target, event string, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[target]
	s.mu.RUnlock()
	if !ok || !c.connected.Load() {
		return ErrUnknownTarget
	}

	pkt, err := eventPacket(defaultNamespace, event, payload)
	if err != nil {
		return err
	}
	if err := c.writeText(pkt.frame()); err != nil {
		s.unregisterConn(c)
		return errors.Wrap(err, "failed to emit")
	}
	return nil
}

// EmitToUser sends event to every authenticated socket of userID.
func (s *Server) EmitToUser(userID, event string, payload any) {
	if userID == "" {
		return
	}
	pkt, err := eventPacket(defaultNamespace, event, payload)
	if err != nil {
		return
	}
	frame := pkt.frame()

	s.mu.RLock()
	set := s.roomUsers[userID]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeText(frame); err != nil {
			s.unregisterConn(c)
		}
	}
}

// NotifyUser implements notify.UserNotifier over the user rooms joined at
// CONNECT.
func (s *Server) NotifyUser(_ context.Context, userID, event string, payload any) error {
	s.EmitToUser(userID, event, payload)
	return nil
}

// Notify implements notify.Notifier. Events for sockets that already went
// away are dropped.
func (s *Server) Notify(_ context.Context, target, event string, payload any) error {
	if target == "" {
		return nil
	}
	err := s.Emit(target, event, payload)
	if errors.Is(err, ErrUnknownTarget) {
		log.WithFields(log.Fields{"target": target, "event": event}).Debug("Notification target is gone")
		return nil
	}
	return err
}

func (s *Server) handleMessage(ctx context.Context, c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(ctx, c, msg[1:])
	case engineClose:
		c.close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(ctx context.Context, c *conn, payload string) {
	pkt, err := decodePacket(payload)
	if err != nil {
		return
	}

	switch pkt.Type {
	case socketConnect:
		s.handleConnect(ctx, c, pkt)
	case socketEvent:
		s.handleEvent(ctx, c, pkt)
	}
}

// handleConnect accepts anonymous sockets. A token, when sent, must be valid
// and puts the socket in its user's room.
func (s *Server) handleConnect(ctx context.Context, c *conn, pkt packet) {
	if c.connected.Load() {
		return
	}

	ns := pkt.Namespace
	var authObj connectAuth
	if len(pkt.Data) > 0 {
		if err := json.Unmarshal(pkt.Data, &authObj); err != nil {
			_ = c.writeConnectError(ns, "Invalid auth")
			c.close()
			return
		}
	}

	if authObj.Token != "" {
		if s.authorizer == nil {
			_ = c.writeConnectError(ns, "Authentication unavailable")
			c.close()
			return
		}
		u, err := s.authorizer.Authorize(ctx, authObj.Token)
		if err != nil {
			_ = c.writeConnectError(ns, "Invalid authentication token")
			c.close()
			return
		}
		c.userID = u.ID
	}
	c.connected.Store(true)

	if c.userID != "" {
		s.mu.Lock()
		s.joinRoom(s.roomUsers, c.userID, c)
		s.mu.Unlock()
	}

	reply, err := connectPacket(ns, c.sid)
	if err != nil {
		return
	}
	_ = c.writeText(reply.frame())
}

type linkRequest struct {
	ChatflowID string `json:"chatflowId"`
}

type unlinkRequest struct {
	SessionID string `json:"sessionId"`
}

func firstArg(args []json.RawMessage, v any) bool {
	return len(args) > 0 && json.Unmarshal(args[0], v) == nil
}

func (s *Server) handleEvent(ctx context.Context, c *conn, pkt packet) {
	if !c.connected.Load() {
		return
	}

	name, args, err := pkt.event()
	if err != nil || pkt.ID == nil {
		return
	}
	ns, id := pkt.Namespace, *pkt.ID

	switch name {
	case "ping":
		c.ack(ns, id)

	case "whatsapp-link":
		var req linkRequest
		if !firstArg(args, &req) || req.ChatflowID == "" {
			c.ack(ns, id, gin.H{"ok": false, "error": "Missing chatflowId"})
			return
		}
		linker, ok := s.linkerFor(c)
		if !ok {
			c.ack(ns, id, gin.H{"ok": false, "error": "Unauthorized"})
			return
		}

		// Pairing codes are emitted to this socket while the link is pending,
		// so the read loop must keep running.
		go func() {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), linkTimeout)
			defer cancel()
			sessionID, err := linker.Link(lctx, c.userID, req.ChatflowID, c.sid)
			if err != nil {
				c.ack(ns, id, gin.H{"ok": false, "error": err.Error()})
				return
			}
			c.ack(ns, id, gin.H{"ok": true, "sessionId": sessionID})
		}()

	case "whatsapp-unlink":
		var req unlinkRequest
		if !firstArg(args, &req) || req.SessionID == "" {
			c.ack(ns, id, gin.H{"ok": false, "error": "Missing sessionId"})
			return
		}
		linker, ok := s.linkerFor(c)
		if !ok {
			c.ack(ns, id, gin.H{"ok": false, "error": "Unauthorized"})
			return
		}
		if err := linker.Unlink(ctx, c.userID, req.SessionID); err != nil {
			c.ack(ns, id, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.ack(ns, id, gin.H{"ok": true})
	}
}

func (s *Server) linkerFor(c *conn) (Linker, bool) {
	if c.userID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linker, s.linker != nil
}

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool
	userID    string

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(25 * time.Second),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > 20*time.Second {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(25 * time.Second)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) ack(namespace string, id int, args ...any) {
	pkt, err := ackPacket(namespace, id, args...)
	if err != nil {
		return
	}
	_ = c.writeText(pkt.frame())
}

func (c *conn) writeConnectError(namespace, msg string) error {
	pkt, err := connectErrorPacket(namespace, msg)
	if err != nil {
		return err
	}
	return c.writeText(pkt.frame())
}
