// Package channel adapts the session manager and slot machines to the
// external wire protocol: framed JSON over a TLS-protected bidirectional
// stream on port 2000, using a raw crypto/tls listener plus explicit
// length-prefixed framing (see frame.go).
package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/keyguardio/keyguardd/internal/logger"
	"github.com/keyguardio/keyguardd/internal/session"
	"github.com/keyguardio/keyguardd/internal/slot"
	"github.com/keyguardio/keyguardd/internal/userslot"
)

// clientMessage is the superset shape of every client -> server message.
type clientMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	JWT      string `json:"jwt,omitempty"`
	SlotID   int    `json:"slotId,omitempty"`
}

// Server owns the TLS listener and the single logical "main connection" the
// controller pushes alerts and login events through — only one remote
// client is ever addressed at a time; a new connection replaces the old one.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	sessions  *session.Manager
	slots     []session.SlotBinding
	userSlot  *userslot.Machine

	mu   sync.Mutex
	conn net.Conn
}

// NewServer creates a channel server. slots and userSlot are wired for
// event-driven alert pushes; sessions is wired for the login/unlock request
// flow and for deferred unlock-outcome delivery.
func NewServer(addr string, tlsConfig *tls.Config, sessions *session.Manager, slots []session.SlotBinding, userSlot *userslot.Machine) *Server {
	s := &Server{addr: addr, tlsConfig: tlsConfig, sessions: sessions, slots: slots, userSlot: userSlot}
	sessions.OnUnlockResolved(s.pushUnlockOutcome)
	s.wireAlerts()
	return s
}

// Serve blocks accepting connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("channel: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn("channel: accept failed", zap.Error(err))
				continue
			}
		}
		s.adopt(conn)
		go s.serveConn(ctx, conn)
	}
}

// adopt replaces the current main connection, closing any previous one.
func (s *Server) adopt(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("channel: connection closed", zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("channel: malformed message", zap.Error(err))
			continue
		}
		s.handle(ctx, conn, msg)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, msg clientMessage) {
	switch msg.Type {
	case "echo":
		raw, _ := json.Marshal(msg)
		s.send(conn, raw)
	case "login":
		outcome := s.sessions.OnPasswordLogin(msg.Username, msg.Password)
		s.sendLogin(conn, msg.ID, outcome)
	case "unlock-key-slot":
		outcome := s.sessions.OnUnlockRequest(ctx, msg.ID, msg.JWT, msg.SlotID)
		if outcome.Status != "" {
			s.sendUnlock(conn, msg.ID, outcome)
		}
	default:
		logger.Warn("channel: unknown message type", zap.String("type", msg.Type))
	}
}

func (s *Server) send(conn net.Conn, payload []byte) {
	if err := writeFrame(conn, payload); err != nil {
		logger.Debug("channel: write failed", zap.Error(err))
	}
}

// sendTo pushes payload to the current main connection, if any — used for
// unsolicited alerts and card-triggered logins, which have no request in
// flight to reply to.
func (s *Server) sendTo(payload []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.send(conn, payload)
}

func (s *Server) sendLogin(conn net.Conn, id string, outcome session.LoginOutcome) {
	msg := map[string]any{"type": "login", "status": outcome.Status}
	if id != "" {
		msg["id"] = id
	}
	switch outcome.Status {
	case "success":
		msg["jwt"] = outcome.JWT
		msg["name"] = outcome.Name
		msg["keyData"] = outcome.KeyData
	case "blocked":
		msg["currentUser"] = outcome.CurrentUser
	}
	raw, _ := json.Marshal(msg)
	if conn != nil {
		s.send(conn, raw)
	} else {
		s.sendTo(raw)
	}
}

func (s *Server) sendUnlock(conn net.Conn, id string, outcome session.UnlockOutcome) {
	msg := map[string]any{"type": "unlock-key-slot", "id": id, "status": outcome.Status}
	if outcome.Reason != "" {
		msg["reason"] = outcome.Reason
	}
	raw, _ := json.Marshal(msg)
	s.send(conn, raw)
}

// pushUnlockOutcome is the session manager's deferred-reply hook: by the
// time a pending unlock resolves, the original connection may be gone, so
// this always targets whatever connection is currently "main".
func (s *Server) pushUnlockOutcome(reqID string, outcome session.UnlockOutcome) {
	msg := map[string]any{"type": "unlock-key-slot", "id": reqID, "status": outcome.Status}
	raw, _ := json.Marshal(msg)
	s.sendTo(raw)
}

// PushCardLogin sends an unsolicited login-success message when a user
// badges in rather than submitting a password login; it carries no request
// id since nothing asked for it.
func (s *Server) PushCardLogin(outcome session.LoginOutcome) {
	s.sendLogin(nil, "", outcome)
}

// wireAlerts subscribes to every slot's and the user slot's events and
// translates them into the unsolicited alert message types pushed to the
// connected client.
func (s *Server) wireAlerts() {
	for _, binding := range s.slots {
		binding := binding
		binding.Machine.Events.On(func(_ *slot.Machine, ev slot.Event) {
			s.onSlotEvent(binding, ev)
		})
	}
	if s.userSlot != nil {
		s.userSlot.Events.On(func(_ *userslot.Machine, ev userslot.Event) {
			s.onUserSlotEvent(ev)
		})
	}
}

func (s *Server) onSlotEvent(binding session.SlotBinding, ev slot.Event) {
	switch ev.Kind {
	case slot.KeyStolen:
		msg := map[string]any{
			"type":     "key-stolen",
			"slotName": binding.Name,
			"keyName":  ev.Key.Name,
		}
		if ev.ReplacementUID != "" {
			msg["deceptiveReplacement"] = ev.ReplacementUID
		}
		raw, _ := json.Marshal(msg)
		s.sendTo(raw)
	case slot.UnauthorizedPlace:
		raw, _ := json.Marshal(map[string]any{
			"type":     "unauth-key-place-attempt",
			"slotName": binding.Name,
			"keyName":  ev.Key.Name,
		})
		s.sendTo(raw)
	case slot.UnknownKeyPlaced:
		raw, _ := json.Marshal(map[string]any{
			"type":     "unknown-key-placed",
			"slotName": binding.Name,
			"keyId":    ev.UnknownUID,
		})
		s.sendTo(raw)
	}
}

func (s *Server) onUserSlotEvent(ev userslot.Event) {
	switch ev.Kind {
	case userslot.UnknownUserFound:
		raw, _ := json.Marshal(map[string]any{
			"type":   "unrecognized-user-card",
			"cardId": ev.UID,
		})
		s.sendTo(raw)
	case userslot.UserCardBlocked:
		currentUser := ""
		if active, ok := s.sessions.ActiveUser(); ok {
			currentUser = active.Name
		}
		raw, _ := json.Marshal(map[string]any{
			"type":        "user-card-blocked",
			"blockedUser": ev.User.Name,
			"currentUser": currentUser,
		})
		s.sendTo(raw)
	case userslot.UserFound:
		if ev.Via != userslot.ViaCard {
			return
		}
		outcome, opened := s.sessions.OnCardUser(ev.User)
		if opened {
			s.PushCardLogin(outcome)
		}
	}
}
