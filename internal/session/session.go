// Package session implements one downstream client's WebSocket lifecycle:
// decoding inbound subscribe/unsubscribe/ping frames, mutating the
// subscription registry on the client's behalf, and pumping outbound
// broadcast messages back over the socket. It generalizes the teacher's
// single-purpose, read-only dashboard Hub/Client pair into a bidirectional
// per-client session driven by the registry's per-client channel.
package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketagg/internal/protocol"
	"marketagg/internal/registry"
	"marketagg/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// maxConsecutiveDrops bounds how many broadcast messages a client may
	// miss due to a full buffer before the session force-closes it with an
	// Error{code: slow_consumer} frame. A single dropped tick is
	// recoverable; an unbounded backlog is not.
	maxConsecutiveDrops = 50

	// dropCheckInterval is how often the write pump polls the registry's
	// drop counter for this client.
	dropCheckInterval = 5 * time.Second
)

// DropRecorder receives broadcast-drop counts for observability. Passing a
// nil DropRecorder to New is valid and simply skips reporting, so sessions
// work the same whether or not metrics are enabled.
type DropRecorder interface {
	RecordBroadcastDrop(clientID types.ClientId, count int64)
}

// Session owns one client's connection, registry membership, and pump
// goroutines.
type Session struct {
	id       types.ClientId
	conn     *websocket.Conn
	reg      *registry.Registry
	recv     <-chan registry.BroadcastMessage
	logger   *slog.Logger
	drops    DropRecorder

	lastReportedDrops int64

	closeOnce sync.Once
	closed    chan struct{}
}

// New registers a new client with the registry and wraps conn in a Session.
// Call Run to start its pumps; Run blocks until the connection closes.
// drops may be nil when metrics are disabled.
func New(conn *websocket.Conn, reg *registry.Registry, logger *slog.Logger, drops DropRecorder) *Session {
	id := reg.NewClientId()
	recv := reg.RegisterClient(id)
	return &Session{
		id:     id,
		conn:   conn,
		reg:    reg,
		recv:   recv,
		logger: logger.With("component", "session", "client_id", id),
		drops:  drops,
		closed: make(chan struct{}),
	}
}

// Run starts the read and write pumps and blocks until either terminates.
// On return the client has been fully unregistered from the registry.
func (s *Session) Run() {
	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()

	s.readPump()
	s.close()
	<-done
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.reg.RemoveClient(s.id)
	})
}

// readPump decodes inbound frames and mutates the registry. Binary frames
// and malformed JSON are rejected with Error{code: invalid_message}; the
// connection is not closed for a single bad frame, matching a tolerant
// client-input policy (only a persistently slow consumer, never a
// malformed message, forces a disconnect here).
func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.sendError(protocol.ErrInvalidMessage, "binary frames are not supported")
			continue
		}

		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	msg, err := protocol.ParseInbound(data)
	if err != nil {
		s.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		key := msg.Subscription.Key()
		s.reg.Subscribe(s.id, key)
		s.sendJSON(protocol.NewSubscribed(key))

	case protocol.TypeUnsubscribe:
		key := msg.Subscription.Key()
		s.reg.Unsubscribe(s.id, key)
		s.sendJSON(protocol.NewUnsubscribed(key))

	case protocol.TypePing:
		s.sendJSON(protocol.NewPong(msg.Timestamp))
	}
}

// writePump forwards registry broadcasts to the socket, sends periodic
// pings, and enforces the slow-consumer policy.
func (s *Session) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	dropTicker := time.NewTicker(dropCheckInterval)
	defer dropTicker.Stop()

	for {
		select {
		case <-s.closed:
			return

		case msg, ok := <-s.recv:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				s.logger.Warn("write failed", "error", err)
				go s.close()
				return
			}

		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				go s.close()
				return
			}

		case <-dropTicker.C:
			total := s.reg.DropCount(s.id)
			if s.drops != nil && total > s.lastReportedDrops {
				s.drops.RecordBroadcastDrop(s.id, total-s.lastReportedDrops)
				s.lastReportedDrops = total
			}
			if total >= maxConsecutiveDrops {
				s.logger.Warn("closing slow consumer", "drops", total)
				s.sendErrorAndClose(protocol.ErrSlowConsumer, "too many dropped messages, disconnecting")
				return
			}
		}
	}
}

func (s *Session) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal outbound frame", "error", err)
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("write outbound frame failed", "error", err)
	}
}

func (s *Session) sendError(code protocol.ErrorCode, message string) {
	s.sendJSON(protocol.NewError(code, message))
}

func (s *Session) sendErrorAndClose(code protocol.ErrorCode, message string) {
	s.sendError(code, message)
	go s.close()
}
