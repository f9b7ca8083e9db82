// Package connmanager implements the Connection Manager (component E):
// upgrades incoming HTTP requests to websockets behind gin, mints a UUID
// clientId per connection, and runs the paired reader/writer goroutines
// that own the socket. Structure follows the teacher's
// network.GameServer/Client register/unregister/readPump/writePump
// pattern, generalized from game messages to the marker wire protocol and
// from map[string]bool acks to the bounded-outbound-queue backpressure
// policy the distilled spec calls for (§4.E).
package connmanager

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/annel0/mmo-game/internal/logging"
	"github.com/annel0/mmo-game/internal/session"
	"github.com/annel0/mmo-game/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	maxMessageBytes   = 16 * 1024
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = 30 * time.Second
	violationWindow   = 60 * time.Second
	maxViolationCount = 10
)

// Handler reacts to inbound frames and lifecycle events for one session.
// hub.Hub implements this to wire the Connection Manager to the rest of
// the pipeline without connmanager importing hub (which would cycle).
type Handler interface {
	OnConnect(s *session.Session)
	OnViewportUpdate(s *session.Session, p wire.ViewportPayload)
	OnDisconnect(s *session.Session)
}

// Manager owns the websocket upgrade path and each connection's
// reader/writer pumps. It keeps no session set of its own: live sessions
// are registered through the Handler's OnConnect/OnDisconnect.
type Manager struct {
	handler          Handler
	log              *logging.Logger
	instanceID       string
	outboundQueueCap int
	idleTimeout      time.Duration
}

func New(handler Handler, log *logging.Logger, instanceID string, outboundQueueCap int, idleTimeout time.Duration) *Manager {
	return &Manager{
		handler:          handler,
		log:              log,
		instanceID:       instanceID,
		outboundQueueCap: outboundQueueCap,
		idleTimeout:      idleTimeout,
	}
}

// ServeWS is a gin handler that upgrades the request and starts the
// per-connection reader/writer goroutines.
func (m *Manager) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("connmanager: upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	sess := session.New(clientID, m.instanceID, m.outboundQueueCap)

	m.log.Info("connmanager: client %s connected", clientID)
	m.handler.OnConnect(sess)

	established, _ := wire.Encode(wire.TypeConnectionEstablished, wire.ConnectionEstablishedPayload{
		ClientID:   clientID,
		InstanceID: m.instanceID,
	})
	sess.TrySend(established)

	done := make(chan struct{})
	go m.writePump(conn, sess, done)
	m.readPump(conn, sess, done)
}

func (m *Manager) readPump(conn *websocket.Conn, sess *session.Session, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()
		m.handler.OnDisconnect(sess)
		m.log.Info("connmanager: client %s disconnected", sess.ID)
	}()

	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		sess.Touch()
		return nil
	})

	idleTicker := time.NewTicker(m.idleTimeout / 4)
	defer idleTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-idleTicker.C:
				if sess.IdleSince() > m.idleTimeout {
					m.log.Info("connmanager: client %s idle timeout", sess.ID)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.log.Warn("connmanager: read error for %s: %v", sess.ID, err)
			}
			return
		}
		sess.Touch()

		env, err := wire.Decode(data)
		if err != nil {
			if sess.RecordViolation(violationWindow) >= maxViolationCount {
				m.log.Warn("connmanager: client %s exceeded protocol violation threshold, disconnecting", sess.ID)
				return
			}
			continue
		}

		switch env.Type {
		case wire.TypeViewportUpdate:
			payload, err := wire.DecodeViewportUpdate(env)
			if err != nil {
				if sess.RecordViolation(violationWindow) >= maxViolationCount {
					return
				}
				continue
			}
			m.handler.OnViewportUpdate(sess, payload)
		case wire.TypePing:
			// Touch() above already recorded the activity; nothing else to do.
		default:
			// Unknown message types are ignored on ingress, per §4.I design note.
		}
	}
}

func (m *Manager) writePump(conn *websocket.Conn, sess *session.Session, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-sess.CloseSignal():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame, ok := <-sess.Outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
