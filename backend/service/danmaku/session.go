package danmaku

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one overlay connection.
type Session interface {
	ID() string
	WriteText(payload []byte) error
	Close() error
}

const (
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 64 << 10
)

// WSSession serializes writes to a gorilla connection.
type WSSession struct {
	id        string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{id: uuid.New().String(), conn: conn}
}

func (s *WSSession) ID() string {
	return s.id
}

func (s *WSSession) WriteText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Serve runs the read side of an overlay connection until it closes. The first text
// frame carrying a registered id binds the session to that registration.
func (r *Registry) Serve(conn *websocket.Conn) {
	session := NewWSSession(conn)
	conn.SetReadLimit(maxFrameBytes)
	r.Accept(session)
	defer func() {
		r.Disconnect(session)
		_ = session.Close()
	}()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.logf("session %s read ended: %v", session.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		r.MatchText(session, strings.TrimSpace(string(data)))
	}
}
