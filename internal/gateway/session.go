package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one websocket client. It implements registrar.Connection.
type Session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	clientID   string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// ID returns the session's uuid.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client IP address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ClientID returns the client_id the session was opened with, possibly empty.
func (s *Session) ClientID() string { return s.clientID }

// Send queues a text message. It fails once the session is closed or when the
// client has stopped reading; the message is not retried.
func (s *Session) Send(message []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- message:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the session. The write pump sends a close frame and releases
// the socket; calling Close again is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// writePump owns every write to the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil {
			log.Printf("[Gateway] Failed to close connection %s: %v", s.id, err)
		}
	}()

	for {
		select {
		case message := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Gateway] Write to %s failed: %v", s.id, err)
				_ = s.Close()
				return
			}

		case <-s.closed:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case message := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
