package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrSessionClosed = errors.New("ws session closed")

// WSSession is a single subscribed websocket connection. Writes are
// serialized; Close may be called from any goroutine.
type WSSession struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func NewWSSession(conn *websocket.Conn, writeTimeout time.Duration) *WSSession {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSSession{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

func (s *WSSession) Send(ctx context.Context, v any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Close() error {
	err := ErrSessionClosed
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) Done() <-chan struct{} { return s.done }

// Serve pumps the connection until the peer disconnects, a ping goes
// unanswered, or ctx ends. Inbound messages are discarded. The session is
// closed when Serve returns.
func (s *WSSession) Serve(ctx context.Context, pingInterval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	s.conn.SetReadLimit(4096)
	if pingInterval > 0 {
		pongWait := 2 * pingInterval
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.pingLoop(ctx, pingInterval)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
	}
}

func (s *WSSession) pingLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
