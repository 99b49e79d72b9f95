package server

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/gradhall/gradhall/internal/platform/timeouts"
	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

const sendQueueLen = 64

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateSubscribed
	stateClosing
	stateClosed
)

// wsSession owns one client connection: its identity, its channel
// subscriptions, and a bounded outbound queue drained by a single write
// loop. Every server-to-client frame goes through the queue so ordering
// is the enqueue order and slow clients never block the rest.
type wsSession struct {
	conn     *websocket.Conn
	identity domain.Identity
	tokenID  string

	mu            sync.Mutex
	state         sessionState
	subscriptions map[string]struct{}
	queue         chan wsFrame
	closeCode     int
	writerStarted bool

	writerDone chan struct{}
}

func newWSSession(conn *websocket.Conn, identity domain.Identity, tokenID string) *wsSession {
	return &wsSession{
		conn:          conn,
		identity:      identity,
		tokenID:       tokenID,
		state:         stateAuthenticated,
		subscriptions: make(map[string]struct{}),
		queue:         make(chan wsFrame, sendQueueLen),
		writerDone:    make(chan struct{}),
	}
}

// startWriter launches the write loop. Must be called exactly once.
func (s *wsSession) startWriter() {
	s.mu.Lock()
	s.writerStarted = true
	s.mu.Unlock()
	go func() {
		defer close(s.writerDone)
		encoder := json.NewEncoder(s.conn)
		for frame := range s.queue {
			_ = s.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite))
			if err := encoder.Encode(frame); err != nil {
				// Drain the rest so enqueuers are never stuck; the read
				// loop notices the dead connection and closes the session.
				for range s.queue {
				}
				return
			}
		}
	}()
}

// enqueue appends one frame to the outbound queue. It reports false when
// the session is closed or the queue is full; a full queue means the
// client cannot keep up and the caller should close with closeOverflow.
func (s *wsSession) enqueue(frame wsFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosing || s.state == stateClosed {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// subscribe records a channel subscription and moves the session to
// stateSubscribed.
func (s *wsSession) subscribe(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosing || s.state == stateClosed {
		return
	}
	s.subscriptions[channelID] = struct{}{}
	s.state = stateSubscribed
}

// unsubscribe forgets one channel subscription so membership-gated
// operations fail closed after the router lets go of the session.
func (s *wsSession) unsubscribe(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, channelID)
}

func (s *wsSession) subscribed(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[channelID]
	return ok
}

func (s *wsSession) subscriptionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subscriptions))
	for channelID := range s.subscriptions {
		ids = append(ids, channelID)
	}
	return ids
}

func (s *wsSession) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// close shuts the session down once: it stops accepting frames, lets the
// writer drain what was already queued, sends the close code, and closes
// the socket. Later calls are no-ops and keep the first close code.
func (s *wsSession) close(code int) {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	s.closeCode = code
	writerStarted := s.writerStarted
	close(s.queue)
	s.mu.Unlock()

	if writerStarted {
		<-s.writerDone
	}
	if s.conn != nil {
		if code != closeNormal {
			_ = s.conn.WriteClose(code)
		}
		_ = s.conn.Close()
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}

func (s *wsSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSession) currentCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}
