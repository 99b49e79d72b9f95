package server

import (
	"context"
	"log"
	"sync"

	"github.com/gradhall/gradhall/internal/services/messaging/domain"
)

// AuthorizeFunc decides whether a user may subscribe to a channel. It
// returns domain.ErrForbidden for non-members.
type AuthorizeFunc func(ctx context.Context, userID string, channelID string) error

// Router tracks which sessions subscribe to which channels and fans
// events out to them.
//
// Delivery order per channel per subscriber is the enqueue order: the
// channel lock is held while frames are queued, so two broadcasts on the
// same channel reach every subscriber in the same order. A subscriber
// whose queue overflows is closed with closeOverflow without touching
// the remaining subscribers.
type Router struct {
	authorize AuthorizeFunc

	mu       sync.Mutex
	channels map[string]map[*wsSession]struct{}
	sessions map[*wsSession]struct{}
}

// NewRouter builds a router with the given membership check.
func NewRouter(authorize AuthorizeFunc) *Router {
	return &Router{
		authorize: authorize,
		channels:  make(map[string]map[*wsSession]struct{}),
		sessions:  make(map[*wsSession]struct{}),
	}
}

// Track makes a session visible to connection-wide broadcasts such as
// presence updates. Sessions are tracked from authentication, before any
// channel subscription exists.
func (r *Router) Track(session *wsSession) {
	if r == nil || session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session] = struct{}{}
}

// Register subscribes a session to a channel after the membership check.
func (r *Router) Register(ctx context.Context, session *wsSession, channelID string) error {
	if r == nil || session == nil {
		return domain.ErrForbidden
	}
	if r.authorize != nil {
		if err := r.authorize(ctx, session.identity.ID, channelID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	subscribers, ok := r.channels[channelID]
	if !ok {
		subscribers = make(map[*wsSession]struct{})
		r.channels[channelID] = subscribers
	}
	subscribers[session] = struct{}{}
	r.sessions[session] = struct{}{}
	r.mu.Unlock()

	session.subscribe(channelID)
	return nil
}

// Unregister removes a session from one channel. No frames for that
// channel are delivered to the session after Unregister returns, and the
// session no longer counts the channel among its subscriptions.
func (r *Router) Unregister(session *wsSession, channelID string) {
	if r == nil || session == nil {
		return
	}
	r.mu.Lock()
	if subscribers, ok := r.channels[channelID]; ok {
		delete(subscribers, session)
		if len(subscribers) == 0 {
			delete(r.channels, channelID)
		}
	}
	r.mu.Unlock()

	session.unsubscribe(channelID)
}

// EvictToken closes every tracked session that was authenticated with
// the given token id. Used when a token is revoked mid-session.
func (r *Router) EvictToken(tokenID string) {
	if r == nil || tokenID == "" {
		return
	}
	r.mu.Lock()
	var evicted []*wsSession
	for session := range r.sessions {
		if session.tokenID == tokenID {
			evicted = append(evicted, session)
		}
	}
	r.mu.Unlock()

	for _, session := range evicted {
		log.Printf("closing session for user %s: token revoked", session.identity.ID)
		r.Drop(session)
		go session.close(closeUnauthorized)
	}
}

// Drop removes a session from every channel and from presence fanout.
func (r *Router) Drop(session *wsSession) {
	if r == nil || session == nil {
		return
	}
	r.mu.Lock()
	for channelID, subscribers := range r.channels {
		delete(subscribers, session)
		if len(subscribers) == 0 {
			delete(r.channels, channelID)
		}
	}
	delete(r.sessions, session)
	r.mu.Unlock()
}

// BroadcastMessage delivers a new message to every channel subscriber
// except the sender and returns the number of sessions reached.
func (r *Router) BroadcastMessage(channelID string, excludeUserID string, message domain.Message) int {
	return r.fanout(channelID, excludeUserID, messageFrame(message))
}

// BroadcastReaction delivers a reaction change to every channel
// subscriber except the reactor and returns the number of sessions
// reached.
func (r *Router) BroadcastReaction(channelID string, excludeUserID string, reaction domain.Reaction) int {
	return r.fanout(channelID, excludeUserID, reactionFrame(reaction))
}

// BroadcastPresence delivers a presence status change to every tracked
// session except the user it describes.
func (r *Router) BroadcastPresence(userID string, status string) {
	if r == nil {
		return
	}
	frame := presenceFrame(userID, status)

	r.mu.Lock()
	var overflowed []*wsSession
	for session := range r.sessions {
		if session.identity.ID == userID {
			continue
		}
		if !session.enqueue(frame) {
			overflowed = append(overflowed, session)
		}
	}
	r.mu.Unlock()

	r.closeOverflowed(overflowed)
}

// LiveUserIDs lists the distinct user ids currently subscribed to a
// channel.
func (r *Router) LiveUserIDs(channelID string) []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var userIDs []string
	for session := range r.channels[channelID] {
		if seen[session.identity.ID] {
			continue
		}
		seen[session.identity.ID] = true
		userIDs = append(userIDs, session.identity.ID)
	}
	return userIDs
}

// fanout enqueues one frame for every channel subscriber except the
// excluded user and returns how many sessions accepted it. Overflowed
// subscribers are closed without counting as delivered.
func (r *Router) fanout(channelID string, excludeUserID string, frame wsFrame) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	delivered := 0
	var overflowed []*wsSession
	for session := range r.channels[channelID] {
		if session.identity.ID == excludeUserID {
			continue
		}
		if session.enqueue(frame) {
			delivered++
		} else {
			overflowed = append(overflowed, session)
		}
	}
	r.mu.Unlock()

	r.closeOverflowed(overflowed)
	return delivered
}

// closeOverflowed closes sessions whose queue was full. Runs outside the
// router lock so the writer drain cannot deadlock fanout.
func (r *Router) closeOverflowed(sessions []*wsSession) {
	for _, session := range sessions {
		log.Printf("closing session for user %s: send queue overflow", session.identity.ID)
		r.Drop(session)
		go session.close(closeOverflow)
	}
}
