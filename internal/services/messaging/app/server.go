package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/gradhall/gradhall/internal/platform/timeouts"
	"github.com/gradhall/gradhall/internal/services/messaging/auth"
	"github.com/gradhall/gradhall/internal/services/messaging/domain"
	"github.com/gradhall/gradhall/internal/services/messaging/presence"
	msqlite "github.com/gradhall/gradhall/internal/services/messaging/storage/sqlite"
	notifdomain "github.com/gradhall/gradhall/internal/services/notifications/domain"
	notifsqlite "github.com/gradhall/gradhall/internal/services/notifications/storage/sqlite"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxForbiddenJoins      = 3

	defaultPresenceTTL   = 60 * time.Second
	defaultSweepInterval = 15 * time.Second
)

// Config defines the inputs for the messaging transport boundary.
type Config struct {
	HTTPAddr            string
	DBPath              string
	NotificationsDBPath string
	JWTSecret           string
	PresenceTTL         time.Duration
	SweepInterval       time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
}

// Server hosts the messaging HTTP/WebSocket process.
//
// It owns the storage handles and the presence sweeper; chat rules live
// in the domain dispatcher and connection bookkeeping in the router.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *msqlite.Store
	notifStore      *notifsqlite.Store
	sweeper         *presence.Sweeper
}

// wsAuthorizer resolves connection credentials to identities and the
// token id the credential carries.
type wsAuthorizer interface {
	Verify(token string) (domain.Identity, string, error)
}

type handlerDeps struct {
	authorizer wsAuthorizer
	dispatcher *domain.Dispatcher
	router     *Router
	presence   *presence.Cache
	inbox      *notifdomain.Service
}

// offlineNotifier bridges the dispatcher's offline path to the
// notifications service.
type offlineNotifier struct {
	service *notifdomain.Service
}

func (n offlineNotifier) NotifyOffline(ctx context.Context, recipientUserID string, note domain.OfflineNote) error {
	if n.service == nil {
		return fmt.Errorf("notifications service is not configured")
	}
	_, err := n.service.Enqueue(ctx, notifdomain.EnqueueInput{
		RecipientUserID: recipientUserID,
		ChannelID:       note.ChannelID,
		MessageID:       note.MessageID,
		SenderUserID:    note.SenderUserID,
		SenderName:      note.SenderName,
		Preview:         note.Preview,
		SentAt:          note.SentAt,
	})
	return err
}

// NewServer builds a configured messaging server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.PresenceTTL <= 0 {
		config.PresenceTTL = defaultPresenceTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}

	gate, err := auth.NewGate(config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("init auth gate: %w", err)
	}
	store, err := msqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open messaging storage: %w", err)
	}
	notifStore, err := notifsqlite.Open(config.NotificationsDBPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open notifications storage: %w", err)
	}
	notifService, err := notifdomain.NewService(notifStore)
	if err != nil {
		store.Close()
		notifStore.Close()
		return nil, fmt.Errorf("init notifications service: %w", err)
	}

	presenceCache, err := presence.NewCache(config.PresenceTTL)
	if err != nil {
		store.Close()
		notifStore.Close()
		return nil, fmt.Errorf("init presence cache: %w", err)
	}

	router := NewRouter(func(ctx context.Context, userID string, channelID string) error {
		member, err := store.IsChannelMember(ctx, channelID, userID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !member {
			return domain.ErrForbidden
		}
		return nil
	})
	// Revoking a token evicts the connections it authenticated.
	gate.OnRevoke(router.EvictToken)

	dispatcher, err := domain.NewDispatcher(store, store, store, router, offlineNotifier{service: notifService})
	if err != nil {
		store.Close()
		notifStore.Close()
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}

	sweeper, err := presence.NewSweeper(presenceCache, config.SweepInterval, func(userIDs []string) {
		for _, userID := range userIDs {
			router.BroadcastPresence(userID, string(presence.StatusOffline))
		}
	})
	if err != nil {
		store.Close()
		notifStore.Close()
		return nil, fmt.Errorf("init presence sweeper: %w", err)
	}
	sweeper.Start(context.Background())

	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			authorizer: gate,
			dispatcher: dispatcher,
			router:     router,
			presence:   presenceCache,
			inbox:      notifService,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		notifStore:      notifStore,
		sweeper:         sweeper,
	}, nil
}

// Run creates and serves a messaging server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init messaging server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve messaging: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("messaging server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("messaging server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close messaging storage: %v", err)
		}
	}
	if s.notifStore != nil {
		if err := s.notifStore.Close(); err != nil {
			log.Printf("close notifications storage: %v", err)
		}
	}
}

func newHandler(deps handlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, deps)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// tokenFromRequest extracts the bearer credential from the upgrade
// request. Browsers cannot set headers on WebSocket dials, so a query
// parameter is accepted as well.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return header
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func handleWSConn(conn *websocket.Conn, deps handlerDeps) {
	identity, tokenID, err := authenticateConn(conn, deps.authorizer)
	if err != nil {
		// The client learns only the close code; the reason stays in logs.
		log.Printf("websocket unauthorized for remote=%s: %v", conn.Request().RemoteAddr, err)
		_ = conn.WriteClose(closeUnauthorized)
		_ = conn.Close()
		return
	}

	session := newWSSession(conn, identity, tokenID)
	session.startWriter()
	deps.router.Track(session)
	if deps.presence.Heartbeat(identity.ID, presence.StatusOnline) {
		deps.router.BroadcastPresence(identity.ID, string(presence.StatusOnline))
	}
	defer func() {
		deps.router.Drop(session)
		session.close(closeNormal)
	}()

	ctx := conn.Request().Context()
	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0
	forbiddenJoins := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if session.currentState() >= stateClosing {
				return
			}
			decodeErrors++
			session.enqueue(errorFrame("", codeInvalidArgument, "invalid frame payload", false))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "payload too large", false))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			session.enqueue(errorFrame(frame.RequestID, codeExhausted, "rate limit exceeded", true))
			return
		}

		switch frame.Type {
		case frameChannelJoin:
			if forbidden := handleJoinFrame(ctx, session, deps.router, frame); forbidden {
				forbiddenJoins++
				if forbiddenJoins >= maxForbiddenJoins && session.subscriptionCount() == 0 {
					log.Printf("closing session for user %s: repeated forbidden joins", identity.ID)
					session.close(closeForbidden)
					return
				}
			}
		case frameMessageSend:
			handleSendFrame(ctx, session, deps.dispatcher, frame)
		case frameMessageReact:
			handleReactFrame(ctx, session, deps.dispatcher, frame)
		case framePresenceHeartbeat:
			handleHeartbeatFrame(session, deps, frame)
		case frameHistoryBefore:
			handleHistoryBeforeFrame(ctx, session, deps.dispatcher, frame)
		case frameNotificationList:
			handleNotificationListFrame(ctx, session, deps.inbox, frame)
		case frameNotificationRead:
			handleNotificationReadFrame(ctx, session, deps.inbox, frame)
		default:
			session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "unsupported frame type", false))
		}
	}
}

func authenticateConn(conn *websocket.Conn, authorizer wsAuthorizer) (domain.Identity, string, error) {
	if authorizer == nil {
		return domain.Identity{}, "", errors.New("websocket auth is not configured")
	}
	request := conn.Request()
	if request == nil {
		return domain.Identity{}, "", errors.New("missing upgrade request")
	}
	return authorizer.Verify(tokenFromRequest(request))
}

// handleJoinFrame reports whether the join was denied for membership.
func handleJoinFrame(ctx context.Context, session *wsSession, router *Router, frame wsFrame) bool {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid join payload", false))
		return false
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	if channelID == "" {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "channel_id is required", false))
		return false
	}

	if err := router.Register(ctx, session, channelID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			session.enqueue(errorFrame(frame.RequestID, codeForbidden, "channel membership required", false))
			return true
		}
		log.Printf("channel join failed for user %s channel %s: %v", session.identity.ID, channelID, err)
		session.enqueue(errorFrame(frame.RequestID, codeUnavailable, "channel membership verification unavailable", true))
		return false
	}

	session.enqueue(wsFrame{
		Type:      frameChannelJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			ChannelID:  channelID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
	return false
}

func handleSendFrame(ctx context.Context, session *wsSession, dispatcher *domain.Dispatcher, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid send payload", false))
		return
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	if channelID == "" {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "channel_id is required", false))
		return
	}
	if !session.subscribed(channelID) {
		session.enqueue(errorFrame(frame.RequestID, codeForbidden, "must join channel before sending", false))
		return
	}

	message, err := dispatcher.Submit(ctx, session.identity, domain.SubmitInput{
		ChannelID:     channelID,
		Body:          payload.Body,
		AttachmentIDs: payload.AttachmentIDs,
	})
	if err != nil {
		enqueueDomainError(session, frame.RequestID, err)
		return
	}

	session.enqueue(wsFrame{
		Type:      frameMessageAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", MessageID: message.ID},
		}),
	})
}

func handleReactFrame(ctx context.Context, session *wsSession, dispatcher *domain.Dispatcher, frame wsFrame) {
	var payload reactPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid react payload", false))
		return
	}

	reaction, err := dispatcher.React(ctx, session.identity, domain.ReactInput{
		MessageID: payload.MessageID,
		Kind:      payload.Kind,
	})
	if err != nil {
		enqueueDomainError(session, frame.RequestID, err)
		return
	}

	session.enqueue(wsFrame{
		Type:      frameMessageAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", MessageID: reaction.MessageID},
		}),
	})
}

func handleHeartbeatFrame(session *wsSession, deps handlerDeps, frame wsFrame) {
	status := presence.StatusOnline
	if len(frame.Payload) > 0 {
		var payload heartbeatPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid heartbeat payload", false))
			return
		}
		if payload.Status != "" {
			status = presence.Status(payload.Status)
		}
	}
	if !presence.ValidHeartbeatStatus(status) {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "status must be online or away", false))
		return
	}

	if deps.presence.Heartbeat(session.identity.ID, status) {
		deps.router.BroadcastPresence(session.identity.ID, string(status))
	}
}

func handleHistoryBeforeFrame(ctx context.Context, session *wsSession, dispatcher *domain.Dispatcher, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid history payload", false))
		return
	}
	channelID := strings.TrimSpace(payload.ChannelID)
	if channelID == "" {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "channel_id is required", false))
		return
	}
	if !session.subscribed(channelID) {
		session.enqueue(errorFrame(frame.RequestID, codeForbidden, "must join channel before requesting history", false))
		return
	}

	var before time.Time
	if strings.TrimSpace(payload.Before) != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Before)
		if err != nil {
			session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "before must be RFC3339", false))
			return
		}
		before = parsed
	}

	messages, err := dispatcher.History(ctx, session.identity, channelID, before, payload.Limit)
	if err != nil {
		enqueueDomainError(session, frame.RequestID, err)
		return
	}

	for _, message := range messages {
		session.enqueue(messageFrame(message))
	}
	session.enqueue(wsFrame{
		Type:      frameMessageAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok", Count: len(messages)},
		}),
	})
}

func handleNotificationListFrame(ctx context.Context, session *wsSession, inbox *notifdomain.Service, frame wsFrame) {
	var payload notificationListPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid notification list payload", false))
			return
		}
	}

	notifications, err := inbox.ListInbox(ctx, session.identity.ID, payload.UnreadOnly, payload.Limit)
	if err != nil {
		enqueueInboxError(session, frame.RequestID, err)
		return
	}
	unread, err := inbox.CountUnread(ctx, session.identity.ID)
	if err != nil {
		enqueueInboxError(session, frame.RequestID, err)
		return
	}

	session.enqueue(inboxFrame(frame.RequestID, notifications, unread))
}

func handleNotificationReadFrame(ctx context.Context, session *wsSession, inbox *notifdomain.Service, frame wsFrame) {
	var payload notificationReadPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "invalid notification read payload", false))
		return
	}
	notificationID := strings.TrimSpace(payload.NotificationID)
	if notificationID == "" {
		session.enqueue(errorFrame(frame.RequestID, codeInvalidArgument, "notification_id is required", false))
		return
	}

	if _, err := inbox.MarkRead(ctx, session.identity.ID, notificationID); err != nil {
		enqueueInboxError(session, frame.RequestID, err)
		return
	}

	session.enqueue(wsFrame{
		Type:      frameMessageAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{Status: "ok"},
		}),
	})
}

func enqueueInboxError(session *wsSession, requestID string, err error) {
	switch {
	case errors.Is(err, notifdomain.ErrNotFound):
		session.enqueue(errorFrame(requestID, codeNotFound, "notification not found", false))
	case errors.Is(err, notifdomain.ErrInvalidInput):
		session.enqueue(errorFrame(requestID, codeInvalidArgument, err.Error(), false))
	default:
		log.Printf("inbox request failed for user %s: %v", session.identity.ID, err)
		session.enqueue(errorFrame(requestID, codeUnavailable, "inbox unavailable", true))
	}
}

func enqueueDomainError(session *wsSession, requestID string, err error) {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		session.enqueue(errorFrame(requestID, codeForbidden, "channel membership required", false))
	case errors.Is(err, domain.ErrInvalidInput):
		session.enqueue(errorFrame(requestID, codeInvalidArgument, err.Error(), false))
	case errors.Is(err, domain.ErrNotFound):
		session.enqueue(errorFrame(requestID, codeNotFound, err.Error(), false))
	case errors.Is(err, domain.ErrPersistence):
		session.enqueue(errorFrame(requestID, codeUnavailable, "message could not be persisted", true))
	default:
		log.Printf("websocket request failed for user %s: %v", session.identity.ID, err)
		session.enqueue(errorFrame(requestID, codeUnavailable, "request failed", true))
	}
}
