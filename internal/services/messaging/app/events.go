package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gradhall/gradhall/internal/services/messaging/domain"
	notifdomain "github.com/gradhall/gradhall/internal/services/notifications/domain"
)

// Inbound frame types.
const (
	frameChannelJoin       = "channel.join"
	frameMessageSend       = "message.send"
	frameMessageReact      = "message.react"
	framePresenceHeartbeat = "presence.heartbeat"
	frameHistoryBefore     = "channel.history.before"
	frameNotificationList  = "notification.list"
	frameNotificationRead  = "notification.read"
)

// Outbound frame types.
const (
	frameChannelJoined     = "channel.joined"
	frameMessageNew        = "message.new"
	frameMessageAck        = "message.ack"
	frameMessageReacted    = "message.reacted"
	framePresenceUpdate    = "presence.update"
	frameNotificationInbox = "notification.inbox"
	frameError             = "error"
)

// Error codes carried by error frames.
const (
	codeUnauthorized    = "UNAUTHORIZED"
	codeForbidden       = "FORBIDDEN"
	codeInvalidArgument = "INVALID_ARGUMENT"
	codeNotFound        = "NOT_FOUND"
	codeExhausted       = "RESOURCE_EXHAUSTED"
	codeUnavailable     = "UNAVAILABLE"
)

// Close codes sent when the server ends a connection.
const (
	closeNormal       = 1000
	closeUnauthorized = 4001
	closeForbidden    = 4003
	closeOverflow     = 4008
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type joinPayload struct {
	ChannelID string `json:"channel_id"`
}

type joinedPayload struct {
	ChannelID  string `json:"channel_id"`
	ServerTime string `json:"server_time"`
}

type sendPayload struct {
	ChannelID     string   `json:"channel_id"`
	Body          string   `json:"body"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type reactPayload struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
}

type historyBeforePayload struct {
	ChannelID string `json:"channel_id"`
	Before    string `json:"before,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type messageEnvelope struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	MessageID     string   `json:"message_id"`
	ChannelID     string   `json:"channel_id"`
	SenderUserID  string   `json:"sender_user_id"`
	Body          string   `json:"body"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	SentAt        string   `json:"sent_at"`
}

type reactionEnvelope struct {
	Reaction wireReaction `json:"reaction"`
}

type wireReaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	UpdatedAt string `json:"updated_at"`
}

type heartbeatPayload struct {
	Status string `json:"status"`
}

type notificationListPayload struct {
	UnreadOnly bool `json:"unread_only,omitempty"`
	Limit      int  `json:"limit,omitempty"`
}

type notificationReadPayload struct {
	NotificationID string `json:"notification_id"`
}

type inboxEnvelope struct {
	Notifications []wireNotification `json:"notifications"`
	UnreadCount   int                `json:"unread_count"`
}

type wireNotification struct {
	NotificationID string `json:"notification_id"`
	ChannelID      string `json:"channel_id"`
	MessageID      string `json:"message_id"`
	SenderUserID   string `json:"sender_user_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Preview        string `json:"preview,omitempty"`
	SentAt         string `json:"sent_at"`
	ReadAt         string `json:"read_at,omitempty"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func messageFrame(message domain.Message) wsFrame {
	return wsFrame{
		Type: frameMessageNew,
		Payload: mustJSON(messageEnvelope{
			Message: wireMessage{
				MessageID:     message.ID,
				ChannelID:     message.ChannelID,
				SenderUserID:  message.SenderUserID,
				Body:          message.Body,
				AttachmentIDs: message.AttachmentIDs,
				SentAt:        message.SentAt.Format(time.RFC3339),
			},
		}),
	}
}

func reactionFrame(reaction domain.Reaction) wsFrame {
	return wsFrame{
		Type: frameMessageReacted,
		Payload: mustJSON(reactionEnvelope{
			Reaction: wireReaction{
				MessageID: reaction.MessageID,
				UserID:    reaction.UserID,
				Kind:      reaction.Kind,
				UpdatedAt: reaction.UpdatedAt.Format(time.RFC3339),
			},
		}),
	}
}

func inboxFrame(requestID string, notifications []notifdomain.Notification, unreadCount int) wsFrame {
	wire := make([]wireNotification, 0, len(notifications))
	for _, notification := range notifications {
		item := wireNotification{
			NotificationID: notification.ID,
			ChannelID:      notification.ChannelID,
			MessageID:      notification.MessageID,
			SenderUserID:   notification.SenderUserID,
			SenderName:     notification.SenderName,
			Preview:        notification.Preview,
			SentAt:         notification.SentAt.Format(time.RFC3339),
		}
		if notification.ReadAt != nil {
			item.ReadAt = notification.ReadAt.Format(time.RFC3339)
		}
		wire = append(wire, item)
	}
	return wsFrame{
		Type:      frameNotificationInbox,
		RequestID: requestID,
		Payload: mustJSON(inboxEnvelope{
			Notifications: wire,
			UnreadCount:   unreadCount,
		}),
	}
}

func presenceFrame(userID string, status string) wsFrame {
	return wsFrame{
		Type:    framePresenceUpdate,
		Payload: mustJSON(presencePayload{UserID: userID, Status: status}),
	}
}

func errorFrame(requestID string, code string, message string, retryable bool) wsFrame {
	return wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
