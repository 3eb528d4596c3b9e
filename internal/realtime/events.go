package realtime

import (
	"encoding/json"
	"log/slog"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/pkg/proto"
)

// EventKind 归一化后的领域事件类型（封闭集合）
type EventKind int

const (
	EventMessageNew EventKind = iota + 1
	EventMessageUpdated
	EventMessageDeleted
	EventConversationUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventMessageNew:
		return "message.new"
	case EventMessageUpdated:
		return "message.updated"
	case EventMessageDeleted:
		return "message.deleted"
	case EventConversationUpdated:
		return "conversation.updated"
	default:
		return "unknown"
	}
}

// Event 解复用后推给同步层的领域事件
// 消息事件保证 MessageId 与 ConversationId 非空；会话事件保证
// ConversationId 非空
type Event struct {
	Kind           EventKind
	ConversationId string
	MessageId      string
	Message        *model.Message // 仅 message.new / message.updated 携带
}

// demux 将服务端事件封装解开并归一化为领域事件
// 缺少关联字段的畸形载荷丢弃并记诊断日志，绝不部分转发
func demux(env *proto.EventEnvelope, logger *slog.Logger) (Event, bool) {
	data := env.UnwrapData()

	switch env.Event {
	case proto.EventMessageNew, proto.EventMessageUpdated:
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Dropping malformed message event", "event", env.Event, "error", err)
			return Event{}, false
		}
		if msg.Id == "" || msg.ConversationId == "" {
			logger.Warn("Dropping message event missing correlation fields",
				"event", env.Event, "message_id", msg.Id, "conversation_id", msg.ConversationId)
			return Event{}, false
		}
		kind := EventMessageNew
		if env.Event == proto.EventMessageUpdated {
			kind = EventMessageUpdated
		}
		return Event{
			Kind:           kind,
			ConversationId: msg.ConversationId,
			MessageId:      msg.Id,
			Message:        &msg,
		}, true

	case proto.EventMessageDeleted:
		var payload struct {
			Id             string `json:"id"`
			ConversationId string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			logger.Warn("Dropping malformed delete event", "error", err)
			return Event{}, false
		}
		if payload.Id == "" || payload.ConversationId == "" {
			logger.Warn("Dropping delete event missing correlation fields",
				"message_id", payload.Id, "conversation_id", payload.ConversationId)
			return Event{}, false
		}
		return Event{
			Kind:           EventMessageDeleted,
			ConversationId: payload.ConversationId,
			MessageId:      payload.Id,
		}, true

	case proto.EventConversationUpdated:
		var payload struct {
			Id string `json:"id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.Id == "" {
			logger.Warn("Dropping malformed conversation event", "error", err)
			return Event{}, false
		}
		return Event{
			Kind:           EventConversationUpdated,
			ConversationId: payload.Id,
		}, true

	default:
		logger.Warn("Unknown event type", "event", env.Event)
		return Event{}, false
	}
}
