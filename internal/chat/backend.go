package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/api"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
)

// SendRequest 消息发送请求
type SendRequest struct {
	ConversationId string   `json:"conversationId"`
	ReceiverId     string   `json:"receiverId"`
	ClientMsgId    string   `json:"clientMsgId"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
}

// Backend 聊天后端接口，同步层通过它访问 REST 资源
// 抽成接口是为了让状态合并逻辑可以脱离真实网络独立测试
type Backend interface {
	ListConversations(ctx context.Context, search string) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationId string) ([]model.Message, error)
	SendMessage(ctx context.Context, req *SendRequest) (*model.Message, error)
	MarkRead(ctx context.Context, conversationId string) error
}

// restBackend 基于认证请求客户端的 Backend 实现
type restBackend struct {
	api *api.Client
}

// NewRESTBackend 创建 REST 聊天后端
func NewRESTBackend(apiClient *api.Client) Backend {
	return &restBackend{api: apiClient}
}

func (b *restBackend) ListConversations(ctx context.Context, search string) ([]model.Conversation, error) {
	endpoint := "/chats"
	if search != "" {
		endpoint += "?search=" + url.QueryEscape(search)
	}
	data, err := b.api.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	var conversations []model.Conversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

func (b *restBackend) ListMessages(ctx context.Context, conversationId string) ([]model.Message, error) {
	data, err := b.api.Get(ctx, "/chats/"+conversationId+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

func (b *restBackend) SendMessage(ctx context.Context, req *SendRequest) (*model.Message, error) {
	data, err := b.api.Post(ctx, "/chats/message", req, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	return &msg, nil
}

func (b *restBackend) MarkRead(ctx context.Context, conversationId string) error {
	if _, err := b.api.Put(ctx, "/chats/"+conversationId+"/read", nil, nil); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}
