package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/model"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/realtime"
)

// ErrConversationNotFound 本地状态中不存在目标会话
var ErrConversationNotFound = errors.New("chat: conversation not found")

// Store 会话/消息同步存储
// 内存态的响应式容器：REST 拉取与实时推送在同一套一致性策略下合并。
// 所有会话与消息映射只能通过本类型的操作变更，外部只读快照；
// 乐观本地发送与推送回显都走同一条按标识幂等的插入路径
type Store struct {
	backend Backend
	selfId  string
	logger  *slog.Logger

	mu            sync.Mutex
	conversations []*model.Conversation
	messages      map[string][]model.Message
	activeConv    string
	loading       bool
	lastErr       error

	changes chan struct{}
}

// New 创建同步存储，selfId 为本地登录用户
func New(backend Backend, selfId string, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		selfId:   selfId,
		logger:   logger,
		messages: make(map[string][]model.Message),
		changes:  make(chan struct{}, 1),
	}
}

// Changes 变更通知通道（合并触发），UI 层借此观察状态
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// notify 发出变更通知，通道已满时合并
func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Run 消费实时会话的事件通道直到 ctx 结束
func (s *Store) Run(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.apply(ctx, evt)
		}
	}
}

// apply 将一条领域事件落到本地状态
func (s *Store) apply(ctx context.Context, evt realtime.Event) {
	switch evt.Kind {
	case realtime.EventMessageNew:
		s.AddMessage(ctx, *evt.Message)
	case realtime.EventMessageUpdated:
		s.UpdateMessage(evt.ConversationId, *evt.Message)
	case realtime.EventMessageDeleted:
		s.DeleteMessage(evt.ConversationId, evt.MessageId)
	case realtime.EventConversationUpdated:
		if err := s.FetchConversations(ctx, ""); err != nil {
			s.logger.Warn("Failed to refresh conversations after push", "error", err)
		}
	}
}

// SetActive 设置当前打开的会话；活跃会话的未读数不再增长
func (s *Store) SetActive(conversationId string) {
	s.mu.Lock()
	s.activeConv = conversationId
	s.mu.Unlock()
}

// FetchConversations 全量替换会话列表
// 失败时保留旧列表并记录错误；拉取期间置 loading 标志
func (s *Store) FetchConversations(ctx context.Context, search string) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	list, err := s.backend.ListConversations(ctx, search)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.notify()
		return err
	}
	s.lastErr = nil
	s.conversations = make([]*model.Conversation, len(list))
	for i := range list {
		c := list[i]
		s.conversations[i] = &c
	}
	s.sortLocked()
	s.mu.Unlock()
	s.notify()
	return nil
}

// FetchMessages 替换指定会话的消息序列
// 服务端按最新在前返回分页，这里反转成最旧在前，后续推送在尾部追加
func (s *Store) FetchMessages(ctx context.Context, conversationId string) error {
	page, err := s.backend.ListMessages(ctx, conversationId)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	seq := make([]model.Message, len(page))
	for i := range page {
		seq[len(page)-1-i] = page[i]
	}

	s.mu.Lock()
	s.messages[conversationId] = seq
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddMessage 按标识幂等插入消息
// 同一消息经乐观发送确认、推送回显或重复推送到达多次时只生效一次。
// 目标会话本地不存在时触发一次全量会话重拉（视为发现了新会话），
// 绝不用部分载荷拼造会话记录
func (s *Store) AddMessage(ctx context.Context, msg model.Message) {
	if s.insert(&msg) {
		return
	}

	s.logger.Info("Message references unknown conversation, refetching list",
		"conversation_id", msg.ConversationId)
	if err := s.FetchConversations(ctx, ""); err != nil {
		s.logger.Warn("Conversation refetch failed", "error", err)
		return
	}
	if !s.insert(&msg) {
		s.logger.Warn("Conversation still unknown after refetch, dropping message",
			"conversation_id", msg.ConversationId, "message_id", msg.Id)
	}
}

// insert 幂等插入；返回 false 表示目标会话不在本地
func (s *Store) insert(msg *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(msg.ConversationId)
	if conv == nil {
		return false
	}

	for i := range s.messages[msg.ConversationId] {
		if s.messages[msg.ConversationId][i].Id == msg.Id {
			// 重复到达，no-op
			return true
		}
	}

	s.messages[msg.ConversationId] = append(s.messages[msg.ConversationId], *msg)

	conv.LastMessage = msg
	if msg.CreatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	} else {
		conv.UpdatedAt = msg.CreatedAt
	}
	// 未读数只为非本人发送、且不在当前打开会话中的消息递增
	if msg.SenderId != s.selfId && msg.ConversationId != s.activeConv {
		conv.UnreadCount++
	}

	s.sortLocked()
	s.notify()
	return true
}

// UpdateMessage 按标识在目标会话内原地更新，不做跨会话查找
func (s *Store) UpdateMessage(conversationId string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[conversationId]
	for i := range seq {
		if seq[i].Id == msg.Id {
			seq[i] = msg
			if conv := s.findLocked(conversationId); conv != nil &&
				conv.LastMessage != nil && conv.LastMessage.Id == msg.Id {
				m := msg
				conv.LastMessage = &m
			}
			s.notify()
			return
		}
	}
	s.logger.Debug("Update for unknown message ignored",
		"conversation_id", conversationId, "message_id", msg.Id)
}

// DeleteMessage 按标识从目标会话序列中移除
func (s *Store) DeleteMessage(conversationId, messageId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[conversationId]
	for i := range seq {
		if seq[i].Id == messageId {
			s.messages[conversationId] = append(seq[:i], seq[i+1:]...)
			s.notify()
			return
		}
	}
}

// SendMessage 发送消息
// 从本地会话状态解析接收方；服务端确认的消息走与推送完全相同的
// 幂等插入路径，保证两条路径不会产生分歧状态
func (s *Store) SendMessage(ctx context.Context, conversationId, content string, attachments []string) (*model.Message, error) {
	s.mu.Lock()
	conv := s.findLocked(conversationId)
	if conv == nil {
		s.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	peer := conv.Peer(s.selfId)
	s.mu.Unlock()

	if peer == nil {
		return nil, fmt.Errorf("no peer participant in conversation %s", conversationId)
	}

	msg, err := s.backend.SendMessage(ctx, &SendRequest{
		ConversationId: conversationId,
		ReceiverId:     peer.Id,
		ClientMsgId:    uuid.NewString(),
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, err
	}

	s.AddMessage(ctx, *msg)
	return msg, nil
}

// MarkAsRead 已读确认
// 本地未读数乐观清零；服务端确认失败只记日志，不自动重试也不回滚，
// 留待下一次同步自愈
func (s *Store) MarkAsRead(ctx context.Context, conversationId string) {
	s.mu.Lock()
	if conv := s.findLocked(conversationId); conv != nil {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()

	if err := s.backend.MarkRead(ctx, conversationId); err != nil {
		s.logger.Warn("Read acknowledgment failed", "conversation_id", conversationId, "error", err)
	}
}

// Conversations 返回会话列表快照（按最后更新时间倒序）
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = *c
	}
	return out
}

// Messages 返回指定会话的消息序列快照（最旧在前）
func (s *Store) Messages(conversationId string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[conversationId]
	out := make([]model.Message, len(seq))
	copy(out, seq)
	return out
}

// Loading 会话列表是否正在拉取
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err 最近一次失败操作的错误
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// findLocked 按标识查找会话，须持有 s.mu
func (s *Store) findLocked(conversationId string) *model.Conversation {
	for _, c := range s.conversations {
		if c.Id == conversationId {
			return c
		}
	}
	return nil
}

// sortLocked 按最后更新时间倒序排序，须持有 s.mu
func (s *Store) sortLocked() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].UpdatedAt.After(s.conversations[j].UpdatedAt)
	})
}
