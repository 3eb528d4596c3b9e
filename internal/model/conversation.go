package model

import "time"

// ConversationStatus 会话状态
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	ConversationStatusBlocked  ConversationStatus = "blocked"
)

// Conversation 会话信息
type Conversation struct {
	Id           string             `json:"id"`
	Participants []User             `json:"participants"` // 有序参与者列表
	LastMessage  *Message           `json:"lastMessage,omitempty"`
	UnreadCount  int                `json:"unreadCount"` // 未读数
	Status       ConversationStatus `json:"status"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Peer 返回除 selfId 之外的第一个参与者
func (c *Conversation) Peer(selfId string) *User {
	for i := range c.Participants {
		if c.Participants[i].Id != selfId {
			return &c.Participants[i]
		}
	}
	return nil
}
