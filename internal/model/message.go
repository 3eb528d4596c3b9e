package model

import "time"

// MessageType 消息类型
type MessageType int

const (
	MessageTypeText  MessageType = 1 // 文本
	MessageTypeImage MessageType = 2 // 图片
	MessageTypeVideo MessageType = 3 // 视频
	MessageTypeFile  MessageType = 4 // 文件
)

// Message 消息实体（客户端视图）
type Message struct {
	Id             string      `json:"id"`
	ConversationId string      `json:"conversationId"`
	ClientMsgId    string      `json:"clientMsgId,omitempty"`
	SenderId       string      `json:"senderId"`
	ReceiverId     string      `json:"receiverId,omitempty"`
	MsgType        MessageType `json:"msgType"`
	Content        string      `json:"content"`
	Attachments    []string    `json:"attachments,omitempty"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Deleted 消息是否已被软删除
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}
