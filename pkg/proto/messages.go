package proto

import "encoding/json"

// ============== 帧协议 ==============

const (
	// FrameHeaderSize 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	// 上行帧类型
	FrameTypeAuth    byte = 1 // 认证请求（AuthRequest）
	FrameTypeRequest byte = 2 // 普通请求（ClientRequest）

	// 下行帧类型
	FrameTypeAuthAck  byte = 3 // 认证响应
	FrameTypeResponse byte = 4 // 普通响应（ClientResponse）
	FrameTypeEvent    byte = 5 // 服务端推送事件（EventEnvelope）
)

// ============== 上行消息 (Client -> Server) ==============

// AuthRequest 认证请求，必须是会话的首帧
type AuthRequest struct {
	Token      string `json:"token"`
	DeviceId   string `json:"deviceId"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion,omitempty"`
}

// 客户端命令
const (
	CmdJoinScope   = "scope.join"
	CmdLeaveScope  = "scope.leave"
	CmdSendMessage = "message.send"
	CmdHeartbeat   = "heartbeat"
)

// ClientRequest 客户端请求
type ClientRequest struct {
	ReqId   string          `json:"reqId"`
	Cmd     string          `json:"cmd"`
	ScopeId string          `json:"scopeId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============== 下行消息 (Server -> Client) ==============

// 响应码
const (
	CodeSuccess    = 0
	CodeAuthFailed = 4001
)

// AuthAck 认证响应
type AuthAck struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// ClientResponse 请求响应，ReqId 与请求关联
type ClientResponse struct {
	ReqId string          `json:"reqId"`
	Code  int             `json:"code"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// 服务端事件名
const (
	EventMessageNew          = "message.new"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventConversationUpdated = "conversation.updated"
)

// EventEnvelope 服务端推送事件封装
// Data 可能是裸载荷，也可能再包一层 {success, data}
type EventEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wrappedData {success, data} 包装层
type wrappedData struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// UnwrapData 返回事件的裸载荷：如果 Data 带 {success, data} 包装层则剥掉，
// 否则原样返回
func (e *EventEnvelope) UnwrapData() json.RawMessage {
	var w wrappedData
	if err := json.Unmarshal(e.Data, &w); err == nil && w.Success != nil && len(w.Data) > 0 {
		return w.Data
	}
	return e.Data
}
