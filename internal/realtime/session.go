package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/internal/config"
	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/pkg/proto"
)

// ErrNotConnected 会话未就绪时的发送错误，通过回调上报而不是 panic
var ErrNotConnected = errors.New("realtime: not connected")

// State 会话状态机
// Disconnected -> Connecting -> Connected -> (Disconnected | Reconnecting -> Connected)
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// liveConn 一条活跃连接及其请求流
type liveConn struct {
	conn     transportConn
	stream   io.ReadWriteCloser
	writeMu  sync.Mutex
	dead     chan struct{}
	deadOnce sync.Once
}

func (l *liveConn) markDead() {
	l.deadOnce.Do(func() { close(l.dead) })
}

// writeJSON 序列化并写出一帧，帧写入串行化
func (l *liveConn) writeJSON(frameType byte, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame body: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeFrame(l.stream, frameType, body)
}

// Session 实时会话管理器
// 每个已认证身份最多持有一条传输会话；凭证由认证层所有，这里只读取。
// 断线重连次数有上界，指数退避；重连预算耗尽后会话被置空，
// 不会留下半死状态
type Session struct {
	cfg      config.RealtimeConfig
	deviceID string
	platform string
	logger   *slog.Logger

	state  atomic.Int32
	events chan Event

	mu      sync.Mutex
	token   string
	live    *liveConn
	scopes  map[string]struct{}
	pending map[string]func(error)
	cancel  context.CancelFunc
}

// New 创建会话管理器
func New(cfg config.RealtimeConfig, deviceID, platform string, logger *slog.Logger) *Session {
	return &Session{
		cfg:      cfg,
		deviceID: deviceID,
		platform: platform,
		logger:   logger,
		events:   make(chan Event, 256),
		scopes:   make(map[string]struct{}),
		pending:  make(map[string]func(error)),
	}
}

// State 返回当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("Session state changed", "from", old.String(), "to", st.String())
	}
}

// Events 归一化领域事件通道，由同步层消费
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect 建立实时会话
// 凭证为空是 no-op（记日志，不报错）；已有会话时忽略重复调用
func (s *Session) Connect(ctx context.Context, token string) error {
	if token == "" {
		s.logger.Warn("Connect called without credential, ignoring")
		return nil
	}
	if s.State() != StateDisconnected {
		s.logger.Warn("Connect called while session active", "state", s.State().String())
		return nil
	}
	s.setState(StateConnecting)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.token = token
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.establish(ctx, runCtx); err != nil {
		cancel()
		s.setState(StateDisconnected)
		return err
	}

	go s.supervise(runCtx)
	return nil
}

// establish 拨号 + 首帧认证握手，成功后启动读循环与心跳
func (s *Session) establish(dialParent, runCtx context.Context) error {
	dialCtx, cancel := context.WithTimeout(dialParent, s.cfg.DialTimeout)
	defer cancel()

	conn, err := dial(dialCtx, s.cfg.Addr, s.cfg.Insecure, s.logger)
	if err != nil {
		return err
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.Close("open stream failed")
		return fmt.Errorf("failed to open request stream: %w", err)
	}

	l := &liveConn{conn: conn, stream: stream, dead: make(chan struct{})}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	// 首帧必须是认证请求
	if err := l.writeJSON(proto.FrameTypeAuth, &proto.AuthRequest{
		Token:    token,
		DeviceId: s.deviceID,
		Platform: s.platform,
	}); err != nil {
		conn.Close("auth write failed")
		return err
	}

	frameType, body, err := readFrame(stream)
	if err != nil {
		conn.Close("auth read failed")
		return fmt.Errorf("failed to read auth ack: %w", err)
	}
	if frameType != proto.FrameTypeAuthAck {
		conn.Close("protocol error")
		return fmt.Errorf("expected auth ack, got frame type %d", frameType)
	}
	var ack proto.AuthAck
	if err := json.Unmarshal(body, &ack); err != nil {
		conn.Close("protocol error")
		return fmt.Errorf("failed to decode auth ack: %w", err)
	}
	if ack.Code != proto.CodeSuccess {
		conn.Close("auth rejected")
		return fmt.Errorf("session auth failed: [%d] %s", ack.Code, ack.Msg)
	}

	s.mu.Lock()
	s.live = l
	s.mu.Unlock()
	s.setState(StateConnected)
	s.logger.Info("Realtime session established", "addr", s.cfg.Addr)

	go s.readLoop(l)
	go s.acceptLoop(runCtx, l)
	go s.heartbeatLoop(runCtx, l)
	s.rejoinScopes(l)

	return nil
}

// supervise 监视连接存活，断开后执行有界重连
func (s *Session) supervise(runCtx context.Context) {
	for {
		s.mu.Lock()
		l := s.live
		s.mu.Unlock()
		if l == nil {
			return
		}

		select {
		case <-runCtx.Done():
			return
		case <-l.dead:
		}

		l.conn.Close("connection lost")
		s.failPending(ErrNotConnected)

		if runCtx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		s.logger.Warn("Realtime connection lost, reconnecting")

		if !s.reconnect(runCtx) {
			s.mu.Lock()
			s.live = nil
			s.mu.Unlock()
			s.setState(StateDisconnected)
			s.logger.Error("Reconnect budget exhausted, session offline",
				"max_retries", s.cfg.MaxRetries)
			return
		}
	}
}

// reconnect 有界重连：固定尝试预算，退避逐次加倍并封顶
func (s *Session) reconnect(runCtx context.Context) bool {
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		select {
		case <-runCtx.Done():
			return false
		case <-time.After(backoff):
		}

		s.logger.Info("Reconnect attempt", "attempt", attempt, "max", s.cfg.MaxRetries)
		if err := s.establish(runCtx, runCtx); err != nil {
			s.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}
		return true
	}
	return false
}

// Disconnect 主动断开并置空会话
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	l := s.live
	s.cancel = nil
	s.live = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		l.markDead()
		l.conn.Close("client disconnect")
	}
	s.failPending(ErrNotConnected)
	s.setState(StateDisconnected)
	s.logger.Info("Realtime session disconnected")
}

// JoinScope 订阅一个会话范围；连接建立后重连会自动重新订阅
func (s *Session) JoinScope(id string) {
	s.mu.Lock()
	s.scopes[id] = struct{}{}
	l := s.live
	s.mu.Unlock()

	if l != nil && s.State() == StateConnected {
		s.sendRequest(l, proto.CmdJoinScope, id, nil, nil)
	}
}

// LeaveScope 退订一个会话范围
func (s *Session) LeaveScope(id string) {
	s.mu.Lock()
	delete(s.scopes, id)
	l := s.live
	s.mu.Unlock()

	if l != nil && s.State() == StateConnected {
		s.sendRequest(l, proto.CmdLeaveScope, id, nil, nil)
	}
}

// Send 向指定范围发送载荷
// 未连接时是 no-op，通过回调上报失败，UI 不应因瞬时断开而崩溃
func (s *Session) Send(scopeId string, payload any, cb func(error)) {
	s.mu.Lock()
	l := s.live
	s.mu.Unlock()

	if l == nil || s.State() != StateConnected {
		s.logger.Warn("Send while not connected, dropping", "scope_id", scopeId)
		if cb != nil {
			cb(ErrNotConnected)
		}
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		if cb != nil {
			cb(fmt.Errorf("failed to encode payload: %w", err))
		}
		return
	}
	s.sendRequest(l, proto.CmdSendMessage, scopeId, raw, cb)
}

// sendRequest 发送客户端请求帧，可选地登记响应回调
func (s *Session) sendRequest(l *liveConn, cmd, scopeId string, payload json.RawMessage, cb func(error)) {
	reqId := uuid.NewString()
	if cb != nil {
		s.mu.Lock()
		s.pending[reqId] = cb
		s.mu.Unlock()
	}

	err := l.writeJSON(proto.FrameTypeRequest, &proto.ClientRequest{
		ReqId:   reqId,
		Cmd:     cmd,
		ScopeId: scopeId,
		Payload: payload,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, reqId)
		s.mu.Unlock()
		l.markDead()
		if cb != nil {
			cb(err)
		}
	}
}

// rejoinScopes 重连后恢复已订阅的范围
func (s *Session) rejoinScopes(l *liveConn) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.sendRequest(l, proto.CmdJoinScope, id, nil, nil)
	}
}

// readLoop 读取请求流上的响应帧
func (s *Session) readLoop(l *liveConn) {
	for {
		frameType, body, err := readFrame(l.stream)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("Request stream closed", "error", err)
			}
			l.markDead()
			return
		}
		s.handleFrame(frameType, body)
	}
}

// acceptLoop 接收服务端主动开启的推送流
func (s *Session) acceptLoop(ctx context.Context, l *liveConn) {
	for {
		stream, err := l.conn.AcceptStream(ctx)
		if err != nil {
			l.markDead()
			return
		}
		go s.readPushStream(stream)
	}
}

// readPushStream 读完一条推送流上的全部帧
func (s *Session) readPushStream(stream io.ReadWriteCloser) {
	defer stream.Close()
	for {
		frameType, body, err := readFrame(stream)
		if err != nil {
			return
		}
		s.handleFrame(frameType, body)
	}
}

// heartbeatLoop 周期性心跳，写失败视为连接死亡
func (s *Session) heartbeatLoop(ctx context.Context, l *liveConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.dead:
			return
		case <-ticker.C:
			err := l.writeJSON(proto.FrameTypeRequest, &proto.ClientRequest{
				ReqId: uuid.NewString(),
				Cmd:   proto.CmdHeartbeat,
			})
			if err != nil {
				s.logger.Debug("Heartbeat write failed", "error", err)
				l.markDead()
				return
			}
		}
	}
}

// handleFrame 按帧类型分发
func (s *Session) handleFrame(frameType byte, body []byte) {
	switch frameType {
	case proto.FrameTypeResponse:
		var resp proto.ClientResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			s.logger.Warn("Failed to decode response frame", "error", err)
			return
		}
		s.resolvePending(&resp)
	case proto.FrameTypeEvent:
		var env proto.EventEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			s.logger.Warn("Failed to decode event frame", "error", err)
			return
		}
		evt, ok := demux(&env, s.logger)
		if !ok {
			return
		}
		select {
		case s.events <- evt:
		default:
			s.logger.Warn("Event channel full, dropping event", "kind", evt.Kind.String())
		}
	default:
		s.logger.Warn("Unknown frame type", "frameType", frameType)
	}
}

// resolvePending 将响应帧关联回发送时登记的回调
func (s *Session) resolvePending(resp *proto.ClientResponse) {
	s.mu.Lock()
	cb, ok := s.pending[resp.ReqId]
	if ok {
		delete(s.pending, resp.ReqId)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if resp.Code != proto.CodeSuccess {
		cb(fmt.Errorf("send rejected: [%d] %s", resp.Code, resp.Msg))
		return
	}
	cb(nil)
}

// failPending 连接死亡时统一失败所有挂起回调
func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]func(error))
	s.mu.Unlock()

	for _, cb := range pending {
		cb(err)
	}
}
