package realtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// alpnFallback 原生 QUIC 降级通道的 ALPN 标识
const alpnFallback = "carely-rt"

// transportConn 抽象一条可双向开流的传输连接
// WebTransport 为低延迟首选，原生 QUIC 流作为降级通道，两者承载
// 相同的帧协议
type transportConn interface {
	OpenStreamSync(ctx context.Context) (io.ReadWriteCloser, error)
	AcceptStream(ctx context.Context) (io.ReadWriteCloser, error)
	Close(reason string) error
}

// wtConn WebTransport 会话适配
type wtConn struct {
	sess *webtransport.Session
}

func (c *wtConn) OpenStreamSync(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.sess.OpenStreamSync(ctx)
}

func (c *wtConn) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.sess.AcceptStream(ctx)
}

func (c *wtConn) Close(reason string) error {
	return c.sess.CloseWithError(0, reason)
}

// quicConn 原生 QUIC 连接适配
type quicConn struct {
	conn *quic.Conn
}

func (c *quicConn) OpenStreamSync(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.conn.OpenStreamSync(ctx)
}

func (c *quicConn) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	return c.conn.AcceptStream(ctx)
}

func (c *quicConn) Close(reason string) error {
	return c.conn.CloseWithError(0, reason)
}

// dial 建立传输连接：先尝试 WebTransport，失败降级到原生 QUIC
func dial(ctx context.Context, addr string, insecure bool, logger *slog.Logger) (transportConn, error) {
	quicConf := &quic.Config{
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	dialer := webtransport.Dialer{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
		},
		QUICConfig: quicConf,
	}

	url := fmt.Sprintf("https://%s/webtransport", addr)
	_, sess, wtErr := dialer.Dial(ctx, url, http.Header{})
	if wtErr == nil {
		logger.Debug("Connected via WebTransport", "addr", addr)
		return &wtConn{sess: sess}, nil
	}
	logger.Warn("WebTransport dial failed, falling back to QUIC", "addr", addr, "error", wtErr)

	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{alpnFallback},
	}, quicConf)
	if err != nil {
		return nil, fmt.Errorf("fallback QUIC dial failed: %w (webtransport: %v)", err, wtErr)
	}

	logger.Debug("Connected via fallback QUIC", "addr", addr)
	return &quicConn{conn: conn}, nil
}
