package realtime

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Tanvir-Hasan1/CarelyPets-2nd-sub000/pkg/proto"
)

// maxFrameSize 单帧上限，超出视为协议错误
const maxFrameSize = 1 << 20

// writeFrame 发送带帧头的数据：4 bytes big-endian length + 1 byte frame type
func writeFrame(w io.Writer, frameType byte, body []byte) error {
	frame := make([]byte, proto.FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = frameType
	copy(frame[proto.FrameHeaderSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame 读取一个完整帧，返回帧类型与消息体
func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, proto.FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := header[4]

	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameType, body, nil
}
