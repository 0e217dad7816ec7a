package network

import (
	"encoding/binary"
	"fmt"

	"github.com/najoast/snipc/core"
)

// FramePrefixSize is the size of the little-endian length prefix.
const FramePrefixSize = 4

// DefaultMaxFrameSize bounds the length a frame may claim.
const DefaultMaxFrameSize = 64 * 1024 * 1024

// AppendFrame appends length || payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var prefix [FramePrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

// EncodeFrame encodes msg with codec and prefixes it with its length.
func EncodeFrame(codec MessageCodec, msg *core.Message, maxSize int) ([]byte, error) {
	payload, err := codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && len(payload) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(payload), maxSize)
	}
	return AppendFrame(make([]byte, 0, FramePrefixSize+len(payload)), payload), nil
}

// DecodeFrame decodes the first frame in data. It returns the message and
// the number of bytes consumed, or ErrIncompleteFrame if data does not yet
// hold a whole frame.
func DecodeFrame(codec MessageCodec, data []byte, maxSize int) (*core.Message, int, error) {
	length, complete, err := frameLength(data, maxSize)
	if err != nil {
		return nil, 0, err
	}
	if !complete {
		return nil, 0, ErrIncompleteFrame
	}

	end := FramePrefixSize + length
	msg, err := codec.Decode(data[FramePrefixSize:end])
	if err != nil {
		return nil, 0, err
	}
	return msg, end, nil
}

// frameLength reads the length prefix and reports whether the whole
// frame is present.
func frameLength(data []byte, maxSize int) (int, bool, error) {
	if len(data) < FramePrefixSize {
		return 0, false, nil
	}
	length := binary.LittleEndian.Uint32(data)
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return 0, false, fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, length)
	}
	return int(length), len(data)-FramePrefixSize >= int(length), nil
}

// frameBuffer accumulates received bytes and splits them into frames.
type frameBuffer struct {
	buf     []byte
	off     int
	maxSize int
}

func newFrameBuffer(maxSize int) *frameBuffer {
	return &frameBuffer{maxSize: maxSize}
}

// write appends received bytes.
func (b *frameBuffer) write(p []byte) {
	if b.off > 0 && b.off >= len(b.buf)/2 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// available reports whether a complete frame is buffered.
func (b *frameBuffer) available() bool {
	_, complete, err := frameLength(b.buf[b.off:], b.maxSize)
	return err == nil && complete
}

// check returns the protocol error of the buffered prefix, if any.
func (b *frameBuffer) check() error {
	_, _, err := frameLength(b.buf[b.off:], b.maxSize)
	return err
}

// next removes one frame and decodes it.
func (b *frameBuffer) next(codec MessageCodec) (*core.Message, error) {
	msg, n, err := DecodeFrame(codec, b.buf[b.off:], b.maxSize)
	if err != nil {
		return nil, err
	}
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
	return msg, nil
}

// buffered returns the number of unconsumed bytes.
func (b *frameBuffer) buffered() int {
	return len(b.buf) - b.off
}
