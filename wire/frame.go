package wire

import (
	"encoding/binary"

	"github.com/calderadb/calrpc/common"
)

// FrameHeaderLength is the size of the length prefix preceding every frame.
const FrameHeaderLength = 4

// AppendFrame appends a complete frame (length prefix plus payload) to dst
// and returns the extended slice.
func AppendFrame(dst []byte, payload []byte) []byte {
	var header [FrameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// PutFrameHeader writes the length prefix for a payload of n bytes into dst.
// dst must be at least FrameHeaderLength bytes long.
func PutFrameHeader(dst []byte, n int) {
	binary.BigEndian.PutUint32(dst[:FrameHeaderLength], uint32(n))
}

// NextFrame extracts the first complete frame from buf.
//
// It returns the frame payload (without the length prefix), the total
// number of bytes the frame occupies in buf, and an error. When buf does
// not yet hold a complete frame it returns (nil, 0, nil) so the caller
// can retry once more bytes arrive. A frame whose total length exceeds
// maxMessageSize yields a network error; no bytes are consumed in that
// case and the connection must be torn down by the caller.
//
// The returned payload aliases buf, it is only valid until the caller
// recycles the buffer.
func NextFrame(buf []byte, maxMessageSize int) (payload []byte, consumed int, err error) {
	if len(buf) < FrameHeaderLength {
		return nil, 0, nil
	}

	dataLength := binary.BigEndian.Uint32(buf[:FrameHeaderLength])
	totalLength := uint64(dataLength) + FrameHeaderLength

	if totalLength > uint64(maxMessageSize) {
		return nil, 0, common.NetworkErrorf(
			"received invalid message length %d (max allowed %d)", totalLength, maxMessageSize)
	}

	if uint64(len(buf)) < totalLength {
		return nil, 0, nil
	}

	return buf[FrameHeaderLength:totalLength], int(totalLength), nil
}
