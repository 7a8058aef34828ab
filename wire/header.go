package wire

import (
	"encoding/binary"

	"github.com/calderadb/calrpc/common"
)

// RequestHeader precedes the body of every call sent to a server.
type RequestHeader struct {
	// CallID correlates the response with the call on the sending side
	CallID uint64
	// Service and Method route the call to a handler on the receiving side
	Service string
	Method  string
	// TimeoutMillis is the sender side timeout, 0 means the call never expires
	TimeoutMillis uint32
}

// ResponseHeader precedes the body of every response sent back to a client.
type ResponseHeader struct {
	// CallID is copied from the request this response answers
	CallID uint64
	// IsError marks the body as an error payload instead of a result
	IsError bool
	// SidecarOffsets address additional payload regions, each offset is
	// relative to the start of the payload region following the header.
	// The main body ends at the first offset (or at the end of the region
	// when no sidecars are present).
	SidecarOffsets []uint32
}

// Bit flags to indicate which optional fields are present
const (
	reqHasTimeout byte = 1 << 0

	respIsError     byte = 1 << 0
	respHasSidecars byte = 1 << 1
)

// --------------------------------------------------------------------------
// RequestHeader codec
// --------------------------------------------------------------------------

// Marshal encodes the header into a freshly allocated byte slice
func (h *RequestHeader) Marshal() []byte {
	// Calculate total size needed
	totalSize := h.sizeBytes()
	result := make([]byte, totalSize)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing (start after flags)
	pos := 1

	// Write call id
	binary.BigEndian.PutUint64(result[pos:pos+8], h.CallID)
	pos += 8

	// Write service name
	serviceLen := len(h.Service)
	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(serviceLen))
	pos += 4
	copy(result[pos:pos+serviceLen], h.Service)
	pos += serviceLen

	// Write method name
	methodLen := len(h.Method)
	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(methodLen))
	pos += 4
	copy(result[pos:pos+methodLen], h.Method)
	pos += methodLen

	// Handle timeout
	if h.TimeoutMillis > 0 {
		flags |= reqHasTimeout
		binary.BigEndian.PutUint32(result[pos:pos+4], h.TimeoutMillis)
		pos += 4
	}

	// Set flags byte after knowing which fields are present
	result[0] = flags

	return result
}

// Unmarshal decodes the header from data. Malformed input yields a
// corruption error and leaves the receiver in an undefined state.
func (h *RequestHeader) Unmarshal(data []byte) error {
	// Check minimum size (flags + call id + two length fields)
	if len(data) < 1+8+4 {
		return common.CorruptionErrorf("request header too short (%d bytes)", len(data))
	}

	// Read flags
	flags := data[0]
	pos := 1

	// Read call id
	h.CallID = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	// Read service name
	serviceLen := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	if pos+int(serviceLen) > len(data) {
		return common.CorruptionErrorf("request header too short for service name")
	}
	h.Service = string(data[pos : pos+int(serviceLen)])
	pos += int(serviceLen)

	// Read method name
	if pos+4 > len(data) {
		return common.CorruptionErrorf("request header too short for method length")
	}
	methodLen := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	if pos+int(methodLen) > len(data) {
		return common.CorruptionErrorf("request header too short for method name")
	}
	h.Method = string(data[pos : pos+int(methodLen)])
	pos += int(methodLen)

	// Read timeout if present
	if flags&reqHasTimeout != 0 {
		if pos+4 > len(data) {
			return common.CorruptionErrorf("request header too short for timeout")
		}
		h.TimeoutMillis = binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
	} else {
		h.TimeoutMillis = 0
	}

	return nil
}

// sizeBytes calculates the total size needed for serialization
func (h *RequestHeader) sizeBytes() int {
	// 1 byte for flags + 8 bytes for call id
	size := 1 + 8

	size += 4 + len(h.Service) // 4 bytes for length + service string
	size += 4 + len(h.Method)  // 4 bytes for length + method string

	if h.TimeoutMillis > 0 {
		size += 4 // uint32
	}

	return size
}

// --------------------------------------------------------------------------
// ResponseHeader codec
// --------------------------------------------------------------------------

// Marshal encodes the header into a freshly allocated byte slice
func (h *ResponseHeader) Marshal() []byte {
	// Calculate total size needed
	totalSize := h.sizeBytes()
	result := make([]byte, totalSize)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing (start after flags)
	pos := 1

	// Write call id
	binary.BigEndian.PutUint64(result[pos:pos+8], h.CallID)
	pos += 8

	// Handle error marker
	if h.IsError {
		flags |= respIsError
	}

	// Handle sidecar offsets
	if len(h.SidecarOffsets) > 0 {
		flags |= respHasSidecars
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(h.SidecarOffsets)))
		pos += 4
		for _, off := range h.SidecarOffsets {
			binary.BigEndian.PutUint32(result[pos:pos+4], off)
			pos += 4
		}
	}

	// Set flags byte after knowing which fields are present
	result[0] = flags

	return result
}

// Unmarshal decodes the header from data. Malformed input yields a
// corruption error and leaves the receiver in an undefined state.
func (h *ResponseHeader) Unmarshal(data []byte) error {
	// Check minimum size (flags + call id)
	if len(data) < 1+8 {
		return common.CorruptionErrorf("response header too short (%d bytes)", len(data))
	}

	// Read flags
	flags := data[0]
	pos := 1

	// Read call id
	h.CallID = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	// Read error marker
	h.IsError = flags&respIsError != 0

	// Read sidecar offsets if present
	if flags&respHasSidecars != 0 {
		if pos+4 > len(data) {
			return common.CorruptionErrorf("response header too short for sidecar count")
		}
		count := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		if pos+int(count)*4 > len(data) {
			return common.CorruptionErrorf("response header too short for %d sidecar offsets", count)
		}
		h.SidecarOffsets = make([]uint32, count)
		for i := range h.SidecarOffsets {
			h.SidecarOffsets[i] = binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
		}
	} else {
		h.SidecarOffsets = nil
	}

	return nil
}

// sizeBytes calculates the total size needed for serialization
func (h *ResponseHeader) sizeBytes() int {
	// 1 byte for flags + 8 bytes for call id
	size := 1 + 8

	if len(h.SidecarOffsets) > 0 {
		size += 4 + 4*len(h.SidecarOffsets) // 4 bytes for count + offsets
	}

	return size
}

// --------------------------------------------------------------------------
// Payload layout
// --------------------------------------------------------------------------

// AppendPayload appends a length prefixed header followed by the body to
// dst and returns the extended slice. The result is the frame payload for
// a call without sidecars; sidecar regions are appended verbatim after it.
func AppendPayload(dst []byte, header, body []byte) []byte {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(header)))
	dst = append(dst, prefix[:]...)
	dst = append(dst, header...)
	return append(dst, body...)
}

// SplitPayload splits a frame payload into its header bytes and the
// remaining payload region. Malformed input yields a corruption error.
//
// Both returned slices alias payload.
func SplitPayload(payload []byte) (header, rest []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, common.CorruptionErrorf("payload too short for header length (%d bytes)", len(payload))
	}
	headerLen := binary.BigEndian.Uint32(payload[:4])
	if uint64(4)+uint64(headerLen) > uint64(len(payload)) {
		return nil, nil, common.CorruptionErrorf(
			"payload too short for header (%d declared, %d available)", headerLen, len(payload)-4)
	}
	return payload[4 : 4+headerLen], payload[4+headerLen:], nil
}

// SliceSidecars splits the payload region following a response header into
// the main body and the sidecar slices addressed by offsets. Offsets must
// be non decreasing and fall inside the region, anything else yields a
// corruption error.
//
// All returned slices alias region.
func SliceSidecars(region []byte, offsets []uint32) (body []byte, sidecars [][]byte, err error) {
	if len(offsets) == 0 {
		return region, nil, nil
	}

	prev := uint32(0)
	for i, off := range offsets {
		if off < prev {
			return nil, nil, common.CorruptionErrorf("sidecar offset %d decreases (%d after %d)", i, off, prev)
		}
		if uint64(off) > uint64(len(region)) {
			return nil, nil, common.CorruptionErrorf(
				"sidecar offset %d out of range (%d beyond %d byte region)", i, off, len(region))
		}
		prev = off
	}

	body = region[:offsets[0]]
	sidecars = make([][]byte, len(offsets))
	for i := range offsets {
		end := uint32(len(region))
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		sidecars[i] = region[offsets[i]:end]
	}
	return body, sidecars, nil
}
