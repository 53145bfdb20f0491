// Package fragment splits messages into size-bounded segments for an ordered
// data channel and reassembles them on the other side.
//
// Each segment is prefixed with a single byte counting the segments still to
// come after it, so the last segment of a message carries 0.
package fragment

import (
	"fmt"

	"github.com/1ureka/bedrocklink/internal/protocol"
)

const (
	// DefaultSegmentSize is the payload size of one segment unless the
	// transport negotiates something else.
	DefaultSegmentSize = 10000

	// MaxSegments is the most segments one message can be split into.
	MaxSegments = 256
)

// Split cuts payload into segments of at most maxSize payload bytes each.
// An empty payload produces no segments.
func Split(payload []byte, maxSize int) ([][]byte, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("split: segment size must be positive, got %d", maxSize)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	total := (len(payload) + maxSize - 1) / maxSize
	if total > MaxSegments {
		return nil, protocol.Errorf(protocol.KindFragmentation, "split",
			"message of %d bytes needs %d segments, limit is %d", len(payload), total, MaxSegments)
	}

	segments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxSize
		end := min(start+maxSize, len(payload))

		seg := make([]byte, 1+end-start)
		seg[0] = byte(total - i - 1)
		copy(seg[1:], payload[start:end])
		segments = append(segments, seg)
	}
	return segments, nil
}

// Reassembler rebuilds messages from segments received in order. One
// message is in flight at a time. It is not safe for concurrent use.
type Reassembler struct {
	inProgress bool
	remaining  byte
	buf        []byte
}

// Feed consumes one segment. It returns the complete message and true once
// the last segment of a message has arrived. A segment out of sequence
// discards the partial message and returns a fragmentation error.
func (r *Reassembler) Feed(segment []byte) ([]byte, bool, error) {
	if len(segment) < 2 {
		return nil, false, protocol.Errorf(protocol.KindFraming, "reassemble",
			"segment of %d bytes is too short", len(segment))
	}

	remaining := segment[0]
	if r.inProgress && remaining != r.remaining-1 {
		want := r.remaining - 1
		r.Reset()
		return nil, false, protocol.Errorf(protocol.KindFragmentation, "reassemble",
			"invalid promised segments: expected %d, got %d", want, remaining)
	}

	r.inProgress = true
	r.remaining = remaining
	r.buf = append(r.buf, segment[1:]...)

	if remaining > 0 {
		return nil, false, nil
	}

	msg := r.buf
	r.Reset()
	return msg, true, nil
}

// Pending reports whether a message is partially assembled.
func (r *Reassembler) Pending() bool { return r.inProgress }

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.inProgress = false
	r.remaining = 0
	r.buf = nil
}
