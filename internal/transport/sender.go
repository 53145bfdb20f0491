package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/bedrocklink/internal/fragment"
	"github.com/1ureka/bedrocklink/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // outgoing batch channel capacity
)

// sender is a goroutine-based batch writer that serializes all writes to the
// reliable DataChannel, splitting batches into segments and adding open-gate
// and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	segmentSize int

	// draining asks the loop to flush what is queued and exit.
	draining  chan struct{}
	drainOnce sync.Once
	done      chan struct{}
	onError   func(error)
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, segmentSize int, onError func(error)) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		segmentSize: segmentSize,
		draining:    make(chan struct{}),
		done:        make(chan struct{}),
		onError:     onError,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness. Batches queued before
// the channel opened go out first, in order.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	defer close(s.done)

	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send batches with backpressure.
	for {
		select {
		case b := <-s.inbox:
			if !s.write(ctx, dc, b) {
				return
			}
		case <-s.draining:
			for {
				select {
				case b := <-s.inbox:
					if !s.write(ctx, dc, b) {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// write sends the segments of one batch. It reports false once the loop
// has to stop.
func (s *sender) write(ctx context.Context, dc *webrtc.DataChannel, b []byte) bool {
	segments, err := fragment.Split(b, s.segmentSize)
	if err != nil {
		s.onError(err)
		return false
	}
	for _, seg := range segments {
		if dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-s.drainSignal:
			case <-ctx.Done():
				return false
			}
		}
		if err := dc.Send(seg); err != nil {
			util.LogError("failed to send segment (%d bytes): %v", len(seg), err)
			s.onError(err)
			return false
		}
	}
	util.Stats.AddSent(len(b))
	return true
}

// send enqueues a batch for transmission. It blocks if the internal buffer
// is full and fails once ctx is cancelled.
func (s *sender) send(ctx context.Context, b []byte) error {
	select {
	case s.inbox <- b:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}

// drain flushes the queue and waits for the loop to exit, or for ctx.
func (s *sender) drain(ctx context.Context) {
	s.drainOnce.Do(func() { close(s.draining) })
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
