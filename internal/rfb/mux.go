// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"context"
	"fmt"
	"sync"
)

// tightJPEGMaxSize is the largest payload the Tight compact-length prefix
// can carry (2^22 - 1).
const tightJPEGMaxSize = 4194303

// coalesceBudget caps how many H264 delta bytes may be merged into one
// wire send.
const coalesceBudget = 4 << 20

// FrameFormat tags the codec of an encoded video frame.
type FrameFormat uint8

const (
	FormatJPEG FrameFormat = iota
	FormatH264
)

func (f FrameFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatH264:
		return "h264"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Frame is one encoded video frame as produced by the capture pipeline.
type Frame struct {
	Format FrameFormat
	Data   []byte
	Width  uint16
	Height uint16

	// Key marks an H264 keyframe; meaningless for JPEG.
	Key bool
}

// Mux serializes FramebufferUpdate rectangles for exactly one of
// {Tight JPEG, H264} at a time, plus the resize/rename/LED pseudo-encoding
// side channel, respecting the client's advertised capability set. It
// shares the session's write lock, so the serving loop and the mux never
// interleave partial messages.
type Mux struct {
	session *Session

	// h264Reset forces the next H264 rect to carry the stream
	// discontinuity flag. Set after a resize or a JPEG frame.
	h264Reset bool
}

// NewMux attaches a frame mux to a session.
func NewMux(session *Session) *Mux {
	return &Mux{session: session, h264Reset: true}
}

// SendFrame writes one video frame, preceded by a resize pseudo-frame when
// the frame geometry no longer matches the negotiated framebuffer.
func (m *Mux) SendFrame(frame *Frame) error {
	params := m.session.Params()
	if frame.Width != params.Width || frame.Height != params.Height {
		if err := m.SendResize(frame.Width, frame.Height); err != nil {
			return err
		}
	}
	switch frame.Format {
	case FormatJPEG:
		return m.SendJPEG(frame.Data)
	case FormatH264:
		return m.SendH264(frame.Data, frame.Key)
	default:
		return encodingError("SendFrame", fmt.Sprintf("unknown frame format: %s", frame.Format), nil)
	}
}

// SendJPEG writes one full-framebuffer Tight JPEG rectangle. The client
// must have negotiated Tight with a positive quality level, and the payload
// must fit the compact-length limit.
func (m *Mux) SendJPEG(data []byte) error {
	const op = "SendJPEG"

	if !m.session.Encodings().SupportsTightJPEG() {
		return encodingError(op, "client has not negotiated Tight JPEG", nil)
	}
	if len(data) > tightJPEGMaxSize {
		return validationError(op, fmt.Sprintf("JPEG payload too large: %d bytes", len(data)), nil)
	}

	params := m.session.Params()
	m.session.writeMu.Lock()
	defer m.session.writeMu.Unlock()

	if err := m.session.stream.writeRectHeader(op, params.Width, params.Height, EncodingTight); err != nil {
		return err
	}
	// Tight control byte: JPEG compression sub-type, then the 1-3 byte
	// compact length.
	if err := m.session.stream.writeU8(op, 0x9F); err != nil {
		return err
	}
	if err := m.session.stream.writeBytes(op, encodeTightLength(len(data))); err != nil {
		return err
	}
	if err := m.session.stream.writeBytes(op, data); err != nil {
		return err
	}
	if err := m.session.stream.flush(); err != nil {
		return err
	}
	// A JPEG frame breaks H264 decoder continuity.
	m.h264Reset = true
	return nil
}

// SendH264 writes one H264 rectangle: u32 length, u32 reset flag, raw NAL
// units. The reset flag is raised for keyframes and after any stream
// discontinuity (resize, interleaved JPEG).
func (m *Mux) SendH264(data []byte, key bool) error {
	const op = "SendH264"

	if !m.session.Encodings().HasH264 {
		return encodingError(op, "client has not negotiated H264", nil)
	}

	reset := key || m.h264Reset
	params := m.session.Params()
	m.session.writeMu.Lock()
	defer m.session.writeMu.Unlock()

	if err := m.session.stream.writeRectHeader(op, params.Width, params.Height, EncodingH264); err != nil {
		return err
	}
	if err := m.session.stream.writeU32(op, uint32(len(data))); err != nil {
		return err
	}
	var flag uint32
	if reset {
		flag = 1
	}
	if err := m.session.stream.writeU32(op, flag); err != nil {
		return err
	}
	if err := m.session.stream.writeBytes(op, data); err != nil {
		return err
	}
	if err := m.session.stream.flush(); err != nil {
		return err
	}
	m.h264Reset = false
	return nil
}

// SendResize announces a new framebuffer geometry via the DesktopSize
// pseudo-encoding and updates the shared framebuffer state.
func (m *Mux) SendResize(width, height uint16) error {
	const op = "SendResize"

	if !m.session.Encodings().HasResize {
		return encodingError(op, "client has not negotiated the resize pseudo-encoding", nil)
	}

	m.session.writeMu.Lock()
	if err := m.session.stream.writeRectHeader(op, width, height, EncodingResize); err != nil {
		m.session.writeMu.Unlock()
		return err
	}
	err := m.session.stream.flush()
	m.session.writeMu.Unlock()
	if err != nil {
		return err
	}

	m.session.shared.update(func(p *Params) {
		p.Width = width
		p.Height = height
	})
	m.h264Reset = true
	return nil
}

// SendRename announces a new desktop name via the DesktopName
// pseudo-encoding.
func (m *Mux) SendRename(name string) error {
	const op = "SendRename"

	if !m.session.Encodings().HasRename {
		return encodingError(op, "client has not negotiated the rename pseudo-encoding", nil)
	}

	m.session.writeMu.Lock()
	defer m.session.writeMu.Unlock()
	if err := m.session.stream.writeRectHeader(op, 0, 0, EncodingRename); err != nil {
		return err
	}
	if err := m.session.stream.writeReason(op, name); err != nil {
		return err
	}
	if err := m.session.stream.flush(); err != nil {
		return err
	}

	m.session.shared.update(func(p *Params) {
		p.Name = name
	})
	return nil
}

// SendLEDState pushes the host keyboard LED state.
func (m *Mux) SendLEDState(caps, scroll, num bool) error {
	const op = "SendLEDState"

	if !m.session.Encodings().HasLEDState {
		return encodingError(op, "client has not negotiated the LED state pseudo-encoding", nil)
	}

	var state uint8
	if scroll {
		state |= 0x1
	}
	if num {
		state |= 0x2
	}
	if caps {
		state |= 0x4
	}

	m.session.writeMu.Lock()
	defer m.session.writeMu.Unlock()
	if err := m.session.stream.writeRectHeader(op, 0, 0, EncodingLEDState); err != nil {
		return err
	}
	if err := m.session.stream.writeU8(op, state); err != nil {
		return err
	}
	return m.session.stream.flush()
}

// encodeTightLength encodes a payload length into the Tight compact form:
// 7 bits per byte, 0x80 continuation, at most 3 bytes.
func encodeTightLength(length int) []byte {
	switch {
	case length <= 127:
		return []byte{byte(length & 0x7F)}
	case length <= 16383:
		return []byte{byte(length&0x7F | 0x80), byte(length >> 7 & 0x7F)}
	default:
		return []byte{byte(length&0x7F | 0x80), byte(length>>7&0x7F | 0x80), byte(length >> 14 & 0xFF)}
	}
}

// decodeTightLength is the inverse of encodeTightLength. It reports the
// decoded length and how many prefix bytes were consumed.
func decodeTightLength(prefix []byte) (int, int, error) {
	length := 0
	for i := 0; i < 3 && i < len(prefix); i++ {
		length |= int(prefix[i]&0x7F) << (7 * i)
		if i == 2 {
			// The third byte carries all 8 bits.
			length |= int(prefix[i]&0x80) << (7 * i)
			return length, 3, nil
		}
		if prefix[i]&0x80 == 0 {
			return length, i + 1, nil
		}
	}
	return 0, 0, validationError("decodeTightLength", "truncated compact length", nil)
}

// FrameQueue is the per-client outgoing frame buffer between the shared
// capture pipeline and one session's sender. It never blocks the producer:
// on overflow the oldest frame is dropped and, for the diff-coded H264
// path, a keyframe is demanded so the decoder can resynchronize.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []*Frame
	depth   int
	needKey bool
	wakeup  chan struct{}
}

// DefaultQueueDepth bounds the per-client frame backlog.
const DefaultQueueDepth = 32

// NewFrameQueue creates a queue holding at most depth frames.
func NewFrameQueue(depth int) *FrameQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &FrameQueue{
		depth:  depth,
		wakeup: make(chan struct{}, 1),
	}
}

// Push enqueues a frame, dropping the oldest one when full.
func (q *FrameQueue) Push(frame *Frame) {
	q.mu.Lock()
	if len(q.frames) >= q.depth {
		dropped := q.frames[0]
		q.frames = q.frames[1:]
		if dropped.Format == FormatH264 {
			q.needKey = true
		}
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// NeedKeyframe reports and clears the pending keyframe demand raised by an
// overflow drop.
func (q *FrameQueue) NeedKeyframe() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	need := q.needKey
	q.needKey = false
	return need
}

// Pop waits for and returns the next frame to send. Consecutive H264 delta
// frames with identical geometry are concatenated into one frame up to the
// coalescing budget; a keyframe or a format/geometry change always starts a
// new send.
func (q *FrameQueue) Pop(ctx context.Context) (*Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.takeLocked()
			q.mu.Unlock()
			return frame, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		}
	}
}

func (q *FrameQueue) takeLocked() *Frame {
	head := q.frames[0]
	q.frames = q.frames[1:]
	if head.Format != FormatH264 || head.Key {
		return head
	}

	merged := *head
	for len(q.frames) > 0 {
		next := q.frames[0]
		if next.Format != FormatH264 || next.Key ||
			next.Width != merged.Width || next.Height != merged.Height ||
			len(merged.Data)+len(next.Data) > coalesceBudget {
			break
		}
		merged.Data = append(append([]byte{}, merged.Data...), next.Data...)
		q.frames = q.frames[1:]
	}
	return &merged
}
