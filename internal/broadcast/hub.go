// Package broadcast fans session output out to subscribers.
//
// A Hub keeps a bounded replay backlog and one queue per subscriber. Frames
// reach every subscriber in publish order. When a queue reaches the
// high-water mark the hub either drops that subscriber (best-effort) or waits
// for it (lossless).
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rafket/vscode-hub/internal/buffer"
	"github.com/rafket/vscode-hub/internal/clock"
	"github.com/rafket/vscode-hub/internal/model"
)

// DefaultHighWaterMark is the per-subscriber queue depth in frames.
const DefaultHighWaterMark = 256

// ErrReplaced ends a subscription whose id was subscribed again.
var ErrReplaced = errors.New("subscription replaced")

// FrameKind distinguishes output from the end-of-session marker.
type FrameKind int

const (
	FrameOutput FrameKind = iota
	FrameExit
)

func (k FrameKind) String() string {
	switch k {
	case FrameOutput:
		return "output"
	case FrameExit:
		return "exit"
	}
	return fmt.Sprintf("FrameKind(%d)", int(k))
}

// Frame is one unit of delivery. Data is shared between subscribers and must
// not be modified.
type Frame struct {
	Kind     FrameKind
	Data     []byte
	ExitCode int
}

// Options configures a Hub. The zero value is a hub without replay that
// drops subscribers whose queue reaches DefaultHighWaterMark.
type Options struct {
	// ReplayBytes is the size of the backlog sent to new subscribers. Zero
	// disables replay.
	ReplayBytes int
	// HighWaterMark is the per-subscriber queue depth in frames.
	HighWaterMark int
	// Policy decides what happens to a subscriber whose queue is full.
	Policy model.BackpressurePolicy
	Clock  clock.Clock
	Logger *slog.Logger
}

// Hub broadcasts the output of one session.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	ring    *buffer.RingBuffer
	closed  bool
	onEmpty func()

	hwm     int
	policy  model.BackpressurePolicy
	clock   clock.Clock
	logger  *slog.Logger
	dropped atomic.Int64
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.Policy == "" {
		opts.Policy = model.BackpressureBestEffort
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		subs:   make(map[string]*Subscription),
		hwm:    opts.HighWaterMark,
		policy: opts.Policy,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if opts.ReplayBytes > 0 {
		h.ring = buffer.NewRingBuffer(opts.ReplayBytes)
	}
	return h
}

// SetOnEmpty registers a callback run whenever the last subscriber leaves an
// open hub. It runs without the hub lock held.
func (h *Hub) SetOnEmpty(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = fn
}

// Subscribe registers id. The backlog, if any, is queued before any frame
// published afterwards, so a subscriber sees neither a gap nor a duplicate.
// Subscribing an id that is already present replaces the older subscription.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", id, model.ErrClosed)
	}

	sub := &Subscription{
		id:    id,
		hub:   h,
		ch:    make(chan Frame, h.hwm),
		done:  make(chan struct{}),
		since: h.clock.Now(),
	}
	if h.ring != nil {
		if backlog := trimRuneStart(h.ring.ReadAll()); len(backlog) > 0 {
			sub.ch <- Frame{Kind: FrameOutput, Data: backlog}
		}
	}
	old := h.subs[id]
	h.subs[id] = sub
	h.mu.Unlock()

	if old != nil {
		old.finish(ErrReplaced)
	}
	return sub, nil
}

// trimRuneStart drops the tail of a character cut off when the backlog wrapped.
func trimRuneStart(b []byte) []byte {
	for i := 0; i < len(b) && i < utf8.UTFMax-1; i++ {
		if utf8.RuneStart(b[i]) {
			return b[i:]
		}
	}
	if len(b) >= utf8.UTFMax-1 {
		return b[utf8.UTFMax-1:]
	}
	return nil
}

// Unsubscribe removes id. It is a no-op if id is not subscribed.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub := h.subs[id]
	h.mu.Unlock()
	if sub != nil {
		h.remove(sub, nil)
	}
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	if h.subs[sub.id] != sub {
		h.mu.Unlock()
		sub.finish(reason)
		return
	}
	delete(h.subs, sub.id)
	empty := len(h.subs) == 0 && !h.closed
	onEmpty := h.onEmpty
	h.mu.Unlock()

	sub.finish(reason)
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// Publish delivers data to every current subscriber. It must not be called
// concurrently with itself or Close; a session has one publishing goroutine.
func (h *Hub) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.ring != nil {
		h.ring.Write(data)
	}
	subs := h.snapshotLocked()
	h.mu.Unlock()

	frame := Frame{Kind: FrameOutput, Data: data}
	for _, sub := range subs {
		h.deliver(sub, frame)
	}
}

// Close sends the end-of-session frame to every subscriber and refuses new
// subscriptions. Subscribers stay registered until they unsubscribe, so a
// lossless delivery can still be abandoned by the receiver.
func (h *Hub) Close(exitCode int) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.snapshotLocked()
	h.mu.Unlock()

	frame := Frame{Kind: FrameExit, ExitCode: exitCode}
	for _, sub := range subs {
		h.deliver(sub, frame)
	}
}

func (h *Hub) snapshotLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) deliver(sub *Subscription, frame Frame) {
	if h.policy == model.BackpressureLossless {
		select {
		case sub.ch <- frame:
		case <-sub.done:
		}
		return
	}

	select {
	case sub.ch <- frame:
	case <-sub.done:
	default:
		h.dropped.Add(1)
		h.logger.Warn("dropping slow subscriber", "subscriber", sub.id, "high_water_mark", h.hwm)
		h.remove(sub, model.ErrSlowConsumer)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many subscribers were dropped for falling behind.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscription is one subscriber's view of a Hub.
type Subscription struct {
	id    string
	hub   *Hub
	ch    chan Frame
	done  chan struct{}
	since time.Time

	once sync.Once
	mu   sync.Mutex
	err  error
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Since returns when the subscription became active.
func (s *Subscription) Since() time.Time { return s.since }

// C delivers frames in publish order. It is never closed; select on Done too.
func (s *Subscription) C() <-chan Frame { return s.ch }

// Done is closed when the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil for Unsubscribe,
// model.ErrSlowConsumer or ErrReplaced otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close removes the subscription from its hub. It is idempotent.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

func (s *Subscription) finish(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}
