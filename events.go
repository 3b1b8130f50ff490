package ytmux

import (
	"sync"
	"time"

	"github.com/ytget/ytmux/types"
)

// State is a step of the execution state machine.
type State string

const (
	StateValidating State = "validating"
	StateResolving  State = "resolving"
	StateFetching   State = "fetching"
	StateMerging    State = "merging"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// order ranks the forward path. Transitions only move to a higher rank.
var order = map[State]int{
	StateValidating: 0,
	StateResolving:  1,
	StateFetching:   2,
	StateMerging:    3,
	StateFinalizing: 4,
	StateDone:       5,
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// canTransition reports whether from -> to is a legal move. Failed is
// reachable from every non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return order[to] > order[from]
}

// Event reports a state change or transfer progress of one execution.
type Event struct {
	JobID   string
	Key     string // artifact name, empty until resolved
	State   State
	Stream  types.MediaKind
	Bytes   int64
	Total   int64
	Elapsed time.Duration
	// Position is the output timestamp reached by ffmpeg.
	Position time.Duration
	Err      error
	Time     time.Time
}

// DefaultFeedSize is the buffer used by NewFeed for non-positive sizes.
const DefaultFeedSize = 64

// Feed is a bounded event stream. Publishing never blocks: when the buffer is
// full the oldest event is discarded, so the terminal event of an execution
// is always delivered.
type Feed struct {
	mu      sync.Mutex
	ch      chan Event
	dropped int
	closed  bool
}

// NewFeed creates a feed buffering up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{ch: make(chan Event, size)}
}

// Events returns the receive side of the feed.
func (f *Feed) Events() <-chan Event { return f.ch }

// Dropped returns how many events were discarded to make room.
func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close ends the stream. Later publishes are ignored.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *Feed) publish(e Event) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for {
		select {
		case f.ch <- e:
			return
		default:
		}
		select {
		case <-f.ch:
			f.dropped++
		default:
		}
	}
}

// JobStatus is a snapshot of an execution in flight.
type JobStatus struct {
	ID      string
	URL     string
	Quality types.Quality
	Key     string
	State   State
	Started time.Time
	Updated time.Time
	Bytes   int64
	Total   int64
}
