package jobs

import (
	"sync"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

// EventType identifies what changed
type EventType string

const (
	EventJobStatus      EventType = "job_status"
	EventJobOutput      EventType = "job_output"
	EventHistoryCleared EventType = "history_cleared"
)

// Event is published to subscribers whenever a job changes
type Event struct {
	Type  EventType   `json:"type"`
	JobID string      `json:"job_id,omitempty"`
	Job   *domain.Job `json:"job,omitempty"`
	// Line and Offset are set for output events. Line is the raw chunk
	// with its terminator and Offset its byte position in the job's output.
	Line   string `json:"line,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// broadcaster fans events out to subscribers. Slow subscribers miss events
// rather than stall the publishing job.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
