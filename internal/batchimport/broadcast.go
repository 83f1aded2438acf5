package batchimport

import "sync"

// Event is one progress update from a running import job.
type Event struct {
	JobID    string `json:"jobId"`
	FileName string `json:"fileName"`
	Status   string `json:"status"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
}

// Broadcaster fans import progress out to subscribers, so a poller gets
// incremental updates without re-querying the whole job row each time.
// Slow consumers drop events rather than block the import worker.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Publish sends an event to every subscriber.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // slow consumer: drop rather than block
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that must
// be called when the subscriber is done.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 128)
	b.subs = append(b.subs, ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}
