package orchestrator

import (
	"sync"

	"github.com/seantiz/hogwild/internal/model"
)

// subscriberBufferSize is the channel buffer for each eval subscriber.
const subscriberBufferSize = 64

// EvalBroker fans evaluation records of each run out to live subscribers.
// It is safe for concurrent use.
//
// Every run keeps its latest record. A new subscriber receives it first, so a
// dashboard attaching mid-run shows the current accuracy without waiting a
// full eval interval. A subscriber that falls behind loses its oldest
// buffered records, never the newest one. Finished runs stay as closed
// topics: a late subscriber gets the final record and then a closed channel.
type EvalBroker struct {
	mu     sync.Mutex
	topics map[string]*evalTopic
}

type evalTopic struct {
	subs   map[int]chan model.EvalRecord
	nextID int
	closed bool

	latest    model.EvalRecord
	hasLatest bool
}

func NewEvalBroker() *EvalBroker {
	return &EvalBroker{topics: make(map[string]*evalTopic)}
}

// topic returns the run's topic, creating it. Callers hold b.mu.
func (b *EvalBroker) topic(runID string) *evalTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &evalTopic{subs: make(map[int]chan model.EvalRecord)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel receiving the run's records, starting with the
// latest one published, and an unsubscribe function.
func (b *EvalBroker) Subscribe(runID string) (<-chan model.EvalRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan model.EvalRecord, subscriberBufferSize)
	if t.hasLatest {
		ch <- t.latest
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(t.subs, id)
		b.mu.Unlock()
	}
}

// Publish records rec as the run's latest and sends it to every subscriber.
// Records published after Close are ignored.
func (b *EvalBroker) Publish(runID string, rec model.EvalRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	if t.closed {
		return
	}
	t.latest, t.hasLatest = rec, true
	for _, ch := range t.subs {
		sendNewest(ch, rec)
	}
}

// sendNewest delivers rec, evicting the oldest buffered record when ch is full.
func sendNewest(ch chan model.EvalRecord, rec model.EvalRecord) {
	for {
		select {
		case ch <- rec:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Latest returns the most recent record published for the run.
func (b *EvalBroker) Latest(runID string) (model.EvalRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok || !t.hasLatest {
		return model.EvalRecord{}, false
	}
	return t.latest, true
}

// Close ends the run's stream and closes every subscriber channel.
func (b *EvalBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
