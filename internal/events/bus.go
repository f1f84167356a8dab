// Package events provides a per-task event bus with backpressure control,
// modeled on the teacher's centralized pub/sub bus but keyed by task topic
// instead of workflow/project filters.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/anti-entropy/forgewright/internal/core"
)

const defaultBufferSize = 256

// Subscriber is one live consumer of a task's topic.
type Subscriber struct {
	ch    chan Event
	topic *Topic
}

// Chan returns the receive side of this subscription.
func (s *Subscriber) Chan() <-chan Event { return s.ch }

// Topic is the ordered event stream for a single task. It is created on
// first subscribe or first publish and removed once a terminal event has
// been delivered and all subscribers have drained or unsubscribed.
type Topic struct {
	mu          sync.RWMutex
	taskID      core.TaskID
	subscribers map[*Subscriber]struct{}
	bufferSize  int
	dropped     int64
	closed      bool
}

func newTopic(taskID core.TaskID, bufferSize int) *Topic {
	return &Topic{
		taskID:      taskID,
		subscribers: make(map[*Subscriber]struct{}),
		bufferSize:  bufferSize,
	}
}

func (t *Topic) subscribe() *Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscriber{ch: make(chan Event, t.bufferSize), topic: t}
	if t.closed {
		close(sub.ch)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *Topic) unsubscribe(sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub]; ok {
		delete(t.subscribers, sub)
		close(sub.ch)
	}
}

// publish delivers e to every live subscriber with drop-oldest
// back-pressure, then, if e is terminal, closes the topic: every
// subscriber channel is closed after a final "dropped" accounting event
// is skipped (terminal events are never dropped).
func (t *Topic) publish(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	for sub := range t.subscribers {
		deliverWithRingBuffer(sub.ch, e, &t.dropped)
	}

	if e.isTerminal() {
		t.closeLocked()
	}
}

func (t *Topic) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subscribers {
		close(sub.ch)
	}
	t.subscribers = nil
}

func (t *Topic) droppedCount() int64 { return atomic.LoadInt64(&t.dropped) }

// deliverWithRingBuffer sends e on ch, dropping the oldest buffered event
// and incrementing dropped if ch is full, then retrying once.
func deliverWithRingBuffer(ch chan Event, e Event, dropped *int64) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
		atomic.AddInt64(dropped, 1)
	default:
	}
	select {
	case ch <- e:
	default:
		atomic.AddInt64(dropped, 1)
	}
}

// Bus owns one Topic per active task.
type Bus struct {
	mu         sync.Mutex
	topics     map[core.TaskID]*Topic
	bufferSize int
	closed     bool
}

// New creates a Bus whose topics buffer up to bufferSize events per
// subscriber before dropping the oldest.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{topics: make(map[core.TaskID]*Topic), bufferSize: bufferSize}
}

func (b *Bus) topicFor(taskID core.TaskID) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = newTopic(taskID, b.bufferSize)
		b.topics[taskID] = t
	}
	return t
}

// Subscribe opens a live subscription to taskID's topic. The returned
// cancel func unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(taskID core.TaskID) (<-chan Event, func()) {
	t := b.topicFor(taskID)
	sub := t.subscribe()
	var once sync.Once
	cancel := func() { once.Do(func() { t.unsubscribe(sub) }) }
	return sub.Chan(), cancel
}

// Publish delivers e to e.TaskID's topic, creating it if necessary.
// Terminal events (complete, error{CANCELLED|TIMEOUT}) close the topic
// and all of its subscriber channels after delivery.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t, ok := b.topics[e.TaskID]
	if !ok {
		t = newTopic(e.TaskID, b.bufferSize)
		b.topics[e.TaskID] = t
	}
	b.mu.Unlock()

	t.publish(e)

	if e.isTerminal() {
		b.mu.Lock()
		delete(b.topics, e.TaskID)
		b.mu.Unlock()
	}
}

// DroppedCount returns the number of events dropped so far for taskID's
// topic (0 if the topic does not exist, e.g. it already closed).
func (b *Bus) DroppedCount(taskID core.TaskID) int64 {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return t.droppedCount()
}

// CloseTask force-closes taskID's topic without a terminal event, e.g.
// when a task record is deleted outright.
func (b *Bus) CloseTask(taskID core.TaskID) {
	b.mu.Lock()
	t, ok := b.topics[taskID]
	delete(b.topics, taskID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.closeLocked()
	t.mu.Unlock()
}

// Close shuts down the bus: every open topic is closed and no further
// Publish/Subscribe will deliver or create topics.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, t := range b.topics {
		t.mu.Lock()
		t.closeLocked()
		t.mu.Unlock()
		delete(b.topics, id)
	}
}
