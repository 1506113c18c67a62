package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
)

const (
	// RealtimeEventScoreUpdated names the SSE event carrying a new score.
	RealtimeEventScoreUpdated = "score-updated"
	realtimeEventHeartbeat    = "heartbeat"
	defaultRealtimeBuffer     = 16
)

// ScoreDispatcher fans persisted scores out to per-form subscribers.
// Slow subscribers drop events rather than block scoring.
type ScoreDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*scoreSubscriber
	nextID      int64
	bufferSize  int
}

type scoreSubscriber struct {
	id     int64
	stream chan scoring.ScoreEvent
}

// NewScoreDispatcher constructs an empty dispatcher.
func NewScoreDispatcher() *ScoreDispatcher {
	return &ScoreDispatcher{
		subscribers: make(map[string]map[int64]*scoreSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe registers a listener for one form. The subscription ends when ctx
// is done or the returned cleanup is called.
func (d *ScoreDispatcher) Subscribe(ctx context.Context, formID string) (<-chan scoring.ScoreEvent, func()) {
	if formID == "" {
		ch := make(chan scoring.ScoreEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &scoreSubscriber{
		id:     d.nextSequence(),
		stream: make(chan scoring.ScoreEvent, d.bufferSize),
	}
	d.registerSubscriber(formID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(formID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements scoring.Notifier.
func (d *ScoreDispatcher) Publish(event scoring.ScoreEvent) {
	if event.FormID == "" || event.ApplicationID == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[event.FormID] {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many listeners follow a form.
func (d *ScoreDispatcher) SubscriberCount(formID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[formID])
}

func (d *ScoreDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ScoreDispatcher) registerSubscriber(formID string, subscriber *scoreSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[formID]; !ok {
		d.subscribers[formID] = make(map[int64]*scoreSubscriber)
	}
	d.subscribers[formID][subscriber.id] = subscriber
}

func (d *ScoreDispatcher) unregisterSubscriber(formID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[formID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, formID)
		}
	}
	d.mu.Unlock()
}
