package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lecternlabs/lectern/internal/notes"
	"github.com/lecternlabs/lectern/internal/scrolllink"
)

const (
	realtimeEventConnected = "connected"
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// UserTopic names the realtime topic carrying note and save-status events
// for every device a user has connected.
func UserTopic(userID string) string {
	return "user:" + userID
}

// LinkTopic names the realtime topic carrying scroll-link events for one
// device's reading screen.
func LinkTopic(sessionID string) string {
	return "link:" + sessionID
}

// linkSessionID derives the scroll-link session identifier for one device.
func linkSessionID(userID, deviceID string) string {
	return fmt.Sprintf("%s/%s", userID, deviceID)
}

// RealtimeMessage is one event on a topic. Payload must be JSON
// marshalable; it is encoded at stream-write time.
type RealtimeMessage struct {
	Topic     string
	Event     string
	Payload   any
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to topic subscribers. Publishing
// never blocks; a subscriber that falls behind its buffer misses messages
// rather than stalling the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a listener on one topic. The returned cleanup is
// idempotent and also runs when ctx is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topic string) (<-chan RealtimeMessage, func()) {
	if topic == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(topic, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.Event == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotePublisher adapts the dispatcher to the notes package's publisher
// contract. Events fan out to every device the owner has connected.
func NotePublisher(dispatcher *RealtimeDispatcher) notes.Publisher {
	return func(userID string, event notes.Event) {
		dispatcher.Publish(RealtimeMessage{
			Topic:     UserTopic(userID),
			Event:     event.Kind,
			Payload:   event,
			Timestamp: time.Now(),
		})
	}
}

// LinkPublisher adapts the dispatcher to the scroll-link coordinator's
// publisher contract. Events land on the one device's link topic.
func LinkPublisher(dispatcher *RealtimeDispatcher) scrolllink.Publisher {
	return func(sessionID string, event scrolllink.Event) {
		dispatcher.Publish(RealtimeMessage{
			Topic:     LinkTopic(sessionID),
			Event:     event.Kind,
			Payload:   event,
			Timestamp: time.Now(),
		})
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
