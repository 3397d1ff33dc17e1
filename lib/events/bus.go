// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/metrics"
)

// Event kinds.
const (
	Added   = "ADDED"
	Changed = "CHANGED"
	Removed = "REMOVED"
)

// DefaultQueueSize bounds each subscription's queue unless overridden.
const DefaultQueueSize = 256

// Event is one message on a topic.
type Event struct {
	Topic  string
	Kind   string
	ID     any
	Fields any

	// Dropped marks the terminal event of a subscription removed for
	// overflowing its queue.
	Dropped bool
}

// Topic describes a registered topic or topic family.
type Topic struct {
	Name        string
	Description string
	Private     bool

	// Snapshot returns the events replayed to a new subscriber. It
	// runs with the bus locked and must not publish.
	Snapshot func() []Event
}

// Config configures a Bus.
type Config struct {
	QueueSize int
	Logger    *slog.Logger
}

// Bus routes published events to subscriptions.
type Bus struct {
	queueSize int
	logger    *slog.Logger

	mu            sync.Mutex
	topics        map[string]Topic
	subscriptions map[string]*Subscription
}

// New creates an empty Bus.
func New(cfg Config) *Bus {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		queueSize:     queueSize,
		logger:        logger,
		topics:        map[string]Topic{},
		subscriptions: map[string]*Subscription{},
	}
}

// Register adds a topic. Names are unique.
func (b *Bus) Register(topic Topic) error {
	if topic.Name == "" {
		return errors.New("events: topic name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[topic.Name]; exists {
		return fmt.Errorf("events: topic %q already registered", topic.Name)
	}
	b.topics[topic.Name] = topic
	return nil
}

// Topics lists registered topics sorted by name.
func (b *Bus) Topics() []Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]Topic, 0, len(b.topics))
	for _, topic := range b.topics {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics
}

// lookupLocked finds the topic that owns name: an exact registration
// or the longest registered family prefix.
func (b *Bus) lookupLocked(name string) (Topic, bool) {
	if topic, ok := b.topics[name]; ok {
		return topic, true
	}
	var best Topic
	found := false
	for registered, topic := range b.topics {
		prefix, isFamily := strings.CutSuffix(registered, "*")
		if isFamily && strings.HasPrefix(name, prefix) && len(registered) > len(best.Name) {
			best, found = topic, true
		}
	}
	return best, found
}

// Publish sends an event to every matching subscription. Never
// blocks on subscribers.
func (b *Bus) Publish(topic, kind string, id any, fields any) {
	event := Event{Topic: topic, Kind: kind, ID: id, Fields: fields}
	metrics.EventsPublished.WithLabelValues(metricTopic(topic)).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subscription := range b.subscriptions {
		if !subscription.wants(event) {
			continue
		}
		if !subscription.enqueue(event) {
			b.dropLocked(subscription)
		}
	}
}

func (b *Bus) dropLocked(subscription *Subscription) {
	delete(b.subscriptions, subscription.id)
	metrics.SubscribersDropped.WithLabelValues(metricTopic(subscription.pattern)).Inc()
	b.logger.Warn("event subscriber dropped on queue overflow",
		"subscription", subscription.id,
		"topic", subscription.pattern,
		"queue_size", cap(subscription.queue),
	)
}

// metricTopic collapses datastore topics to their family to bound
// label cardinality.
func metricTopic(topic string) string {
	if strings.HasPrefix(topic, "datastore.") {
		return "datastore.*"
	}
	return topic
}

// SubscribeRequest describes a new subscription.
type SubscribeRequest struct {
	// Pattern is a topic name, a family ending in ".*", or "*".
	Pattern string

	// Filters is a filter list applied to map-valued event fields.
	Filters []any

	// QueueSize overrides the bus default.
	QueueSize int

	// AllowPrivate admits private topics.
	AllowPrivate bool

	// Access, when set, hides events for which it returns false.
	Access func(Event) bool

	// Deliver receives events in order on the subscription's
	// goroutine.
	Deliver func(Event)

	// Paused holds delivery until Start is called.
	Paused bool
}

// Subscribe registers a subscription and enqueues the topic snapshot.
func (b *Bus) Subscribe(request SubscribeRequest) (*Subscription, error) {
	if request.Deliver == nil {
		return nil, errors.New("events: Deliver is required")
	}
	expr, err := filter.Compile(request.Filters)
	if err != nil {
		return nil, err
	}
	queueSize := request.QueueSize
	if queueSize <= 0 {
		queueSize = b.queueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var snapshot []Event
	if request.Pattern != "*" {
		topic, ok := b.lookupLocked(strings.TrimSuffix(request.Pattern, "*"))
		if !ok {
			return nil, apierror.Call(apierror.ENOENT, "Event %q not found", request.Pattern)
		}
		if topic.Private && !request.AllowPrivate {
			return nil, apierror.NotAuthorized()
		}
		if topic.Snapshot != nil && !strings.HasSuffix(request.Pattern, "*") {
			snapshot = topic.Snapshot()
		}
	} else if !request.AllowPrivate {
		return nil, apierror.NotAuthorized()
	}

	subscription := &Subscription{
		id:      uuid.NewString(),
		bus:     b,
		pattern: request.Pattern,
		filter:  expr,
		access:  request.Access,
		deliver: request.Deliver,
		queue:   make(chan Event, queueSize+len(snapshot)),
		start:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, event := range snapshot {
		if subscription.wants(event) {
			subscription.enqueue(event)
		}
	}
	b.subscriptions[subscription.id] = subscription
	if !request.Paused {
		subscription.Start()
	}
	go subscription.run()
	return subscription, nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

func (b *Bus) remove(subscription *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, subscription.id)
}
