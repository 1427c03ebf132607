// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// ReliableDispatch is a topic-bounded message queue for reliable,
// at-least-once delivery. It owns exactly one TopicStore, the set of
// subscriptions to that topic, and a background lifecycle task enforcing
// the configured retention policy.
type ReliableDispatch struct {
	topicName       string
	topicStore      *TopicStore
	retentionPolicy RetentionPolicy

	subMu         sync.RWMutex
	subscriptions map[string]*atomic.Int64

	logger       log.Logger
	registerer   prometheus.Registerer
	now          func() time.Time
	tickInterval time.Duration

	closed   atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
}

// NewReliableDispatch constructs a ReliableDispatch for topicName, backed by
// cache, and starts its lifecycle management task.
func NewReliableDispatch(topicName string, opts ReliableOptions, cache *TopicCache, options ...ReliableDispatchOption) *ReliableDispatch {
	r := &ReliableDispatch{
		topicName:       topicName,
		retentionPolicy: opts.RetentionPolicy,
		subscriptions:   make(map[string]*atomic.Int64),
		logger:          log.NewNopLogger(),
		registerer:      prometheus.DefaultRegisterer,
		now:             time.Now,
		tickInterval:    lifecycleTickInterval,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}

	metrics := newDispatchMetrics(r.registerer, topicName)
	r.topicStore = NewTopicStore(topicName, cache, opts.segmentSizeBytes(), opts.RetentionPeriodSecs, metrics, r.logger)
	r.topicStore.now = r.now

	go r.runLifecycle()

	return r
}

// AddSubscription registers subscriptionName with a fresh cursor if absent.
// It is idempotent: calling it again for an existing subscription is a
// no-op, preserving that subscription's progress.
func (r *ReliableDispatch) AddSubscription(subscriptionName string) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if _, ok := r.subscriptions[subscriptionName]; ok {
		return nil
	}
	cursor := &atomic.Int64{}
	cursor.Store(noSegmentAcked)
	r.subscriptions[subscriptionName] = cursor
	return nil
}

// NewSubscriptionDispatch returns a SubscriptionDispatch bound to
// subscriptionName's existing cursor. It returns *SubscriptionNotFoundError
// if AddSubscription was never called for that name.
func (r *ReliableDispatch) NewSubscriptionDispatch(subscriptionName string) (*SubscriptionDispatch, error) {
	if r.closed.Load() {
		return nil, ErrShuttingDown
	}
	r.subMu.RLock()
	cursor, ok := r.subscriptions[subscriptionName]
	r.subMu.RUnlock()
	if !ok {
		return nil, &SubscriptionNotFoundError{Name: subscriptionName}
	}
	return NewSubscriptionDispatch(r.topicStore, cursor), nil
}

// StoreMessage delegates to the underlying TopicStore.
func (r *ReliableDispatch) StoreMessage(message StreamMessage) error {
	if r.closed.Load() {
		return ErrShuttingDown
	}
	return r.topicStore.StoreMessage(message)
}

// Close signals the lifecycle task to stop and waits (up to the tick
// interval plus five seconds) for it to exit. It is safe to call more than once; only the
// first call has effect. In-flight store/read operations are not cancelled
// — callers that want bounded latency around Close should stop issuing new
// operations first.
func (r *ReliableDispatch) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.shutdown)
	select {
	case <-r.done:
	case <-time.After(r.tickInterval + 5*time.Second):
		level.Warn(r.logger).Log("msg", "lifecycle task did not exit promptly on close", "topic", r.topicName)
	}
	return nil
}

// runLifecycle wakes on a fixed interval and reclaims segments under the
// configured retention policy, until a shutdown signal arrives.
func (r *ReliableDispatch) runLifecycle() {
	defer close(r.done)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runLifecycleTick()
		case <-r.shutdown:
			return
		}
	}
}

func (r *ReliableDispatch) runLifecycleTick() {
	switch r.retentionPolicy {
	case RetainUntilAck:
		r.cleanupAcknowledgedSegments()
	case RetainUntilExpire:
		r.cleanupExpiredSegments()
	}
}

// cleanupAcknowledgedSegments implements RetainUntilAck: every closed
// segment whose id is <= the minimum cursor across all subscriptions is
// reclaimed. With no subscriptions, min_ack is noSegmentAcked and nothing is
// eligible — an empty subscription set can never authorize reclamation.
func (r *ReliableDispatch) cleanupAcknowledgedSegments() {
	minAck := r.minAcknowledged()
	if minAck == noSegmentAcked {
		return
	}
	ids := r.topicStore.segmentsEligibleForAck(minAck)
	if n := r.topicStore.reclaimSegments(ids); n > 0 {
		r.topicStore.metrics.segmentsReclaimed.WithLabelValues(RetainUntilAck.String()).Add(float64(n))
	}
}

// cleanupExpiredSegments implements RetainUntilExpire: every closed segment
// that has been closed for at least retention_period is reclaimed,
// regardless of ack state.
func (r *ReliableDispatch) cleanupExpiredSegments() {
	ids := r.topicStore.segmentsEligibleForExpiry(r.now().Unix())
	if n := r.topicStore.reclaimSegments(ids); n > 0 {
		r.topicStore.metrics.segmentsReclaimed.WithLabelValues(RetainUntilExpire.String()).Add(float64(n))
	}
}

func (r *ReliableDispatch) minAcknowledged() int64 {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	min := noSegmentAcked
	first := true
	for _, cursor := range r.subscriptions {
		v := cursor.Load()
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}
