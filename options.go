// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// RetentionPolicy selects how the lifecycle task reclaims closed segments.
type RetentionPolicy int

const (
	// RetainUntilAck reclaims a closed segment once its id is <= every
	// subscription's acknowledged cursor.
	RetainUntilAck RetentionPolicy = iota
	// RetainUntilExpire reclaims a closed segment once it has been closed
	// for at least RetentionPeriodSecs, regardless of ack state.
	RetainUntilExpire
)

func (p RetentionPolicy) String() string {
	switch p {
	case RetainUntilAck:
		return "retain_until_ack"
	case RetainUntilExpire:
		return "retain_until_expire"
	default:
		return "unknown"
	}
}

// ReliableOptions configures a ReliableDispatch.
type ReliableOptions struct {
	// SegmentSizeMB is the threshold, in megabytes of raw payload bytes, at
	// which a segment is closed and rolled over.
	SegmentSizeMB int
	// RetentionPolicy selects RetainUntilAck or RetainUntilExpire.
	RetentionPolicy RetentionPolicy
	// RetentionPeriodSecs is used only by RetainUntilExpire.
	RetentionPeriodSecs int64
}

func (o ReliableOptions) segmentSizeBytes() int {
	return o.SegmentSizeMB * 1024 * 1024
}

// lifecycleTickInterval is the fixed interval the lifecycle task wakes on.
const lifecycleTickInterval = 10 * time.Second

// ReliableDispatchOption customizes construction of a ReliableDispatch,
// following the functional-options pattern this package's ancestor uses for
// its own WAL constructor.
type ReliableDispatchOption func(*ReliableDispatch)

// WithLogger sets the go-kit logger used by the dispatch and its lifecycle
// task. Defaults to a no-op logger.
func WithLogger(logger log.Logger) ReliableDispatchOption {
	return func(r *ReliableDispatch) { r.logger = logger }
}

// WithRegisterer sets the prometheus.Registerer metrics are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) ReliableDispatchOption {
	return func(r *ReliableDispatch) { r.registerer = reg }
}

// WithClock overrides the time source used for segment close times and
// reclamation age checks. Intended for tests.
func WithClock(now func() time.Time) ReliableDispatchOption {
	return func(r *ReliableDispatch) { r.now = now }
}

// WithTickInterval overrides the lifecycle task's wake interval. Intended
// for tests; production callers should rely on the 10s default.
func WithTickInterval(d time.Duration) ReliableDispatchOption {
	return func(r *ReliableDispatch) { r.tickInterval = d }
}
