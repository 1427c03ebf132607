// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dispatchMetrics struct {
	messagesStored       prometheus.Counter
	messageBytesStored   prometheus.Counter
	messagesRead         prometheus.Counter
	segmentRollovers     prometheus.Counter
	segmentsReclaimed    *prometheus.CounterVec
	reclaimFailures      prometheus.Counter
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
}

func newDispatchMetrics(reg prometheus.Registerer, topicName string) *dispatchMetrics {
	constLabels := prometheus.Labels{"topic": topicName}
	return &dispatchMetrics{
		messagesStored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "messages_stored_total",
			Help:        "messages_stored_total counts messages accepted by store_message.",
			ConstLabels: constLabels,
		}),
		messageBytesStored: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "message_bytes_stored_total",
			Help:        "message_bytes_stored_total counts the approximate wire bytes of stored messages.",
			ConstLabels: constLabels,
		}),
		messagesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "messages_read_total",
			Help:        "messages_read_total counts messages returned to subscription dispatchers.",
			ConstLabels: constLabels,
		}),
		segmentRollovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "segment_rollovers_total",
			Help:        "segment_rollovers_total counts how many times the writable segment was rolled over.",
			ConstLabels: constLabels,
		}),
		segmentsReclaimed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "segments_reclaimed_total",
			Help:        "segments_reclaimed_total counts segments removed by the lifecycle task, by policy.",
			ConstLabels: constLabels,
		}, []string{"policy"}),
		reclaimFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "segment_reclaim_failures_total",
			Help:        "segment_reclaim_failures_total counts backend errors during segment reclamation, retried next tick.",
			ConstLabels: constLabels,
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "topic_cache_hits_total",
			Help:        "topic_cache_hits_total counts read-path segment lookups served from the memory tier.",
			ConstLabels: constLabels,
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "topic_cache_misses_total",
			Help:        "topic_cache_misses_total counts read-path segment lookups that missed the memory tier and were served from the backend.",
			ConstLabels: constLabels,
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "last_segment_age_seconds",
			Help:        "last_segment_age_seconds is set each time a segment closes, to the seconds between its creation and its close.",
			ConstLabels: constLabels,
		}),
	}
}
