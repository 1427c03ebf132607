// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestDispatch(t *testing.T, opts ReliableOptions, extra ...ReliableDispatchOption) *ReliableDispatch {
	t.Helper()
	cache := NewTopicCache(NewMemoryBackend(), 64, time.Hour)
	options := append([]ReliableDispatchOption{WithRegisterer(prometheus.NewRegistry())}, extra...)
	d := NewReliableDispatch("orders", opts, cache, options...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestReliableDispatchStoreAndConsumeEndToEnd(t *testing.T) {
	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 1, RetentionPolicy: RetainUntilAck})
	require.NoError(t, d.AddSubscription("consumer-a"))

	for i := 0; i < 3; i++ {
		require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("msg")}))
	}

	sub, err := d.NewSubscriptionDispatch("consumer-a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := sub.NextMessage()
		require.NoError(t, err)
		require.False(t, res.Empty)
	}

	res, err := sub.NextMessage()
	require.NoError(t, err)
	require.True(t, res.Empty)
}

func TestReliableDispatchUnknownSubscriptionErrors(t *testing.T) {
	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 1, RetentionPolicy: RetainUntilAck})

	_, err := d.NewSubscriptionDispatch("nope")
	require.Error(t, err)
	var notFound *SubscriptionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReliableDispatchAddSubscriptionIsIdempotent(t *testing.T) {
	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 1, RetentionPolicy: RetainUntilAck})
	require.NoError(t, d.AddSubscription("consumer-a"))

	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("msg")}))
	sub, err := d.NewSubscriptionDispatch("consumer-a")
	require.NoError(t, err)
	_, err = sub.NextMessage()
	require.NoError(t, err)
	sub.Acknowledge(0)

	require.NoError(t, d.AddSubscription("consumer-a"))

	d.subMu.RLock()
	cursor := d.subscriptions["consumer-a"]
	d.subMu.RUnlock()
	require.Equal(t, int64(0), cursor.Load(), "re-adding an existing subscription must not reset its progress")
}

func TestReliableDispatchRetainUntilAckReclaimsOnlyAfterAllAck(t *testing.T) {
	clock := int64(1000)
	now := func() time.Time { return time.Unix(clock, 0) }

	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 0, RetentionPolicy: RetainUntilAck},
		WithClock(now), WithTickInterval(5*time.Millisecond))
	d.topicStore.segmentSizeBytes = 1

	require.NoError(t, d.AddSubscription("a"))
	require.NoError(t, d.AddSubscription("b"))

	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("x")}))
	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("y")}))
	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("z")}))

	subA, err := d.NewSubscriptionDispatch("a")
	require.NoError(t, err)
	subB, err := d.NewSubscriptionDispatch("b")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := subA.NextMessage()
		require.NoError(t, err)
		require.False(t, res.Empty)
		subA.Acknowledge(res.Message.MsgID.SegmentID)
	}

	time.Sleep(30 * time.Millisecond)
	_, status, err := d.topicStore.GetNextSegment(nil)
	require.NoError(t, err)
	require.Equal(t, nextSegmentFound, status, "b has not acked anything yet, so nothing may be reclaimed")

	for i := 0; i < 2; i++ {
		res, err := subB.NextMessage()
		require.NoError(t, err)
		require.False(t, res.Empty)
		subB.Acknowledge(res.Message.MsgID.SegmentID)
	}

	time.Sleep(30 * time.Millisecond)
	remaining, status, err := d.topicStore.GetNextSegment(nil)
	require.NoError(t, err)
	require.Equal(t, nextSegmentFound, status)
	require.Equal(t, int64(2), remaining.ID(), "segments 0 and 1 should now be reclaimed")
}

func TestReliableDispatchRetainUntilExpireIgnoresAckState(t *testing.T) {
	clock := int64(1000)
	now := func() time.Time { return time.Unix(atomic.LoadInt64(&clock), 0) }

	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 0, RetentionPolicy: RetainUntilExpire, RetentionPeriodSecs: 5},
		WithClock(now), WithTickInterval(5*time.Millisecond))
	d.topicStore.segmentSizeBytes = 1

	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("x")}))
	require.NoError(t, d.StoreMessage(StreamMessage{Payload: []byte("y")}))

	atomic.StoreInt64(&clock, 1010)
	time.Sleep(30 * time.Millisecond)

	remaining, status, err := d.topicStore.GetNextSegment(nil)
	require.NoError(t, err)
	require.Equal(t, nextSegmentFound, status)
	require.Equal(t, int64(1), remaining.ID(), "segment 0 should expire even though nobody acked it")
}

func TestReliableDispatchCloseIsIdempotentAndRejectsFurtherWrites(t *testing.T) {
	d := newTestDispatch(t, ReliableOptions{SegmentSizeMB: 1, RetentionPolicy: RetainUntilAck})

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.StoreMessage(StreamMessage{Payload: []byte("x")})
	require.ErrorIs(t, err, ErrShuttingDown)

	err = d.AddSubscription("late")
	require.ErrorIs(t, err, ErrShuttingDown)
}
