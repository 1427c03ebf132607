// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import "time"

// MessageID identifies a single stored message. ProducerID and TopicSeq are
// filled in by the producer; SegmentID and SegmentOffset are assigned by the
// store on acceptance and are zero on a message that has not yet been
// stored.
type MessageID struct {
	ProducerID    string
	TopicSeq      uint64
	SegmentID     int64
	SegmentOffset uint64
}

// StreamMessage is the opaque payload accepted by the store, plus its
// identifier and optional user attributes. Messages are immutable once
// stored: the store assigns SegmentID/SegmentOffset on its own internal copy
// during StoreMessage, not on the caller's.
type StreamMessage struct {
	MsgID       MessageID
	Payload     []byte
	Attributes  map[string]string
	PublishTime time.Time
}

// approxWireSize estimates the on-wire byte cost of a message for the
// stored-bytes metric: the payload length plus, for each attribute, the key
// and value lengths and 2 bytes of overhead. Segment size accounting does not
// use it; segments count raw payload bytes only.
func (m StreamMessage) approxWireSize() int {
	n := len(m.Payload)
	for k, v := range m.Attributes {
		n += len(k) + len(v) + 2
	}
	return n
}
