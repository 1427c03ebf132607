// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package reliabledispatch

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// gobSegment is the on-disk encoding of a Segment: the unexported fields of
// Segment aren't visible to encoding/gob, so BoltBackend marshals through
// this plain mirror struct instead of the Segment type itself.
type gobSegment struct {
	ID         int64
	Messages   []StreamMessage
	ByteSize   int
	NextOffset uint64
	CloseTime  int64
	CreateTime int64
}

// BoltBackend is a pluggable, on-disk StorageBackend built on
// go.etcd.io/bbolt. Each topic gets its own bucket; segment ids are encoded
// as 20-digit zero-padded decimal text so bolt's native key ordering matches
// segment order for non-negative ids, which is
// incidental to this backend's contract (StorageBackend never iterates) but
// keeps the file browsable with bbolt's inspection tools.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if absent) a bbolt-backed StorageBackend
// at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, newStorageError("bolt-open", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close releases the underlying bbolt database handle.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func boltKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// GetSegment implements StorageBackend.
func (b *BoltBackend) GetSegment(topic string, id int64) (*Segment, error) {
	var gs *gobSegment
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(topic))
		if bkt == nil {
			return nil
		}
		raw := bkt.Get(boltKey(id))
		if raw == nil {
			return nil
		}
		var decoded gobSegment
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err != nil {
			return err
		}
		gs = &decoded
		return nil
	})
	if err != nil {
		return nil, newStorageError("bolt-get", err)
	}
	if gs == nil {
		return nil, nil
	}
	return &Segment{
		id:         gs.ID,
		messages:   gs.Messages,
		byteSize:   gs.ByteSize,
		nextOffset: gs.NextOffset,
		closeTime:  gs.CloseTime,
		createTime: gs.CreateTime,
	}, nil
}

// PutSegment implements StorageBackend.
func (b *BoltBackend) PutSegment(topic string, id int64, segment *Segment) error {
	snap := segment.Clone()
	gs := gobSegment{
		ID:         snap.id,
		Messages:   snap.messages,
		ByteSize:   snap.byteSize,
		NextOffset: snap.nextOffset,
		CloseTime:  snap.closeTime,
		CreateTime: snap.createTime,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gs); err != nil {
		return newStorageError("bolt-encode", err)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(topic))
		if err != nil {
			return err
		}
		return bkt.Put(boltKey(id), buf.Bytes())
	})
	if err != nil {
		return newStorageError("bolt-put", err)
	}
	return nil
}

// RemoveSegment implements StorageBackend. Deleting an unknown key, or a key
// in a bucket that doesn't exist, is success.
func (b *BoltBackend) RemoveSegment(topic string, id int64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(topic))
		if bkt == nil {
			return nil
		}
		err := bkt.Delete(boltKey(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return newStorageError("bolt-remove", err)
	}
	return nil
}
