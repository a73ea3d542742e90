// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package durablelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dreamsxin/opstore/internal/types"
	bolt "go.etcd.io/bbolt"
)

var framesBucket = []byte("frames")

// Bolt is a DurableLog backed by a single go.etcd.io/bbolt database file.
// Each call to Append writes one key/value record into framesBucket, keyed
// by the big-endian encoding of its assigned sequence number, giving the
// processor a real persistent backend.
type Bolt struct {
	mu sync.Mutex

	db      *bolt.DB
	nextSeq uint64
	closed  bool
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// prepares it as a DurableLog, recovering nextSeq from the highest key
// already present in framesBucket.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opstore: open bolt durable log: %w", err)
	}

	b := &Bolt{db: db, nextSeq: 1}
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(framesBucket)
		if err != nil {
			return err
		}
		if k, _ := bucket.Cursor().Last(); k != nil {
			b.nextSeq = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opstore: init bolt durable log: %w", err)
	}
	return b, nil
}

// Append assigns a sequence number synchronously (under b.mu, guaranteeing
// strictly increasing order across calls) and commits the bbolt
// transaction on a background goroutine, delivering the result on the
// returned channel once durable.
func (b *Bolt) Append(ctx context.Context, p []byte) (types.LogAddress, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return types.LogAddress{}, nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.LogAddress{}, nil, fmt.Errorf("%w: durable log closed", types.ErrIO)
	}
	seq := b.nextSeq
	b.nextSeq++
	b.mu.Unlock()

	cp := make([]byte, len(p))
	copy(cp, p)

	done := make(chan error, 1)
	go func() {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)

		err := b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(framesBucket).Put(key[:], cp)
		})
		if err != nil {
			done <- fmt.Errorf("%w: %v", types.ErrIO, err)
			return
		}
		done <- nil
	}()

	return types.LogAddress{Sequence: seq, Physical: seq}, done, nil
}

func (b *Bolt) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}

// Record reads back the frame bytes stored at seq, for recovery readers or
// tests. Returns nil if nothing is stored at that sequence.
func (b *Bolt) Record(seq uint64) ([]byte, error) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)

	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(framesBucket).Get(key[:])
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}
