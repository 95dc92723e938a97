package sip

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/zenvoice/sipcore/internal/syncutil"
)

// TransactionStore is a storage of active transactions keyed by the
// transaction key built from the message top Via, CSeq and sent-by.
//
// Implementations must be safe for concurrent use.
type TransactionStore[K comparable, T any] interface {
	// Store adds the transaction under the given key.
	// It fails with [ErrTransactionExists] when a live transaction
	// already occupies the key.
	Store(ctx context.Context, key K, tx T) error
	// Load returns the transaction stored under the given key
	// or [ErrTransactionNotFound].
	Load(ctx context.Context, key K) (T, error)
	// Delete removes the transaction stored under the given key.
	Delete(ctx context.Context, key K) error
	// All returns an iterator over all stored transactions.
	All(ctx context.Context) (iter.Seq2[K, T], error)
}

// MemoryTransactionStoreOptions are the options for a memory transaction store.
type MemoryTransactionStoreOptions struct {
	// Capacity limits the number of live transactions in the store.
	// Zero means no limit.
	Capacity uint
	// TombstoneGrace is how long a deleted transaction key keeps absorbing
	// late retransmissions before the key can be reused.
	// Zero disables tombstones.
	TombstoneGrace time.Duration
}

func (o *MemoryTransactionStoreOptions) capacity() uint {
	if o == nil {
		return 0
	}
	return o.Capacity
}

func (o *MemoryTransactionStoreOptions) tombGrace() time.Duration {
	if o == nil {
		return DefaultTombstoneGrace
	}
	return o.TombstoneGrace
}

// DefaultTombstoneGrace is the default tombstone lifetime,
// matching the maximum transaction absorption window on unreliable transports.
const DefaultTombstoneGrace = 32 * time.Second

// NewMemoryTransactionStore creates an in-memory [TransactionStore]
// with default options.
func NewMemoryTransactionStore[K comparable, T any]() TransactionStore[K, T] {
	return NewMemoryTransactionStoreWithOptions[K, T](nil)
}

// NewMemoryTransactionStoreWithOptions creates an in-memory [TransactionStore].
// Deleted keys are tombstoned for the configured grace period, so a late
// retransmission of a finished transaction resolves to
// [ErrTransactionTerminated] instead of spawning a new transaction.
func NewMemoryTransactionStoreWithOptions[K comparable, T any](opts *MemoryTransactionStoreOptions) TransactionStore[K, T] {
	s := &memTransactStore[K, T]{
		txs:       syncutil.NewShardMap[K, memTransactEntry[T]](0),
		cap:       opts.capacity(),
		tombGrace: opts.tombGrace(),
	}
	s.lastSweep.Store(time.Now().UnixNano())
	return s
}

type memTransactEntry[T any] struct {
	tx T
	// deadTime is non-zero for tombstones.
	deadTime time.Time
}

type memTransactStore[K comparable, T any] struct {
	txs       *syncutil.ShardMap[K, memTransactEntry[T]]
	cap       uint
	tombGrace time.Duration
	live      atomic.Int64
	lastSweep atomic.Int64
}

func (s *memTransactStore[K, T]) Store(_ context.Context, key K, tx T) error {
	s.maybeSweep()

	if s.cap > 0 && uint(s.live.Load()) >= s.cap {
		return errtrace.Wrap(ErrTransactionLimitReached)
	}

	for {
		ent, ok := s.txs.SetIfAbsent(key, memTransactEntry[T]{tx: tx})
		if ok {
			s.live.Add(1)
			return nil
		}
		if ent.deadTime.IsZero() {
			return errtrace.Wrap(ErrTransactionExists)
		}
		// expired or not, a new transaction takes over the tombstoned key
		s.txs.Del(key)
	}
}

func (s *memTransactStore[K, T]) Load(_ context.Context, key K) (T, error) {
	ent, ok := s.txs.Get(key)
	if !ok {
		var zero T
		return zero, errtrace.Wrap(ErrTransactionNotFound)
	}
	if !ent.deadTime.IsZero() {
		var zero T
		if time.Since(ent.deadTime) > s.tombGrace {
			s.txs.Del(key)
			return zero, errtrace.Wrap(ErrTransactionNotFound)
		}
		return zero, errtrace.Wrap(ErrTransactionTerminated)
	}
	return ent.tx, nil
}

func (s *memTransactStore[K, T]) Delete(_ context.Context, key K) error {
	ent, ok := s.txs.Get(key)
	if !ok || !ent.deadTime.IsZero() {
		return errtrace.Wrap(ErrTransactionNotFound)
	}

	if s.tombGrace > 0 {
		s.txs.Set(key, memTransactEntry[T]{deadTime: time.Now()})
	} else {
		s.txs.Del(key)
	}
	s.live.Add(-1)
	return nil
}

func (s *memTransactStore[K, T]) All(_ context.Context) (iter.Seq2[K, T], error) {
	return func(yield func(K, T) bool) {
		for key, ent := range s.txs.Items() {
			if !ent.deadTime.IsZero() {
				continue
			}
			if !yield(key, ent.tx) {
				return
			}
		}
	}, nil
}

// maybeSweep drops expired tombstones at most once per grace period.
func (s *memTransactStore[K, T]) maybeSweep() {
	if s.tombGrace <= 0 {
		return
	}

	now := time.Now()
	last := s.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < s.tombGrace {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	for key, ent := range s.txs.Items() {
		if !ent.deadTime.IsZero() && now.Sub(ent.deadTime) > s.tombGrace {
			s.txs.Del(key)
		}
	}
}
