package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrHoldTimeout is returned by Do when the critical section outlived
// the resource's hold timeout.
var ErrHoldTimeout = errors.New("session: hold timeout exceeded")

// LockStats are the instrumented counters of a Resource.
type LockStats struct {
	Acquired   int64 `json:"acquired"`
	Released   int64 `json:"released"`
	Holders    int64 `json:"holders"`
	MaxHolders int64 `json:"max_holders"`
}

// Resource guards the single Client. Do is the only way to reach it.
// Acquisition is not fair.
type Resource struct {
	client      Client
	sem         chan struct{}
	holdTimeout time.Duration

	acquired   atomic.Int64
	released   atomic.Int64
	holders    atomic.Int64
	maxHolders atomic.Int64
}

// NewResource wraps client. holdTimeout bounds every critical section;
// zero means 15s.
func NewResource(client Client, holdTimeout time.Duration) *Resource {
	if holdTimeout <= 0 {
		holdTimeout = 15 * time.Second
	}
	return &Resource{
		client:      client,
		sem:         make(chan struct{}, 1),
		holdTimeout: holdTimeout,
	}
}

// Do acquires the resource, runs fn with the client, and releases the
// resource when fn returns. Waiting for the resource is cancelled with
// ctx. The ctx passed to fn expires after the hold timeout, so blocking
// client calls inside fn give up instead of holding the lock forever.
func (r *Resource) Do(ctx context.Context, fn func(ctx context.Context, c Client) error) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.acquired.Add(1)
	n := r.holders.Add(1)
	for {
		cur := r.maxHolders.Load()
		if n <= cur || r.maxHolders.CompareAndSwap(cur, n) {
			break
		}
	}
	defer func() {
		r.holders.Add(-1)
		r.released.Add(1)
		<-r.sem
	}()

	holdCtx, cancel := context.WithTimeout(ctx, r.holdTimeout)
	defer cancel()

	err := fn(holdCtx, r.client)
	if ctx.Err() == nil && errors.Is(holdCtx.Err(), context.DeadlineExceeded) {
		if err == nil {
			return ErrHoldTimeout
		}
		return fmt.Errorf("%w: %w", ErrHoldTimeout, err)
	}
	return err
}

// Stats returns a snapshot of the lock counters.
func (r *Resource) Stats() LockStats {
	return LockStats{
		Acquired:   r.acquired.Load(),
		Released:   r.released.Load(),
		Holders:    r.holders.Load(),
		MaxHolders: r.maxHolders.Load(),
	}
}
