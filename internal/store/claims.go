package store

import (
	"context"
	"time"
)

// ClaimStore is implemented by Store and Memory.
type ClaimStore interface {
	TryAcquire(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error)
	Release(ctx context.Context, id, owner string) error
}

// Claimer binds an owner and lease to a ClaimStore.
type Claimer struct {
	store ClaimStore
	owner string
	lease time.Duration
}

// NewClaimer returns a claimer that marks articles in-flight in the article table.
func NewClaimer(s ClaimStore, owner string, lease time.Duration) *Claimer {
	return &Claimer{store: s, owner: owner, lease: lease}
}

func (c *Claimer) TryAcquire(ctx context.Context, id string, now time.Time) (bool, error) {
	return c.store.TryAcquire(ctx, id, c.owner, now, c.lease)
}

func (c *Claimer) Release(ctx context.Context, id string) error {
	return c.store.Release(ctx, id, c.owner)
}
