package storage

import (
	"context"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrSerialTaken = errors.New("serial already taken")
)

// ExpiryKey is a position in the (expires_at, id) order of expired tags.
type ExpiryKey struct {
	ID        uint64
	ExpiresAt time.Time
}

// After reports whether k sorts strictly after other.
func (k ExpiryKey) After(other ExpiryKey) bool {
	if !k.ExpiresAt.Equal(other.ExpiresAt) {
		return k.ExpiresAt.After(other.ExpiresAt)
	}
	return k.ID > other.ID
}

// TagTx is a unit of work that holds an exclusive lock on a single tag row.
// Every write made through it is committed together with the tag, or not at all.
type TagTx interface {
	// Tag returns the locked row as read at the start of the unit of work.
	Tag() *models.Tag
	SaveTag(ctx context.Context, t *models.Tag) error
	// AdjustAllocated applies a relative change to the partner's allocated counter.
	AdjustAllocated(ctx context.Context, p models.PartnerRef, delta int64) error
	IncrementSold(ctx context.Context, p models.PartnerRef) error
	PartnerAccountID(ctx context.Context, p models.PartnerRef) (uint64, error)
	AppendCredit(ctx context.Context, e *models.CreditEntry) error
}
