package tags

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TagBox/internal/broker/messages"
	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrTagNeverActivated = errors.New("tag was never activated")

type AllocateInput struct {
	Channel      models.Channel
	VetID        *uint64
	ShopID       *uint64
	ActingUserID *uint64
}

type ActivateInput struct {
	TagID        uint64
	ActingUserID *uint64
	PetID        *uint64
}

// ValidateAllocation checks channel/partner consistency before anything is written.
func ValidateAllocation(in AllocateInput) error {
	switch in.Channel {
	case models.ChannelVet:
		if in.VetID == nil || *in.VetID == 0 || in.ShopID != nil {
			return ErrInvalidChannelPartner
		}
	case models.ChannelShop:
		if in.ShopID == nil || *in.ShopID == 0 || in.VetID != nil {
			return ErrInvalidChannelPartner
		}
	case models.ChannelOnline, models.ChannelUnallocated:
		if in.VetID != nil || in.ShopID != nil {
			return ErrInvalidChannelPartner
		}
	default:
		return ErrInvalidChannelPartner
	}
	return nil
}

func (s *Service) Allocate(ctx context.Context, tagID uint64, in AllocateInput) (_ *models.Tag, err error) {
	ctx, span := tracer.Start(ctx, "tags.Allocate", trace.WithAttributes(
		attribute.Int64("tag.id", int64(tagID)),
		attribute.String("tag.channel", string(in.Channel)),
	))
	defer span.End()
	started := time.Now()
	defer func() { s.observe("allocate", started, err) }()

	if err := ValidateAllocation(in); err != nil {
		return nil, err
	}

	var (
		out    *models.Tag
		oldVet *uint64
	)
	err = s.repo.WithTagLock(ctx, tagID, func(tx storage.TagTx) error {
		cur := tx.Tag()
		if in.Channel == models.ChannelUnallocated {
			if cur.Channel != models.ChannelUnallocated {
				return ErrUnallocateForbidden
			}
			out = cur
			return nil
		}

		next := cur.Clone()
		next.Channel = in.Channel
		next.VetID = copyID(in.VetID)
		next.ShopID = copyID(in.ShopID)
		if next.AllocatedAt == nil {
			now := s.now().UTC()
			next.AllocatedAt = &now
		}

		// Переаллокация: старый партнёр -1, новый +1.
		oldP, newP := cur.Partner(), next.Partner()
		if !models.SamePartner(oldP, newP) {
			if oldP != nil {
				if err := tx.AdjustAllocated(ctx, *oldP, -1); err != nil {
					return errors.Wrap(err, "decrement allocated")
				}
			}
			if newP != nil {
				if err := tx.AdjustAllocated(ctx, *newP, 1); err != nil {
					return errors.Wrap(err, "increment allocated")
				}
			}
		}

		if err := tx.SaveTag(ctx, next); err != nil {
			return errors.Wrap(err, "save tag")
		}
		oldVet = cur.VetID
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateVet(ctx, oldVet)
	if !sameID(oldVet, out.VetID) {
		s.invalidateVet(ctx, out.VetID)
	}
	slog.Info("tag allocated", "tag_id", tagID, "channel", out.Channel, "acting_user_id", idAttr(in.ActingUserID))
	return out, nil
}

// Activate sets the tag active. The first activation ever starts the validity
// period, counts a sale and grants the selling partner its reward.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (_ *models.Tag, err error) {
	ctx, span := tracer.Start(ctx, "tags.Activate", trace.WithAttributes(attribute.Int64("tag.id", int64(in.TagID))))
	defer span.End()
	started := time.Now()
	defer func() { s.observe("activate", started, err) }()

	ownerID, err := s.resolveOwner(ctx, in)
	if err != nil {
		return nil, err
	}

	var (
		out     *models.Tag
		changed bool
		first   bool
		credit  *models.CreditEntry
	)
	err = s.repo.WithTagLock(ctx, in.TagID, func(tx storage.TagTx) error {
		cur := tx.Tag()
		if cur.Channel == models.ChannelUnallocated {
			return ErrTagNotAllocated
		}
		if cur.IsActive {
			// проигравший в гонке активаций просто видит активный тег
			out = cur
			return nil
		}
		now := s.now().UTC()
		if cur.Expired(now) {
			return ErrTagExpired
		}

		next := cur.Clone()
		next.IsActive = true
		next.ActivatedAt = &now
		next.ActivationCount++
		if next.PetID == nil && next.OwnerID == nil {
			next.PetID = copyID(in.PetID)
			next.OwnerID = ownerID
		}

		if next.FirstActivatedAt == nil {
			first = true
			expires := now.Add(s.opts.Validity)
			next.FirstActivatedAt = &now
			next.ExpiresAt = &expires

			if p := next.Partner(); p != nil {
				if err := tx.IncrementSold(ctx, *p); err != nil {
					return errors.Wrap(err, "increment sold")
				}
				accountID, err := tx.PartnerAccountID(ctx, *p)
				if err != nil {
					return errors.Wrap(err, "partner account")
				}
				tagID := next.ID
				credit = &models.CreditEntry{
					AccountID: accountID,
					Amount:    s.opts.ActivationReward,
					Reason:    models.CreditReasonTagSale,
					TagID:     &tagID,
					CreatedAt: now,
				}
				if err := tx.AppendCredit(ctx, credit); err != nil {
					return errors.Wrap(err, "append credit")
				}
			}
		}

		if err := tx.SaveTag(ctx, next); err != nil {
			return errors.Wrap(err, "save tag")
		}
		out = next
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return out, nil
	}

	span.SetAttributes(attribute.Bool("tag.first_activation", first))
	slog.Info("tag activated",
		"tag_id", out.ID,
		"first", first,
		"activation_count", out.ActivationCount,
		"acting_user_id", idAttr(in.ActingUserID),
	)
	s.invalidateVet(ctx, out.VetID)
	s.publish(ctx, out.ID, tagEvent(messages.TypeTagActivated, out, in.ActingUserID, first, s.now()))
	if credit != nil {
		s.metrics.IncCreditGranted(credit.Amount)
		s.publish(ctx, out.ID, creditEvent(credit, s.now()))
	}
	return out, nil
}

// Renew restarts the validity period of a previously activated tag and
// activates it again if needed. It never counts a sale.
func (s *Service) Renew(ctx context.Context, tagID uint64, actingUserID *uint64) (_ *models.Tag, err error) {
	ctx, span := tracer.Start(ctx, "tags.Renew", trace.WithAttributes(attribute.Int64("tag.id", int64(tagID))))
	defer span.End()
	started := time.Now()
	defer func() { s.observe("renew", started, err) }()

	var out *models.Tag
	err = s.repo.WithTagLock(ctx, tagID, func(tx storage.TagTx) error {
		cur := tx.Tag()
		if cur.Channel == models.ChannelUnallocated {
			return ErrTagNotAllocated
		}
		if cur.FirstActivatedAt == nil {
			return ErrTagNeverActivated
		}
		now := s.now().UTC()
		expires := now.Add(s.opts.Validity)

		next := cur.Clone()
		next.ExpiresAt = &expires
		if !next.IsActive {
			next.IsActive = true
			next.ActivatedAt = &now
			next.ActivationCount++
		}
		if err := tx.SaveTag(ctx, next); err != nil {
			return errors.Wrap(err, "save tag")
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("tag renewed", "tag_id", tagID, "expires_at", out.ExpiresAt, "acting_user_id", idAttr(actingUserID))
	s.invalidateVet(ctx, out.VetID)
	s.publish(ctx, out.ID, tagEvent(messages.TypeTagRenewed, out, actingUserID, false, s.now()))
	return out, nil
}

// Deactivate is idempotent and never touches counters.
func (s *Service) Deactivate(ctx context.Context, tagID uint64, actingUserID *uint64) (_ *models.Tag, err error) {
	ctx, span := tracer.Start(ctx, "tags.Deactivate", trace.WithAttributes(attribute.Int64("tag.id", int64(tagID))))
	defer span.End()
	started := time.Now()
	defer func() { s.observe("deactivate", started, err) }()

	out, _, err := s.deactivate(ctx, tagID, actingUserID, nil)
	return out, err
}

// deactivate flips the active flag under the tag lock. With expiredBefore set
// the tag is only touched if it is still expired at that instant, so a renewal
// that lands between listing and locking wins.
func (s *Service) deactivate(ctx context.Context, tagID uint64, actingUserID *uint64, expiredBefore *time.Time) (*models.Tag, bool, error) {
	var (
		out     *models.Tag
		changed bool
	)
	err := s.repo.WithTagLock(ctx, tagID, func(tx storage.TagTx) error {
		cur := tx.Tag()
		out = cur
		if !cur.IsActive {
			return nil
		}
		if expiredBefore != nil && !cur.Expired(*expiredBefore) {
			return nil
		}
		next := cur.Clone()
		next.IsActive = false
		if err := tx.SaveTag(ctx, next); err != nil {
			return errors.Wrap(err, "save tag")
		}
		out = next
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return out, false, nil
	}

	slog.Info("tag deactivated", "tag_id", tagID, "acting_user_id", idAttr(actingUserID), "expired", expiredBefore != nil)
	s.invalidateVet(ctx, out.VetID)
	s.publish(ctx, out.ID, tagEvent(messages.TypeTagDeactivated, out, actingUserID, false, s.now()))
	return out, true, nil
}

// SweepExpired deactivates every active tag whose expiry is before now.
// Failures on single tags are logged and skipped.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (n int, err error) {
	ctx, span := tracer.Start(ctx, "tags.SweepExpired")
	defer span.End()
	started := time.Now()
	defer func() { s.observe("sweep", started, err) }()

	// курсор идёт по (expires_at, id), упавшие теги остаются позади
	var after *storage.ExpiryKey
	failed := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		keys, err := s.repo.ListExpiredTags(ctx, now, after, s.opts.SweepBatchSize)
		if err != nil {
			return n, errors.Wrap(err, "list expired tags")
		}

		for _, k := range keys {
			_, changed, err := s.deactivate(ctx, k.ID, nil, &now)
			if err != nil {
				slog.Error("sweep deactivate failed", "tag_id", k.ID, "error", err.Error())
				failed++
				continue
			}
			if changed {
				n++
			}
		}
		if len(keys) < s.opts.SweepBatchSize {
			break
		}
		last := keys[len(keys)-1]
		after = &last
	}

	span.SetAttributes(attribute.Int("sweep.deactivated", n), attribute.Int("sweep.failed", failed))
	s.metrics.AddSweepDeactivated(n)
	if n > 0 || failed > 0 {
		slog.Info("expired tags swept", "deactivated", n, "failed", failed)
	}
	return n, nil
}

// resolveOwner finds the owner the tag gets linked to on activation.
func (s *Service) resolveOwner(ctx context.Context, in ActivateInput) (*uint64, error) {
	var actingOwner *uint64
	if in.ActingUserID != nil {
		acc, err := s.repo.GetAccount(ctx, *in.ActingUserID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, errors.Wrap(err, "get acting account")
		case acc.Role == models.RoleOwner:
			actingOwner = acc.OwnerID
		}
	}

	if in.PetID == nil {
		return actingOwner, nil
	}
	pet, err := s.repo.GetPet(ctx, *in.PetID)
	if err != nil {
		return nil, errors.Wrap(err, "get pet")
	}
	if actingOwner != nil && *actingOwner != pet.OwnerID {
		return nil, ErrPetOwnerMismatch
	}
	ownerID := pet.OwnerID
	return &ownerID, nil
}

func copyID(id *uint64) *uint64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameID(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func idAttr(id *uint64) any {
	if id == nil {
		return nil
	}
	return *id
}
