package tags

import (
	"time"

	"github.com/BearBump/TagBox/internal/broker/messages"
	"github.com/BearBump/TagBox/internal/models"
)

func tagEvent(typ string, t *models.Tag, actingUserID *uint64, first bool, at time.Time) messages.TagEvent {
	ev := messages.TagEvent{
		Type:            typ,
		TagID:           t.ID,
		PublicID:        t.PublicID,
		Serial:          t.Serial,
		Channel:         string(t.Channel),
		VetID:           t.VetID,
		ShopID:          t.ShopID,
		OwnerID:         t.OwnerID,
		PetID:           t.PetID,
		ActingUserID:    actingUserID,
		FirstActivation: first,
		OccurredAt:      at.UTC(),
	}
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		ev.ExpiresAt = &exp
	}
	return ev
}

func creditEvent(e *models.CreditEntry, at time.Time) messages.CreditGranted {
	return messages.CreditGranted{
		Type:       messages.TypeCreditGranted,
		EntryID:    e.ID,
		AccountID:  e.AccountID,
		Amount:     e.Amount,
		Reason:     e.Reason,
		TagID:      e.TagID,
		OccurredAt: at.UTC(),
	}
}
