package tags_api

import (
	"time"

	"github.com/BearBump/TagBox/internal/models"
)

type tagView struct {
	ID       uint64 `json:"id"`
	PublicID string `json:"public_id"`
	Serial   string `json:"serial"`
	Category string `json:"category"`

	Channel     string     `json:"channel"`
	VetID       *uint64    `json:"vet_id,omitempty"`
	ShopID      *uint64    `json:"shop_id,omitempty"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`

	PetID   *uint64 `json:"pet_id,omitempty"`
	OwnerID *uint64 `json:"owner_id,omitempty"`

	IsActive         bool       `json:"is_active"`
	FirstActivatedAt *time.Time `json:"first_activated_at,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	ActivationCount  int32      `json:"activation_count"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTagView(t *models.Tag) tagView {
	return tagView{
		ID:               t.ID,
		PublicID:         t.PublicID,
		Serial:           t.Serial,
		Category:         t.Category,
		Channel:          string(t.Channel),
		VetID:            t.VetID,
		ShopID:           t.ShopID,
		AllocatedAt:      t.AllocatedAt,
		PetID:            t.PetID,
		OwnerID:          t.OwnerID,
		IsActive:         t.IsActive,
		FirstActivatedAt: t.FirstActivatedAt,
		ActivatedAt:      t.ActivatedAt,
		ActivationCount:  t.ActivationCount,
		ExpiresAt:        t.ExpiresAt,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

type countersView struct {
	PartnerKind string `json:"partner_kind"`
	PartnerID   uint64 `json:"partner_id"`
	Allocated   int64  `json:"allocated"`
	Sold        int64  `json:"sold"`
}

type creditView struct {
	ID        uint64    `json:"id"`
	AccountID uint64    `json:"account_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	TagID     *uint64   `json:"tag_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type assignmentView struct {
	OwnerID    uint64     `json:"owner_id"`
	VetID      *uint64    `json:"vet_id"`
	Reason     string     `json:"reason,omitempty"`
	Score      float64    `json:"score"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
}
