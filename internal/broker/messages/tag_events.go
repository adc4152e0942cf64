package messages

import "time"

const (
	TypeTagActivated    = "tag.activated"
	TypeTagRenewed      = "tag.renewed"
	TypeTagDeactivated  = "tag.deactivated"
	TypeCreditGranted   = "credit.granted"
	TypeAdvisorAssigned = "advisor.assigned"
)

// TagEvent is published after a committed tag state change.
type TagEvent struct {
	Type     string `json:"type"`
	TagID    uint64 `json:"tag_id"`
	PublicID string `json:"public_id"`
	Serial   string `json:"serial"`
	Channel  string `json:"channel"`

	VetID   *uint64 `json:"vet_id,omitempty"`
	ShopID  *uint64 `json:"shop_id,omitempty"`
	OwnerID *uint64 `json:"owner_id,omitempty"`
	PetID   *uint64 `json:"pet_id,omitempty"`

	ActingUserID    *uint64    `json:"acting_user_id,omitempty"`
	FirstActivation bool       `json:"first_activation,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

type CreditGranted struct {
	Type       string    `json:"type"`
	EntryID    uint64    `json:"entry_id"`
	AccountID  uint64    `json:"account_id"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	TagID      *uint64   `json:"tag_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AdvisorAssigned struct {
	Type       string    `json:"type"`
	OwnerID    uint64    `json:"owner_id"`
	VetID      *uint64   `json:"vet_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OwnerLocationChanged is consumed by the worker to re-run advisor assignment.
// Neighborhood moves together with District; nil clears it.
type OwnerLocationChanged struct {
	OwnerID      uint64    `json:"owner_id"`
	Province     string    `json:"province,omitempty"`
	District     string    `json:"district,omitempty"`
	Neighborhood *string   `json:"neighborhood,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
}
