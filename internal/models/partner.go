package models

import (
	"fmt"
	"time"
)

type PartnerKind string

const (
	PartnerVet  PartnerKind = "VET"
	PartnerShop PartnerKind = "SHOP"
)

// PartnerRef points at a veterinarian or a shop.
type PartnerRef struct {
	Kind PartnerKind
	ID   uint64
}

func (p PartnerRef) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// SamePartner compares two optional partner refs.
func SamePartner(a, b *PartnerRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type AllocationCounters struct {
	Partner   PartnerRef
	Allocated int64
	Sold      int64
}

type Veterinarian struct {
	ID        uint64
	AccountID uint64
	Name      string
	Province  string
	District  string
	IsActive  bool

	AllocatedCount int64
	SoldCount      int64

	CreatedAt time.Time
}

type Shop struct {
	ID        uint64
	AccountID uint64
	Name      string
	Province  string
	District  string

	AllocatedCount int64
	SoldCount      int64

	CreatedAt time.Time
}

type AccountRole string

const (
	RoleOwner AccountRole = "OWNER"
	RoleVet   AccountRole = "VET"
	RoleShop  AccountRole = "SHOP"
	RoleAdmin AccountRole = "ADMIN"
)

// Account is a platform user. Exactly one of the role references is set,
// matching Role; ADMIN has none.
type Account struct {
	ID      uint64
	Role    AccountRole
	OwnerID *uint64
	VetID   *uint64
	ShopID  *uint64
}
