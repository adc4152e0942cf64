package models

import "time"

// Channel is the sales route a tag is allocated through.
type Channel string

const (
	ChannelUnallocated Channel = "UNALLOCATED"
	ChannelOnline      Channel = "ONLINE"
	ChannelVet         Channel = "VET"
	ChannelShop        Channel = "SHOP"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelUnallocated, ChannelOnline, ChannelVet, ChannelShop:
		return true
	}
	return false
}

const TagCategoryStandard = "STANDARD"

type Tag struct {
	ID       uint64
	PublicID string
	Serial   string
	Category string

	Channel     Channel
	VetID       *uint64
	ShopID      *uint64
	AllocatedAt *time.Time

	PetID   *uint64
	OwnerID *uint64

	IsActive         bool
	FirstActivatedAt *time.Time
	ActivatedAt      *time.Time
	ActivationCount  int32
	ExpiresAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Partner returns the partner the tag is allocated to, nil for Online/Unallocated.
func (t *Tag) Partner() *PartnerRef {
	switch {
	case t.VetID != nil:
		return &PartnerRef{Kind: PartnerVet, ID: *t.VetID}
	case t.ShopID != nil:
		return &PartnerRef{Kind: PartnerShop, ID: *t.ShopID}
	}
	return nil
}

// Consistent reports whether channel and partner fields agree.
func (t *Tag) Consistent() bool {
	switch t.Channel {
	case ChannelVet:
		return t.VetID != nil && t.ShopID == nil
	case ChannelShop:
		return t.ShopID != nil && t.VetID == nil
	case ChannelOnline, ChannelUnallocated:
		return t.VetID == nil && t.ShopID == nil
	}
	return false
}

func (t *Tag) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

func (t *Tag) Clone() *Tag {
	c := *t
	c.VetID = cloneID(t.VetID)
	c.ShopID = cloneID(t.ShopID)
	c.PetID = cloneID(t.PetID)
	c.OwnerID = cloneID(t.OwnerID)
	c.AllocatedAt = cloneTime(t.AllocatedAt)
	c.FirstActivatedAt = cloneTime(t.FirstActivatedAt)
	c.ActivatedAt = cloneTime(t.ActivatedAt)
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	return &c
}

func cloneID(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
