package models

import "time"

type AdvisorReason string

const (
	AdvisorReasonTagPurchase   AdvisorReason = "tag-purchase"
	AdvisorReasonDistrictMatch AdvisorReason = "district-match"
	AdvisorReasonProvinceMatch AdvisorReason = "province-match"
)

type Owner struct {
	ID           uint64
	Name         string
	Province     string
	District     string
	Neighborhood *string

	AdvisorVetID      *uint64
	AdvisorAssignedAt *time.Time
	AdvisorReason     *AdvisorReason

	CreatedAt time.Time
}

type Pet struct {
	ID      uint64
	OwnerID uint64
	Name    string
}

// VetPurchase is the owner's most recent Vet-channel activation.
type VetPurchase struct {
	TagID       uint64
	VetID       uint64
	ActivatedAt time.Time
}

type ScopeLevel string

const (
	ScopeDistrict ScopeLevel = "district"
	ScopeProvince ScopeLevel = "province"
)

// LocationScope selects veterinarians or owners by district or by province.
type LocationScope struct {
	Level ScopeLevel
	Code  string
}

func DistrictScope(district string) LocationScope {
	return LocationScope{Level: ScopeDistrict, Code: district}
}

func ProvinceScope(province string) LocationScope {
	return LocationScope{Level: ScopeProvince, Code: province}
}

func (s LocationScope) Matches(province, district string) bool {
	if s.Level == ScopeDistrict {
		return district == s.Code
	}
	return province == s.Code
}
