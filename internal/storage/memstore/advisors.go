package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
)

func (s *Store) GetOwner(ctx context.Context, id uint64) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOwner(o), nil
}

func (s *Store) GetVeterinarian(ctx context.Context, id uint64) (*models.Veterinarian, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *v
	return &out, nil
}

func (s *Store) ListActiveVeterinarians(ctx context.Context, scope models.LocationScope) ([]*models.Veterinarian, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Veterinarian
	for _, v := range s.vets {
		if v.IsActive && scope.Matches(v.Province, v.District) {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) LatestVetPurchase(ctx context.Context, ownerID uint64) (*models.VetPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.VetPurchase
	for _, t := range s.tags {
		if t.Channel != models.ChannelVet || t.VetID == nil {
			continue
		}
		o, ok := s.ownerOfTag(t)
		if !ok || o.ID != ownerID {
			continue
		}
		at := t.FirstActivatedAt
		if at == nil {
			at = t.ActivatedAt
		}
		if at == nil {
			continue
		}
		if best == nil || at.After(best.ActivatedAt) || (at.Equal(best.ActivatedAt) && t.ID > best.TagID) {
			best = &models.VetPurchase{TagID: t.ID, VetID: *t.VetID, ActivatedAt: *at}
		}
	}
	return best, nil
}

func (s *Store) CountQualifyingSales(ctx context.Context, vetID uint64, scope models.LocationScope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.tags {
		if t.Channel != models.ChannelVet || t.VetID == nil || *t.VetID != vetID || t.FirstActivatedAt == nil {
			continue
		}
		o, ok := s.ownerOfTag(t)
		if !ok || !scope.Matches(o.Province, o.District) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) QualifyingActiveCounts(ctx context.Context, district string) (map[uint64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint64]int64)
	for _, v := range s.vets {
		if v.IsActive && v.District == district {
			out[v.ID] = 0
		}
	}
	for _, t := range s.tags {
		if t.Channel != models.ChannelVet || t.VetID == nil || t.FirstActivatedAt == nil || !t.IsActive {
			continue
		}
		if _, ok := out[*t.VetID]; ok {
			out[*t.VetID]++
		}
	}
	return out, nil
}

func (s *Store) CountAdvisedOwners(ctx context.Context, vetID uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.owners {
		if o.AdvisorVetID != nil && *o.AdvisorVetID == vetID {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetOwnerAdvisor(ctx context.Context, ownerID uint64, vetID *uint64, reason *models.AdvisorReason, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	if !ok {
		return storage.ErrNotFound
	}
	o.AdvisorVetID = nil
	if vetID != nil {
		id := *vetID
		o.AdvisorVetID = &id
	}
	o.AdvisorReason = nil
	if reason != nil {
		r := *reason
		o.AdvisorReason = &r
	}
	o.AdvisorAssignedAt = nil
	if at != nil {
		ts := *at
		o.AdvisorAssignedAt = &ts
	}
	return nil
}

func cloneOwner(o *models.Owner) *models.Owner {
	c := *o
	if o.Neighborhood != nil {
		n := *o.Neighborhood
		c.Neighborhood = &n
	}
	if o.AdvisorVetID != nil {
		id := *o.AdvisorVetID
		c.AdvisorVetID = &id
	}
	if o.AdvisorAssignedAt != nil {
		at := *o.AdvisorAssignedAt
		c.AdvisorAssignedAt = &at
	}
	if o.AdvisorReason != nil {
		r := *o.AdvisorReason
		c.AdvisorReason = &r
	}
	return &c
}
