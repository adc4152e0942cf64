package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/pkg/errors"
)

var errChannelPartner = errors.New("tags_channel_partner check violated")

func (s *Store) SerialExists(ctx context.Context, serial string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.serials[serial]
	return ok, nil
}

func (s *Store) InsertTag(ctx context.Context, t *models.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serials[t.Serial]; ok {
		return storage.ErrSerialTaken
	}
	if !t.Consistent() {
		return errChannelPartner
	}
	t.ID = s.id()
	s.serials[t.Serial] = t.ID
	s.tags[t.ID] = t.Clone()
	return nil
}

func (s *Store) GetTag(ctx context.Context, id uint64) (*models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) GetAccount(ctx context.Context, id uint64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) GetPet(ctx context.Context, id uint64) (*models.Pet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) ListExpiredTags(ctx context.Context, now time.Time, after *storage.ExpiryKey, limit int) ([]storage.ExpiryKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []storage.ExpiryKey
	for _, t := range s.tags {
		if !t.IsActive || !t.Expired(now) {
			continue
		}
		k := storage.ExpiryKey{ID: t.ID, ExpiresAt: *t.ExpiresAt}
		if after != nil && !k.After(*after) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[j].After(keys[i]) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *Store) GetAllocationCounters(ctx context.Context, p models.PartnerRef) (models.AllocationCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.Kind {
	case models.PartnerVet:
		if v, ok := s.vets[p.ID]; ok {
			return models.AllocationCounters{Partner: p, Allocated: v.AllocatedCount, Sold: v.SoldCount}, nil
		}
	case models.PartnerShop:
		if sh, ok := s.shops[p.ID]; ok {
			return models.AllocationCounters{Partner: p, Allocated: sh.AllocatedCount, Sold: sh.SoldCount}, nil
		}
	}
	return models.AllocationCounters{}, storage.ErrNotFound
}

func (s *Store) ListCredits(ctx context.Context, accountID uint64, limit, offset int) ([]*models.CreditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var out []*models.CreditEntry
	for i := len(s.credits) - 1; i >= 0; i-- {
		e := s.credits[i]
		if e.AccountID != accountID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// WithTagLock runs fn with the tag locked. Writes are staged on the tx and
// applied only if fn returns nil.
func (s *Store) WithTagLock(ctx context.Context, tagID uint64, fn func(tx storage.TagTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return storage.ErrNotFound
	}
	tx := &tagTx{
		s:         s,
		tag:       t.Clone(),
		allocated: make(map[models.PartnerRef]int64),
		sold:      make(map[models.PartnerRef]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type tagTx struct {
	s   *Store
	tag *models.Tag

	saved     *models.Tag
	allocated map[models.PartnerRef]int64
	sold      map[models.PartnerRef]int64
	credits   []*models.CreditEntry
}

func (tx *tagTx) Tag() *models.Tag { return tx.tag.Clone() }

func (tx *tagTx) SaveTag(ctx context.Context, t *models.Tag) error {
	if t.ID != tx.tag.ID {
		return errors.New("save of a tag outside the lock")
	}
	if !t.Consistent() {
		return errChannelPartner
	}
	tx.saved = t.Clone()
	return nil
}

func (tx *tagTx) AdjustAllocated(ctx context.Context, p models.PartnerRef, delta int64) error {
	if !tx.s.partnerExists(p) {
		return errors.Wrapf(storage.ErrNotFound, "partner %s", p)
	}
	tx.allocated[p] += delta
	return nil
}

func (tx *tagTx) IncrementSold(ctx context.Context, p models.PartnerRef) error {
	if !tx.s.partnerExists(p) {
		return errors.Wrapf(storage.ErrNotFound, "partner %s", p)
	}
	tx.sold[p]++
	return nil
}

func (tx *tagTx) PartnerAccountID(ctx context.Context, p models.PartnerRef) (uint64, error) {
	switch p.Kind {
	case models.PartnerVet:
		if v, ok := tx.s.vets[p.ID]; ok {
			return v.AccountID, nil
		}
	case models.PartnerShop:
		if sh, ok := tx.s.shops[p.ID]; ok {
			return sh.AccountID, nil
		}
	}
	return 0, errors.Wrapf(storage.ErrNotFound, "partner %s", p)
}

func (tx *tagTx) AppendCredit(ctx context.Context, e *models.CreditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.s.now().UTC()
	}
	tx.credits = append(tx.credits, e)
	return nil
}

func (tx *tagTx) commit() {
	s := tx.s
	if tx.saved != nil {
		tx.saved.UpdatedAt = s.now().UTC()
		s.tags[tx.saved.ID] = tx.saved
	}
	for p, d := range tx.allocated {
		switch p.Kind {
		case models.PartnerVet:
			s.vets[p.ID].AllocatedCount += d
		case models.PartnerShop:
			s.shops[p.ID].AllocatedCount += d
		}
	}
	for p, d := range tx.sold {
		switch p.Kind {
		case models.PartnerVet:
			s.vets[p.ID].SoldCount += d
		case models.PartnerShop:
			s.shops[p.ID].SoldCount += d
		}
	}
	for _, e := range tx.credits {
		e.ID = s.id()
		c := *e
		s.credits = append(s.credits, &c)
	}
}

func (s *Store) partnerExists(p models.PartnerRef) bool {
	switch p.Kind {
	case models.PartnerVet:
		_, ok := s.vets[p.ID]
		return ok
	case models.PartnerShop:
		_, ok := s.shops[p.ID]
		return ok
	}
	return false
}
