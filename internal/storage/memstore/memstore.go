package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
)

// Store keeps every table in memory behind one mutex. A tag unit of work holds
// the mutex for its whole duration, which makes it exclusive for that tag too.
type Store struct {
	mu     sync.Mutex
	nextID uint64

	tags     map[uint64]*models.Tag
	serials  map[string]uint64
	vets     map[uint64]*models.Veterinarian
	shops    map[uint64]*models.Shop
	owners   map[uint64]*models.Owner
	pets     map[uint64]*models.Pet
	accounts map[uint64]*models.Account
	credits  []*models.CreditEntry

	now func() time.Time
}

func New() *Store {
	return &Store{
		tags:     make(map[uint64]*models.Tag),
		serials:  make(map[string]uint64),
		vets:     make(map[uint64]*models.Veterinarian),
		shops:    make(map[uint64]*models.Shop),
		owners:   make(map[uint64]*models.Owner),
		pets:     make(map[uint64]*models.Pet),
		accounts: make(map[uint64]*models.Account),
		now:      time.Now,
	}
}

func (s *Store) Close() {}

func (s *Store) id() uint64 {
	s.nextID++
	return s.nextID
}

// AddVeterinarian stores v with a fresh ID (unless set) and returns it.
func (s *Store) AddVeterinarian(v models.Veterinarian) *models.Veterinarian {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.id()
	}
	if v.AccountID == 0 {
		acc := &models.Account{ID: s.id(), Role: models.RoleVet}
		vetID := v.ID
		acc.VetID = &vetID
		s.accounts[acc.ID] = acc
		v.AccountID = acc.ID
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	s.vets[v.ID] = &v
	out := v
	return &out
}

func (s *Store) AddShop(sh models.Shop) *models.Shop {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.ID == 0 {
		sh.ID = s.id()
	}
	if sh.AccountID == 0 {
		acc := &models.Account{ID: s.id(), Role: models.RoleShop}
		shopID := sh.ID
		acc.ShopID = &shopID
		s.accounts[acc.ID] = acc
		sh.AccountID = acc.ID
	}
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = s.now().UTC()
	}
	s.shops[sh.ID] = &sh
	out := sh
	return &out
}

// AddOwner stores o together with an OWNER account; both are returned.
func (s *Store) AddOwner(o models.Owner) (*models.Owner, *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = s.id()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	s.owners[o.ID] = &o
	ownerID := o.ID
	acc := &models.Account{ID: s.id(), Role: models.RoleOwner, OwnerID: &ownerID}
	s.accounts[acc.ID] = acc

	out, accOut := o, *acc
	return &out, &accOut
}

func (s *Store) AddPet(p models.Pet) *models.Pet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.pets[p.ID] = &p
	out := p
	return &out
}

func (s *Store) AddAccount(a models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.accounts[a.ID] = &a
	out := a
	return &out
}

// UpdateOwnerLocation changes where an owner lives; advisor fields are untouched.
// A nil neighborhood clears the stored one.
func (s *Store) UpdateOwnerLocation(ctx context.Context, ownerID uint64, province, district string, neighborhood *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	if !ok {
		return storage.ErrNotFound
	}
	o.Province = province
	o.District = district
	o.Neighborhood = nil
	if neighborhood != nil {
		n := *neighborhood
		o.Neighborhood = &n
	}
	return nil
}

func (s *Store) SetVeterinarianActive(vetID uint64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vets[vetID]; ok {
		v.IsActive = active
	}
}

// SetAdvisorDirect assigns an advisor bypassing the engine; used to build load in tests.
func (s *Store) SetAdvisorDirect(ownerID, vetID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owners[ownerID]; ok {
		id := vetID
		o.AdvisorVetID = &id
	}
}

// PutTag stores a fully built tag, bypassing the registry; used to seed history.
func (s *Store) PutTag(t models.Tag) *models.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	}
	if t.Serial != "" {
		s.serials[t.Serial] = t.ID
	}
	s.tags[t.ID] = t.Clone()
	return t.Clone()
}

// ownerOfTag resolves a tag's owner through its pet first.
func (s *Store) ownerOfTag(t *models.Tag) (*models.Owner, bool) {
	if t.PetID != nil {
		if p, ok := s.pets[*t.PetID]; ok {
			o, ok := s.owners[p.OwnerID]
			return o, ok
		}
	}
	if t.OwnerID != nil {
		o, ok := s.owners[*t.OwnerID]
		return o, ok
	}
	return nil, false
}
