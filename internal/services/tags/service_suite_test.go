package tags

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TagBox/internal/broker/messages"
	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/BearBump/TagBox/internal/storage/memstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	tagsmocks "github.com/BearBump/TagBox/internal/services/tags/mocks"
)

type ServiceSuite struct {
	suite.Suite

	store    *memstore.Store
	producer *tagsmocks.MockProducer
	svc      *Service

	now time.Time

	mu     sync.Mutex
	events []map[string]any

	vet  *models.Veterinarian
	vet2 *models.Veterinarian
	shop *models.Shop
}

func (s *ServiceSuite) SetupTest() {
	s.store = memstore.New()
	s.producer = &tagsmocks.MockProducer{}
	s.events = nil
	s.producer.On("Publish", mock.Anything, "tag.events", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			var m map[string]any
			_ = json.Unmarshal(args.Get(3).([]byte), &m)
			s.mu.Lock()
			s.events = append(s.events, m)
			s.mu.Unlock()
		}).
		Return(nil).
		Maybe()

	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.svc = New(s.store, s.producer, DefaultOptions()).
		WithClock(func() time.Time { return s.now })

	s.vet = s.store.AddVeterinarian(models.Veterinarian{Name: "V1", Province: "34", District: "34-01", IsActive: true})
	s.vet2 = s.store.AddVeterinarian(models.Veterinarian{Name: "V2", Province: "34", District: "34-02", IsActive: true})
	s.shop = s.store.AddShop(models.Shop{Name: "S1", Province: "34", District: "34-01"})
}

func (s *ServiceSuite) newTag() *models.Tag {
	t, err := s.svc.CreateTag(context.Background(), "")
	s.Require().NoError(err)
	return t
}

func (s *ServiceSuite) allocateToVet(tagID, vetID uint64) *models.Tag {
	t, err := s.svc.Allocate(context.Background(), tagID, AllocateInput{Channel: models.ChannelVet, VetID: &vetID})
	s.Require().NoError(err)
	return t
}

func (s *ServiceSuite) counters(kind models.PartnerKind, id uint64) models.AllocationCounters {
	c, err := s.svc.GetAllocationCounters(context.Background(), models.PartnerRef{Kind: kind, ID: id})
	s.Require().NoError(err)
	return c
}

func (s *ServiceSuite) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e["type"].(string))
	}
	return out
}

func (s *ServiceSuite) TestCreateTag_Unallocated() {
	t := s.newTag()
	s.Require().NotZero(t.ID)
	s.Require().NotEmpty(t.PublicID)
	s.Require().Len(t.Serial, 8)
	s.Require().True(ValidSerial(t.Serial))
	s.Require().Equal(models.ChannelUnallocated, t.Channel)
	s.Require().Equal(models.TagCategoryStandard, t.Category)
	s.Require().Nil(t.AllocatedAt)
	s.Require().False(t.IsActive)
}

func (s *ServiceSuite) TestCreateTag_SkipsTakenSerial() {
	s.store.PutTag(models.Tag{Serial: "AAAAAAAA", Channel: models.ChannelUnallocated})

	// первые 8 символов дают занятый серийник, следующие 8: свободный
	seq := make([]int, 16)
	for i := 8; i < 16; i++ {
		seq[i] = 1
	}
	s.svc.WithRand(&seqRand{seq: seq})

	t := s.newTag()
	s.Require().Equal("BBBBBBBB", t.Serial)
}

func (s *ServiceSuite) TestAllocate_InvalidChannelPartner() {
	t := s.newTag()
	vetID, shopID := s.vet.ID, s.shop.ID
	zero := uint64(0)

	cases := []AllocateInput{
		{Channel: models.ChannelVet},
		{Channel: models.ChannelVet, VetID: &vetID, ShopID: &shopID},
		{Channel: models.ChannelVet, VetID: &zero},
		{Channel: models.ChannelShop},
		{Channel: models.ChannelShop, ShopID: &shopID, VetID: &vetID},
		{Channel: models.ChannelOnline, VetID: &vetID},
		{Channel: models.ChannelOnline, ShopID: &shopID},
		{Channel: models.ChannelUnallocated, ShopID: &shopID},
		{Channel: "PARTNER"},
	}
	for _, in := range cases {
		_, err := s.svc.Allocate(context.Background(), t.ID, in)
		s.Require().ErrorIs(err, ErrInvalidChannelPartner, "input %+v", in)
	}

	got, err := s.svc.GetTag(context.Background(), t.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ChannelUnallocated, got.Channel)
	s.Require().Nil(got.AllocatedAt)
	s.Require().Zero(s.counters(models.PartnerVet, s.vet.ID).Allocated)
}

func (s *ServiceSuite) TestAllocate_ReallocationMovesCounters() {
	t := s.newTag()
	first := s.allocateToVet(t.ID, s.vet.ID)
	s.Require().NotNil(first.AllocatedAt)
	allocatedAt := *first.AllocatedAt
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Allocated)

	s.now = s.now.Add(time.Hour)
	second := s.allocateToVet(t.ID, s.vet2.ID)
	s.Require().EqualValues(0, s.counters(models.PartnerVet, s.vet.ID).Allocated)
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet2.ID).Allocated)
	s.Require().True(allocatedAt.Equal(*second.AllocatedAt))

	shopID := s.shop.ID
	third, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelShop, ShopID: &shopID})
	s.Require().NoError(err)
	s.Require().Nil(third.VetID)
	s.Require().EqualValues(0, s.counters(models.PartnerVet, s.vet2.ID).Allocated)
	s.Require().EqualValues(1, s.counters(models.PartnerShop, s.shop.ID).Allocated)

	online, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelOnline})
	s.Require().NoError(err)
	s.Require().True(online.Consistent())
	s.Require().EqualValues(0, s.counters(models.PartnerShop, s.shop.ID).Allocated)
}

func (s *ServiceSuite) TestAllocate_SamePartnerTwiceIsNotAdditive() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	s.allocateToVet(t.ID, s.vet.ID)
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Allocated)
}

func (s *ServiceSuite) TestAllocate_UnknownPartnerRollsBack() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)

	missing := uint64(9999)
	_, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelVet, VetID: &missing})
	s.Require().ErrorIs(err, storage.ErrNotFound)

	got, err := s.svc.GetTag(context.Background(), t.ID)
	s.Require().NoError(err)
	s.Require().Equal(s.vet.ID, *got.VetID)
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Allocated)
}

func (s *ServiceSuite) TestAllocate_CannotUnallocate() {
	t := s.newTag()
	_, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelUnallocated})
	s.Require().NoError(err)

	s.allocateToVet(t.ID, s.vet.ID)
	_, err = s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelUnallocated})
	s.Require().ErrorIs(err, ErrUnallocateForbidden)
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Allocated)
}

func (s *ServiceSuite) TestActivate_NotAllocated() {
	t := s.newTag()
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().ErrorIs(err, ErrTagNotAllocated)
}

func (s *ServiceSuite) TestActivate_MissingTag() {
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: 424242})
	s.Require().ErrorIs(err, storage.ErrNotFound)
}

func (s *ServiceSuite) TestActivate_FirstActivationSideEffects() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)

	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)
	s.Require().True(got.IsActive)
	s.Require().EqualValues(1, got.ActivationCount)
	s.Require().True(s.now.Equal(*got.FirstActivatedAt))
	s.Require().True(s.now.Equal(*got.ActivatedAt))
	s.Require().True(s.now.Add(365 * 24 * time.Hour).Equal(*got.ExpiresAt))

	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Sold)

	credits, err := s.svc.ListCredits(context.Background(), s.vet.AccountID, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(credits, 1)
	s.Require().EqualValues(10, credits[0].Amount)
	s.Require().Equal(models.CreditReasonTagSale, credits[0].Reason)
	s.Require().Equal(t.ID, *credits[0].TagID)

	s.Require().Equal([]string{messages.TypeTagActivated, messages.TypeCreditGranted}, s.eventTypes())
}

func (s *ServiceSuite) TestActivate_AlreadyActiveIsNoop() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)
	s.Require().EqualValues(1, got.ActivationCount)
	s.Require().True(got.ActivatedAt.Before(s.now))
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Sold)
}

func (s *ServiceSuite) TestActivate_ReactivationCountsButDoesNotSellAgain() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	first, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)

	_, err = s.svc.Deactivate(context.Background(), t.ID, nil)
	s.Require().NoError(err)

	s.now = s.now.Add(24 * time.Hour)
	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)
	s.Require().EqualValues(2, got.ActivationCount)
	s.Require().True(first.FirstActivatedAt.Equal(*got.FirstActivatedAt))
	s.Require().True(first.ExpiresAt.Equal(*got.ExpiresAt))
	s.Require().True(s.now.Equal(*got.ActivatedAt))

	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Sold)
	credits, err := s.svc.ListCredits(context.Background(), s.vet.AccountID, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(credits, 1)
}

func (s *ServiceSuite) TestActivate_OnlineHasNoPartnerSideEffects() {
	t := s.newTag()
	_, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelOnline})
	s.Require().NoError(err)

	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)
	s.Require().NotNil(got.FirstActivatedAt)
	s.Require().NotNil(got.ExpiresAt)
	s.Require().Equal([]string{messages.TypeTagActivated}, s.eventTypes())
}

func (s *ServiceSuite) TestActivate_ConcurrentCallersFireSideEffectsOnce() {
	t := s.newTag()
	shopID := s.shop.ID
	_, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelShop, ShopID: &shopID})
	s.Require().NoError(err)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	got, err := s.svc.GetTag(context.Background(), t.ID)
	s.Require().NoError(err)
	s.Require().EqualValues(1, got.ActivationCount)
	s.Require().EqualValues(1, s.counters(models.PartnerShop, s.shop.ID).Sold)

	credits, err := s.svc.ListCredits(context.Background(), s.shop.AccountID, 0, 0)
	s.Require().NoError(err)
	s.Require().Len(credits, 1)
}

func (s *ServiceSuite) TestActivate_LinksPetAndOwner() {
	owner, acc := s.store.AddOwner(models.Owner{Name: "O", Province: "34", District: "34-01"})
	pet := s.store.AddPet(models.Pet{OwnerID: owner.ID, Name: "Boncuk"})

	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID, ActingUserID: &acc.ID, PetID: &pet.ID})
	s.Require().NoError(err)
	s.Require().Equal(pet.ID, *got.PetID)
	s.Require().Equal(owner.ID, *got.OwnerID)
}

func (s *ServiceSuite) TestActivate_LinksActingOwnerWithoutPet() {
	owner, acc := s.store.AddOwner(models.Owner{Name: "O", Province: "34", District: "34-01"})

	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	got, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID, ActingUserID: &acc.ID})
	s.Require().NoError(err)
	s.Require().Nil(got.PetID)
	s.Require().Equal(owner.ID, *got.OwnerID)
}

func (s *ServiceSuite) TestActivate_PetOfAnotherOwner() {
	_, acc := s.store.AddOwner(models.Owner{Name: "A", Province: "34", District: "34-01"})
	other, _ := s.store.AddOwner(models.Owner{Name: "B", Province: "34", District: "34-01"})
	pet := s.store.AddPet(models.Pet{OwnerID: other.ID, Name: "Pamuk"})

	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID, ActingUserID: &acc.ID, PetID: &pet.ID})
	s.Require().ErrorIs(err, ErrPetOwnerMismatch)
	s.Require().Zero(s.counters(models.PartnerVet, s.vet.ID).Sold)
}

func (s *ServiceSuite) TestDeactivate_IdempotentAndCounterFree() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)

	for i := 0; i < 2; i++ {
		got, err := s.svc.Deactivate(context.Background(), t.ID, nil)
		s.Require().NoError(err)
		s.Require().False(got.IsActive)
		s.Require().EqualValues(1, got.ActivationCount)
	}
	c := s.counters(models.PartnerVet, s.vet.ID)
	s.Require().EqualValues(1, c.Allocated)
	s.Require().EqualValues(1, c.Sold)
	s.Require().Equal([]string{messages.TypeTagActivated, messages.TypeCreditGranted, messages.TypeTagDeactivated}, s.eventTypes())
}

func (s *ServiceSuite) TestAllocateThenDeactivate_LeavesZeroes() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)

	got, err := s.svc.Deactivate(context.Background(), t.ID, nil)
	s.Require().NoError(err)
	s.Require().Zero(got.ActivationCount)
	s.Require().Zero(s.counters(models.PartnerVet, s.vet.ID).Sold)
}

func (s *ServiceSuite) TestSweepExpired_DeactivatesAfterValidity() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	activated, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)

	other := s.newTag()
	s.allocateToVet(other.ID, s.vet.ID)
	s.now = s.now.Add(30 * 24 * time.Hour)
	_, err = s.svc.Activate(context.Background(), ActivateInput{TagID: other.ID})
	s.Require().NoError(err)

	before := s.counters(models.PartnerVet, s.vet.ID)

	n, err := s.svc.SweepExpired(context.Background(), activated.ExpiresAt.Add(-time.Second))
	s.Require().NoError(err)
	s.Require().Zero(n)

	n, err = s.svc.SweepExpired(context.Background(), activated.ExpiresAt.Add(time.Second))
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	got, err := s.svc.GetTag(context.Background(), t.ID)
	s.Require().NoError(err)
	s.Require().False(got.IsActive)
	s.Require().Equal(before, s.counters(models.PartnerVet, s.vet.ID))

	still, err := s.svc.GetTag(context.Background(), other.ID)
	s.Require().NoError(err)
	s.Require().True(still.IsActive)

	n, err = s.svc.SweepExpired(context.Background(), activated.ExpiresAt.Add(time.Second))
	s.Require().NoError(err)
	s.Require().Zero(n)
}

func (s *ServiceSuite) TestSweepExpired_ManyBatches() {
	svc := New(s.store, nil, Options{SweepBatchSize: 3}).WithClock(func() time.Time { return s.now })
	for i := 0; i < 10; i++ {
		t := s.newTag()
		s.allocateToVet(t.ID, s.vet.ID)
		_, err := svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
		s.Require().NoError(err)
	}

	n, err := svc.SweepExpired(context.Background(), s.now.Add(400*24*time.Hour))
	s.Require().NoError(err)
	s.Require().Equal(10, n)
}

// lockFailingStore refuses the per-tag lock for the listed tags.
type lockFailingStore struct {
	*memstore.Store
	fail map[uint64]bool
}

func (f *lockFailingStore) WithTagLock(ctx context.Context, tagID uint64, fn func(tx storage.TagTx) error) error {
	if f.fail[tagID] {
		return errors.New("lock timeout")
	}
	return f.Store.WithTagLock(ctx, tagID, fn)
}

func (s *ServiceSuite) TestSweepExpired_ContinuesPastFailedBatch() {
	var ids []uint64
	for i := 0; i < 6; i++ {
		t := s.newTag()
		s.allocateToVet(t.ID, s.vet.ID)
		_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
		s.Require().NoError(err)
		ids = append(ids, t.ID)
	}

	repo := &lockFailingStore{Store: s.store, fail: map[uint64]bool{ids[0]: true, ids[1]: true}}
	svc := New(repo, nil, Options{SweepBatchSize: 2}).WithClock(func() time.Time { return s.now })

	n, err := svc.SweepExpired(context.Background(), s.now.Add(400*24*time.Hour))
	s.Require().NoError(err)
	s.Require().Equal(4, n)

	for i, id := range ids {
		got, err := s.svc.GetTag(context.Background(), id)
		s.Require().NoError(err)
		s.Require().Equal(i < 2, got.IsActive, "tag %d", id)
	}
}

func (s *ServiceSuite) TestActivate_ExpiredNeedsRenew() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	_, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().NoError(err)

	s.now = s.now.Add(366 * 24 * time.Hour)
	_, err = s.svc.SweepExpired(context.Background(), s.now)
	s.Require().NoError(err)

	_, err = s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID})
	s.Require().ErrorIs(err, ErrTagExpired)

	renewed, err := s.svc.Renew(context.Background(), t.ID, nil)
	s.Require().NoError(err)
	s.Require().True(renewed.IsActive)
	s.Require().EqualValues(2, renewed.ActivationCount)
	s.Require().True(s.now.Add(365 * 24 * time.Hour).Equal(*renewed.ExpiresAt))
	s.Require().EqualValues(1, s.counters(models.PartnerVet, s.vet.ID).Sold)
}

func (s *ServiceSuite) TestRenew_NeverActivated() {
	t := s.newTag()
	s.allocateToVet(t.ID, s.vet.ID)
	_, err := s.svc.Renew(context.Background(), t.ID, nil)
	s.Require().ErrorIs(err, ErrTagNeverActivated)
}

func (s *ServiceSuite) TestChannelPartnerInvariantAfterEveryOperation() {
	shopID := s.shop.ID
	t := s.newTag()
	steps := []func() error{
		func() error { _, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelOnline}); return err },
		func() error { s.allocateToVet(t.ID, s.vet.ID); return nil },
		func() error { _, err := s.svc.Activate(context.Background(), ActivateInput{TagID: t.ID}); return err },
		func() error {
			_, err := s.svc.Allocate(context.Background(), t.ID, AllocateInput{Channel: models.ChannelShop, ShopID: &shopID})
			return err
		},
		func() error { _, err := s.svc.Deactivate(context.Background(), t.ID, nil); return err },
	}
	for _, step := range steps {
		s.Require().NoError(step())
		got, err := s.svc.GetTag(context.Background(), t.ID)
		s.Require().NoError(err)
		s.Require().True(got.Consistent(), "%+v", got)
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

type seqRand struct {
	seq []int
	i   int
}

func (r *seqRand) Intn(n int) int {
	v := r.seq[r.i%len(r.seq)] % n
	r.i++
	return v
}
