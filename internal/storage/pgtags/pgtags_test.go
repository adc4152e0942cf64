package pgtags

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/services/tags"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPG(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "tagbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/tagbox_test?sslmode=disable"
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func seedAccount(t *testing.T, st *Storage, role models.AccountRole) uint64 {
	t.Helper()
	var id uint64
	err := st.db.QueryRow(context.Background(), `INSERT INTO accounts(role) VALUES ($1) RETURNING id`, string(role)).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedVet(t *testing.T, st *Storage, province, district string) (vetID, accountID uint64) {
	t.Helper()
	accountID = seedAccount(t, st, models.RoleVet)
	err := st.db.QueryRow(context.Background(),
		`INSERT INTO veterinarians(account_id, province, district) VALUES ($1, $2, $3) RETURNING id`,
		accountID, province, district).Scan(&vetID)
	require.NoError(t, err)
	return vetID, accountID
}

func seedShop(t *testing.T, st *Storage) uint64 {
	t.Helper()
	acc := seedAccount(t, st, models.RoleShop)
	var id uint64
	err := st.db.QueryRow(context.Background(), `INSERT INTO shops(account_id) VALUES ($1) RETURNING id`, acc).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedOwner(t *testing.T, st *Storage, province, district string) (ownerID, accountID uint64) {
	t.Helper()
	accountID = seedAccount(t, st, models.RoleOwner)
	err := st.db.QueryRow(context.Background(),
		`INSERT INTO owners(account_id, province, district) VALUES ($1, $2, $3) RETURNING id`,
		accountID, province, district).Scan(&ownerID)
	require.NoError(t, err)
	return ownerID, accountID
}

func seedPet(t *testing.T, st *Storage, ownerID uint64) uint64 {
	t.Helper()
	var id uint64
	err := st.db.QueryRow(context.Background(), `INSERT INTO pets(owner_id) VALUES ($1) RETURNING id`, ownerID).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestPGTags_LifecycleFlow(t *testing.T) {
	ctx := context.Background()
	st := startPG(t)

	vetA, vetAccount := seedVet(t, st, "34", "34-01")
	vetB, _ := seedVet(t, st, "34", "34-01")
	shop := seedShop(t, st)
	owner, ownerAccount := seedOwner(t, st, "34", "34-01")
	pet := seedPet(t, st, owner)

	svc := tags.New(st, nil, tags.DefaultOptions())

	tag, err := svc.CreateTag(ctx, "")
	require.NoError(t, err)
	require.NotZero(t, tag.ID)
	require.Len(t, tag.Serial, 8)

	got, err := st.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	require.Equal(t, tag.PublicID, got.PublicID)
	require.Equal(t, models.ChannelUnallocated, got.Channel)

	_, err = svc.Allocate(ctx, tag.ID, tags.AllocateInput{Channel: models.ChannelVet, VetID: &vetA})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, tag.ID, tags.AllocateInput{Channel: models.ChannelShop, ShopID: &shop})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, tag.ID, tags.AllocateInput{Channel: models.ChannelVet, VetID: &vetB})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, tag.ID, tags.AllocateInput{Channel: models.ChannelVet, VetID: &vetA})
	require.NoError(t, err)

	ca, err := st.GetAllocationCounters(ctx, models.PartnerRef{Kind: models.PartnerVet, ID: vetA})
	require.NoError(t, err)
	require.EqualValues(t, 1, ca.Allocated)
	cb, err := st.GetAllocationCounters(ctx, models.PartnerRef{Kind: models.PartnerVet, ID: vetB})
	require.NoError(t, err)
	require.EqualValues(t, 0, cb.Allocated)
	cs, err := st.GetAllocationCounters(ctx, models.PartnerRef{Kind: models.PartnerShop, ID: shop})
	require.NoError(t, err)
	require.EqualValues(t, 0, cs.Allocated)

	// несколько одновременных активаций: продажа и кредит ровно один раз
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Activate(ctx, tags.ActivateInput{TagID: tag.ID, ActingUserID: &ownerAccount, PetID: &pet})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err = st.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.EqualValues(t, 1, got.ActivationCount)
	require.NotNil(t, got.FirstActivatedAt)
	require.Equal(t, pet, *got.PetID)
	require.Equal(t, owner, *got.OwnerID)

	ca, err = st.GetAllocationCounters(ctx, models.PartnerRef{Kind: models.PartnerVet, ID: vetA})
	require.NoError(t, err)
	require.EqualValues(t, 1, ca.Sold)

	credits, err := st.ListCredits(ctx, vetAccount, 10, 0)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.EqualValues(t, 10, credits[0].Amount)
	require.Equal(t, models.CreditReasonTagSale, credits[0].Reason)
	require.Equal(t, tag.ID, *credits[0].TagID)

	// просрочка и свипер
	_, err = st.db.Exec(ctx, `UPDATE tags SET expires_at = now() - interval '1 minute' WHERE id = $1`, tag.ID)
	require.NoError(t, err)
	keys, err := st.ListExpiredTags(ctx, time.Now().UTC(), nil, 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, tag.ID, keys[0].ID)
	keys, err = st.ListExpiredTags(ctx, time.Now().UTC(), &keys[0], 10)
	require.NoError(t, err)
	require.Empty(t, keys)

	n, err := svc.SweepExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = st.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.NotNil(t, got.FirstActivatedAt)
}

func TestPGTags_ConstraintsAndNotFound(t *testing.T) {
	ctx := context.Background()
	st := startPG(t)
	vet, _ := seedVet(t, st, "34", "34-01")

	now := time.Now().UTC()
	first := &models.Tag{PublicID: "6f1c2a4e-7a55-4bd5-9d6c-1d2f3e4a5b6c", Serial: "ABCD2345", Category: models.TagCategoryStandard,
		Channel: models.ChannelUnallocated, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.InsertTag(ctx, first))

	exists, err := st.SerialExists(ctx, "ABCD2345")
	require.NoError(t, err)
	require.True(t, exists)

	dup := *first
	dup.ID = 0
	dup.PublicID = "0b7e5f7c-9d1e-4c38-8a3a-2f9a8c7d6e5f"
	require.ErrorIs(t, st.InsertTag(ctx, &dup), storage.ErrSerialTaken)

	_, err = st.GetTag(ctx, 999999)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// channel/partner CHECK отклоняет несогласованную строку
	_, err = st.db.Exec(ctx, `UPDATE tags SET channel = 'ONLINE', vet_id = $2 WHERE id = $1`, first.ID, vet)
	require.Error(t, err)

	err = st.WithTagLock(ctx, 999999, func(tx storage.TagTx) error { return nil })
	require.ErrorIs(t, err, storage.ErrNotFound)

	// ошибка внутри единицы работы откатывает все изменения
	err = st.WithTagLock(ctx, first.ID, func(tx storage.TagTx) error {
		if err := tx.AdjustAllocated(ctx, models.PartnerRef{Kind: models.PartnerVet, ID: vet}, 1); err != nil {
			return err
		}
		return tx.AdjustAllocated(ctx, models.PartnerRef{Kind: models.PartnerShop, ID: 424242}, 1)
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	c, err := st.GetAllocationCounters(ctx, models.PartnerRef{Kind: models.PartnerVet, ID: vet})
	require.NoError(t, err)
	require.EqualValues(t, 0, c.Allocated)
}

func TestPGTags_AdvisorQueries(t *testing.T) {
	ctx := context.Background()
	st := startPG(t)

	vetA, _ := seedVet(t, st, "34", "34-01")
	vetB, _ := seedVet(t, st, "34", "34-02")
	vetIdle, _ := seedVet(t, st, "34", "34-01")
	inactive, _ := seedVet(t, st, "34", "34-01")
	_, err := st.db.Exec(ctx, `UPDATE veterinarians SET is_active = false WHERE id = $1`, inactive)
	require.NoError(t, err)

	owner, _ := seedOwner(t, st, "34", "34-01")
	other, _ := seedOwner(t, st, "34", "34-02")
	pet := seedPet(t, st, owner)

	insertSale := func(vetID uint64, petID, ownerID *uint64, at time.Time, active bool) {
		t.Helper()
		_, err := st.db.Exec(ctx, `
INSERT INTO tags(public_id, serial, channel, vet_id, pet_id, owner_id, is_active,
                 first_activated_at, activated_at, activation_count, created_at, updated_at)
VALUES (gen_random_uuid(), substr(md5(random()::text), 1, 8), 'VET', $1, $2, $3, $4, $5, $5, 1, now(), now())
`, vetID, petID, ownerID, active, at)
		require.NoError(t, err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	insertSale(vetA, &pet, nil, now.Add(-48*time.Hour), true)
	insertSale(vetB, nil, &owner, now.Add(-24*time.Hour), true)
	insertSale(vetA, nil, &other, now.Add(-72*time.Hour), false)

	p, err := st.LatestVetPurchase(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, vetB, p.VetID)
	require.WithinDuration(t, now.Add(-24*time.Hour), p.ActivatedAt, time.Millisecond)

	none, _ := seedOwner(t, st, "34", "34-01")
	p, err = st.LatestVetPurchase(ctx, none)
	require.NoError(t, err)
	require.Nil(t, p)

	n, err := st.CountQualifyingSales(ctx, vetA, models.DistrictScope("34-01"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = st.CountQualifyingSales(ctx, vetA, models.ProvinceScope("34"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	counts, err := st.QualifyingActiveCounts(ctx, "34-01")
	require.NoError(t, err)
	require.Equal(t, map[uint64]int64{vetA: 1, vetIdle: 0}, counts)

	vets, err := st.ListActiveVeterinarians(ctx, models.DistrictScope("34-01"))
	require.NoError(t, err)
	require.Len(t, vets, 2)
	require.Equal(t, vetA, vets[0].ID)
	require.Equal(t, vetIdle, vets[1].ID)

	reason := models.AdvisorReasonDistrictMatch
	require.NoError(t, st.SetOwnerAdvisor(ctx, owner, &vetA, &reason, &now))
	load, err := st.CountAdvisedOwners(ctx, vetA)
	require.NoError(t, err)
	require.EqualValues(t, 1, load)

	o, err := st.GetOwner(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, vetA, *o.AdvisorVetID)
	require.Equal(t, reason, *o.AdvisorReason)

	require.NoError(t, st.SetOwnerAdvisor(ctx, owner, nil, nil, nil))
	o, err = st.GetOwner(ctx, owner)
	require.NoError(t, err)
	require.Nil(t, o.AdvisorVetID)
	require.Nil(t, o.AdvisorReason)
	require.Nil(t, o.AdvisorAssignedAt)

	hood := "N2"
	require.NoError(t, st.UpdateOwnerLocation(ctx, owner, "34", "34-02", &hood))
	o, err = st.GetOwner(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "34-02", o.District)
	require.Equal(t, "N2", *o.Neighborhood)

	require.NoError(t, st.UpdateOwnerLocation(ctx, owner, "34", "34-01", nil))
	o, err = st.GetOwner(ctx, owner)
	require.NoError(t, err)
	require.Nil(t, o.Neighborhood)
	require.ErrorIs(t, st.UpdateOwnerLocation(ctx, 999999, "34", "34-01", nil), storage.ErrNotFound)

	require.ErrorIs(t, st.SetOwnerAdvisor(ctx, 999999, nil, nil, nil), storage.ErrNotFound)
	_, err = st.GetOwner(ctx, 999999)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
