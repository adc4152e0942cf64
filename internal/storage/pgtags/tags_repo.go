package pgtags

import (
	"context"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const tagColumns = `
  id, public_id::text, serial, category, channel,
  vet_id, shop_id, allocated_at,
  pet_id, owner_id,
  is_active, first_activated_at, activated_at, activation_count, expires_at,
  created_at, updated_at`

func scanTag(row pgx.Row) (*models.Tag, error) {
	var t models.Tag
	var channel string
	if err := row.Scan(
		&t.ID, &t.PublicID, &t.Serial, &t.Category, &channel,
		&t.VetID, &t.ShopID, &t.AllocatedAt,
		&t.PetID, &t.OwnerID,
		&t.IsActive, &t.FirstActivatedAt, &t.ActivatedAt, &t.ActivationCount, &t.ExpiresAt,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Channel = models.Channel(channel)
	return &t, nil
}

func (s *Storage) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tags WHERE serial = $1)`, serial).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "select serial")
	}
	return exists, nil
}

func (s *Storage) InsertTag(ctx context.Context, t *models.Tag) error {
	err := s.db.QueryRow(ctx, `
INSERT INTO tags (
  public_id, serial, category, channel,
  vet_id, shop_id, allocated_at,
  created_at, updated_at
)
VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, t.PublicID, t.Serial, t.Category, string(t.Channel),
		t.VetID, t.ShopID, t.AllocatedAt,
		t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tags_serial_key" {
		return storage.ErrSerialTaken
	}
	return errors.Wrap(err, "insert tag")
}

func (s *Storage) GetTag(ctx context.Context, id uint64) (*models.Tag, error) {
	t, err := scanTag(s.db.QueryRow(ctx, `SELECT`+tagColumns+` FROM tags WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tag")
	}
	return t, nil
}

// GetAccount resolves the account role together with its single role reference.
func (s *Storage) GetAccount(ctx context.Context, id uint64) (*models.Account, error) {
	var a models.Account
	var role string
	err := s.db.QueryRow(ctx, `
SELECT a.id, a.role, o.id, v.id, sh.id
FROM accounts a
LEFT JOIN owners o ON o.account_id = a.id
LEFT JOIN veterinarians v ON v.account_id = a.id
LEFT JOIN shops sh ON sh.account_id = a.id
WHERE a.id = $1
`, id).Scan(&a.ID, &role, &a.OwnerID, &a.VetID, &a.ShopID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select account")
	}
	a.Role = models.AccountRole(role)
	return &a, nil
}

func (s *Storage) GetPet(ctx context.Context, id uint64) (*models.Pet, error) {
	var p models.Pet
	err := s.db.QueryRow(ctx, `SELECT id, owner_id, name FROM pets WHERE id = $1`, id).Scan(&p.ID, &p.OwnerID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select pet")
	}
	return &p, nil
}

func (s *Storage) ListExpiredTags(ctx context.Context, now time.Time, after *storage.ExpiryKey, limit int) ([]storage.ExpiryKey, error) {
	var (
		afterAt *time.Time
		afterID uint64
	)
	if after != nil {
		at := after.ExpiresAt.UTC()
		afterAt, afterID = &at, after.ID
	}
	rows, err := s.db.Query(ctx, `
SELECT id, expires_at
FROM tags
WHERE is_active AND expires_at < $1
  AND ($2::timestamptz IS NULL OR (expires_at, id) > ($2::timestamptz, $3::bigint))
ORDER BY expires_at ASC, id ASC
LIMIT $4
`, now.UTC(), afterAt, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired tags")
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ExpiryKey, error) {
		var k storage.ExpiryKey
		err := row.Scan(&k.ID, &k.ExpiresAt)
		return k, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect expired tags")
	}
	return keys, nil
}

func (s *Storage) GetAllocationCounters(ctx context.Context, p models.PartnerRef) (models.AllocationCounters, error) {
	table, err := partnerTable(p)
	if err != nil {
		return models.AllocationCounters{}, err
	}
	out := models.AllocationCounters{Partner: p}
	err = s.db.QueryRow(ctx, `SELECT allocated_count, sold_count FROM `+table+` WHERE id = $1`, p.ID).
		Scan(&out.Allocated, &out.Sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AllocationCounters{}, storage.ErrNotFound
	}
	if err != nil {
		return models.AllocationCounters{}, errors.Wrap(err, "select counters")
	}
	return out, nil
}

func (s *Storage) ListCredits(ctx context.Context, accountID uint64, limit, offset int) ([]*models.CreditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, account_id, amount, reason, tag_id, created_at
FROM credit_entries
WHERE account_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3
`, accountID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select credits")
	}
	defer rows.Close()

	var out []*models.CreditEntry
	for rows.Next() {
		var e models.CreditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Reason, &e.TagID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan credit")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// WithTagLock runs fn inside a transaction holding SELECT ... FOR UPDATE on
// the tag row. The transaction commits only if fn returns nil.
func (s *Storage) WithTagLock(ctx context.Context, tagID uint64, fn func(tx storage.TagTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTag(tx.QueryRow(ctx, `SELECT`+tagColumns+` FROM tags WHERE id = $1 FOR UPDATE`, tagID))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "lock tag")
	}

	if err := fn(&tagTx{tx: tx, tag: t}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

type tagTx struct {
	tx  pgx.Tx
	tag *models.Tag
}

func (t *tagTx) Tag() *models.Tag { return t.tag.Clone() }

func (t *tagTx) SaveTag(ctx context.Context, tag *models.Tag) error {
	if tag.ID != t.tag.ID {
		return errors.New("save of a tag outside the lock")
	}
	_, err := t.tx.Exec(ctx, `
UPDATE tags SET
  channel = $2, vet_id = $3, shop_id = $4, allocated_at = $5,
  pet_id = $6, owner_id = $7,
  is_active = $8, first_activated_at = $9, activated_at = $10,
  activation_count = $11, expires_at = $12,
  updated_at = now()
WHERE id = $1
`, tag.ID,
		string(tag.Channel), tag.VetID, tag.ShopID, tag.AllocatedAt,
		tag.PetID, tag.OwnerID,
		tag.IsActive, tag.FirstActivatedAt, tag.ActivatedAt,
		tag.ActivationCount, tag.ExpiresAt,
	)
	return errors.Wrap(err, "update tag")
}

// AdjustAllocated is a relative update, never read-modify-write.
func (t *tagTx) AdjustAllocated(ctx context.Context, p models.PartnerRef, delta int64) error {
	table, err := partnerTable(p)
	if err != nil {
		return err
	}
	return execOne(t.tx.Exec(ctx, `UPDATE `+table+` SET allocated_count = allocated_count + $2 WHERE id = $1`, p.ID, delta))
}

func (t *tagTx) IncrementSold(ctx context.Context, p models.PartnerRef) error {
	table, err := partnerTable(p)
	if err != nil {
		return err
	}
	return execOne(t.tx.Exec(ctx, `UPDATE `+table+` SET sold_count = sold_count + 1 WHERE id = $1`, p.ID))
}

func (t *tagTx) PartnerAccountID(ctx context.Context, p models.PartnerRef) (uint64, error) {
	table, err := partnerTable(p)
	if err != nil {
		return 0, err
	}
	var id uint64
	err = t.tx.QueryRow(ctx, `SELECT account_id FROM `+table+` WHERE id = $1`, p.ID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrapf(storage.ErrNotFound, "partner %s", p)
	}
	return id, errors.Wrap(err, "select partner account")
}

func (t *tagTx) AppendCredit(ctx context.Context, e *models.CreditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx, `
INSERT INTO credit_entries (account_id, amount, reason, tag_id, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`, e.AccountID, e.Amount, e.Reason, e.TagID, e.CreatedAt).Scan(&e.ID)
	return errors.Wrap(err, "insert credit")
}

func partnerTable(p models.PartnerRef) (string, error) {
	switch p.Kind {
	case models.PartnerVet:
		return "veterinarians", nil
	case models.PartnerShop:
		return "shops", nil
	}
	return "", errors.Errorf("unknown partner kind %q", p.Kind)
}

func execOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return errors.Wrap(err, "update counter")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
