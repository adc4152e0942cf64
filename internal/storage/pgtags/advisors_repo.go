package pgtags

import (
	"context"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// tagOwner resolves a tag's owner through its pet first.
const tagOwner = `COALESCE(p.owner_id, t.owner_id)`

func (s *Storage) GetOwner(ctx context.Context, id uint64) (*models.Owner, error) {
	var o models.Owner
	var reason *string
	err := s.db.QueryRow(ctx, `
SELECT id, name, province, district, neighborhood,
       advisor_vet_id, advisor_assigned_at, advisor_reason, created_at
FROM owners
WHERE id = $1
`, id).Scan(
		&o.ID, &o.Name, &o.Province, &o.District, &o.Neighborhood,
		&o.AdvisorVetID, &o.AdvisorAssignedAt, &reason, &o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select owner")
	}
	if reason != nil {
		r := models.AdvisorReason(*reason)
		o.AdvisorReason = &r
	}
	return &o, nil
}

const vetColumns = `id, account_id, name, province, district, is_active, allocated_count, sold_count, created_at`

func scanVet(row pgx.Row) (*models.Veterinarian, error) {
	var v models.Veterinarian
	err := row.Scan(&v.ID, &v.AccountID, &v.Name, &v.Province, &v.District, &v.IsActive, &v.AllocatedCount, &v.SoldCount, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Storage) GetVeterinarian(ctx context.Context, id uint64) (*models.Veterinarian, error) {
	v, err := scanVet(s.db.QueryRow(ctx, `SELECT `+vetColumns+` FROM veterinarians WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select veterinarian")
	}
	return v, nil
}

func (s *Storage) ListActiveVeterinarians(ctx context.Context, scope models.LocationScope) ([]*models.Veterinarian, error) {
	col, err := scopeColumn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+vetColumns+` FROM veterinarians WHERE is_active AND `+col+` = $1 ORDER BY id`, scope.Code)
	if err != nil {
		return nil, errors.Wrap(err, "select veterinarians")
	}
	defer rows.Close()

	var out []*models.Veterinarian
	for rows.Next() {
		v, err := scanVet(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan veterinarian")
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) LatestVetPurchase(ctx context.Context, ownerID uint64) (*models.VetPurchase, error) {
	var p models.VetPurchase
	err := s.db.QueryRow(ctx, `
SELECT t.id, t.vet_id, COALESCE(t.first_activated_at, t.activated_at) AS at
FROM tags t
LEFT JOIN pets p ON p.id = t.pet_id
WHERE t.channel = 'VET'
  AND t.vet_id IS NOT NULL
  AND `+tagOwner+` = $1
  AND COALESCE(t.first_activated_at, t.activated_at) IS NOT NULL
ORDER BY at DESC, t.id DESC
LIMIT 1
`, ownerID).Scan(&p.TagID, &p.VetID, &p.ActivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest vet purchase")
	}
	return &p, nil
}

func (s *Storage) CountQualifyingSales(ctx context.Context, vetID uint64, scope models.LocationScope) (int64, error) {
	col, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM tags t
LEFT JOIN pets p ON p.id = t.pet_id
JOIN owners o ON o.id = `+tagOwner+`
WHERE t.channel = 'VET'
  AND t.vet_id = $1
  AND t.first_activated_at IS NOT NULL
  AND o.`+col+` = $2
`, vetID, scope.Code).Scan(&n)
	return n, errors.Wrap(err, "count qualifying sales")
}

func (s *Storage) QualifyingActiveCounts(ctx context.Context, district string) (map[uint64]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT v.id, COUNT(t.id)
FROM veterinarians v
LEFT JOIN tags t
  ON t.vet_id = v.id
 AND t.channel = 'VET'
 AND t.first_activated_at IS NOT NULL
 AND t.is_active
WHERE v.is_active AND v.district = $1
GROUP BY v.id
`, district)
	if err != nil {
		return nil, errors.Wrap(err, "select qualifying counts")
	}
	defer rows.Close()

	out := make(map[uint64]int64)
	for rows.Next() {
		var id uint64
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, "scan qualifying count")
		}
		out[id] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CountAdvisedOwners(ctx context.Context, vetID uint64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM owners WHERE advisor_vet_id = $1`, vetID).Scan(&n)
	return n, errors.Wrap(err, "count advised owners")
}

// SetOwnerAdvisor overwrites all three advisor fields in one statement.
func (s *Storage) SetOwnerAdvisor(ctx context.Context, ownerID uint64, vetID *uint64, reason *models.AdvisorReason, at *time.Time) error {
	var r *string
	if reason != nil {
		v := string(*reason)
		r = &v
	}
	tag, err := s.db.Exec(ctx, `
UPDATE owners
SET advisor_vet_id = $2, advisor_reason = $3, advisor_assigned_at = $4
WHERE id = $1
`, ownerID, vetID, r, at)
	if err != nil {
		return errors.Wrap(err, "update owner advisor")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Storage) UpdateOwnerLocation(ctx context.Context, ownerID uint64, province, district string, neighborhood *string) error {
	tag, err := s.db.Exec(ctx, `UPDATE owners SET province = $2, district = $3, neighborhood = $4 WHERE id = $1`,
		ownerID, province, district, neighborhood)
	if err != nil {
		return errors.Wrap(err, "update owner location")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scopeColumn(scope models.LocationScope) (string, error) {
	switch scope.Level {
	case models.ScopeDistrict:
		return "district", nil
	case models.ScopeProvince:
		return "province", nil
	}
	return "", errors.Errorf("unknown scope level %q", scope.Level)
}
