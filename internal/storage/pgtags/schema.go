package pgtags

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  role TEXT NOT NULL CHECK (role IN ('OWNER','VET','SHOP','ADMIN')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS veterinarians (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL UNIQUE REFERENCES accounts(id),
  name TEXT NOT NULL DEFAULT '',
  province TEXT NOT NULL,
  district TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT true,
  allocated_count BIGINT NOT NULL DEFAULT 0,
  sold_count BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_veterinarians_district ON veterinarians(district) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_veterinarians_province ON veterinarians(province) WHERE is_active`,
		`
CREATE TABLE IF NOT EXISTS shops (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL UNIQUE REFERENCES accounts(id),
  name TEXT NOT NULL DEFAULT '',
  province TEXT NOT NULL DEFAULT '',
  district TEXT NOT NULL DEFAULT '',
  allocated_count BIGINT NOT NULL DEFAULT 0,
  sold_count BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS owners (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NULL UNIQUE REFERENCES accounts(id),
  name TEXT NOT NULL DEFAULT '',
  province TEXT NOT NULL,
  district TEXT NOT NULL,
  neighborhood TEXT NULL,
  advisor_vet_id BIGINT NULL REFERENCES veterinarians(id),
  advisor_assigned_at TIMESTAMPTZ NULL,
  advisor_reason TEXT NULL CHECK (advisor_reason IN ('tag-purchase','district-match','province-match')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_owners_advisor_vet_id ON owners(advisor_vet_id)`,
		`
CREATE TABLE IF NOT EXISTS pets (
  id BIGSERIAL PRIMARY KEY,
  owner_id BIGINT NOT NULL REFERENCES owners(id),
  name TEXT NOT NULL DEFAULT ''
)`,
		`
CREATE TABLE IF NOT EXISTS tags (
  id BIGSERIAL PRIMARY KEY,
  public_id UUID NOT NULL UNIQUE,
  serial TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT 'STANDARD',
  channel TEXT NOT NULL DEFAULT 'UNALLOCATED',
  vet_id BIGINT NULL REFERENCES veterinarians(id),
  shop_id BIGINT NULL REFERENCES shops(id),
  allocated_at TIMESTAMPTZ NULL,
  pet_id BIGINT NULL REFERENCES pets(id),
  owner_id BIGINT NULL REFERENCES owners(id),
  is_active BOOLEAN NOT NULL DEFAULT false,
  first_activated_at TIMESTAMPTZ NULL,
  activated_at TIMESTAMPTZ NULL,
  activation_count INT NOT NULL DEFAULT 0,
  expires_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT tags_serial_key UNIQUE (serial),
  CONSTRAINT tags_channel_partner CHECK (
    (channel = 'VET' AND vet_id IS NOT NULL AND shop_id IS NULL) OR
    (channel = 'SHOP' AND shop_id IS NOT NULL AND vet_id IS NULL) OR
    (channel IN ('ONLINE','UNALLOCATED') AND vet_id IS NULL AND shop_id IS NULL)
  )
)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_active_expires_at ON tags(expires_at) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_tags_vet_sales ON tags(vet_id) WHERE channel = 'VET' AND first_activated_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tags_pet_id ON tags(pet_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_owner_id ON tags(owner_id)`,
		`
CREATE TABLE IF NOT EXISTS credit_entries (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id),
  amount BIGINT NOT NULL,
  reason TEXT NOT NULL,
  tag_id BIGINT NULL REFERENCES tags(id),
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_account ON credit_entries(account_id, created_at DESC, id DESC)`,
		// At most one sale credit per tag.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_credit_entries_tag_sale ON credit_entries(tag_id) WHERE reason = 'TAG_SALE'`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
