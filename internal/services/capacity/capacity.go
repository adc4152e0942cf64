package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/TagBox/internal/cache"
	"github.com/BearBump/TagBox/internal/models"
	"github.com/pkg/errors"
)

const (
	BaseCapacity = 50
	MinCapacity  = 30
	MaxCapacity  = 200
)

type Repository interface {
	GetVeterinarian(ctx context.Context, id uint64) (*models.Veterinarian, error)
	// QualifyingActiveCounts returns, for every active veterinarian in the
	// district, the number of its active Vet-channel tags that were ever activated.
	QualifyingActiveCounts(ctx context.Context, district string) (map[uint64]int64, error)
	CountAdvisedOwners(ctx context.Context, vetID uint64) (int64, error)
}

// Calculator derives advisory capacity and load from stored counters and tag
// history. District counts may be cached; without a cache they are recomputed
// on every call.
type Calculator struct {
	repo  Repository
	cache cache.BytesCache
	ttl   time.Duration
}

func New(repo Repository, c cache.BytesCache, ttl time.Duration) *Calculator {
	return &Calculator{repo: repo, cache: c, ttl: ttl}
}

// SalesBonus steps by the veterinarian's lifetime sale counter.
func SalesBonus(sold int64) int {
	switch {
	case sold >= 100:
		return 80
	case sold >= 50:
		return 60
	case sold >= 25:
		return 40
	case sold >= 10:
		return 25
	case sold >= 5:
		return 15
	case sold >= 1:
		return 5
	}
	return 0
}

// ShareBonus steps by the district share in percent.
func ShareBonus(share float64) int {
	switch {
	case share >= 20:
		return 30
	case share >= 10:
		return 20
	case share >= 5:
		return 10
	}
	return 0
}

func clamp(v int) int {
	if v < MinCapacity {
		return MinCapacity
	}
	if v > MaxCapacity {
		return MaxCapacity
	}
	return v
}

func (c *Calculator) DynamicCapacity(ctx context.Context, vetID uint64) (int, error) {
	vet, err := c.repo.GetVeterinarian(ctx, vetID)
	if err != nil {
		return 0, errors.Wrap(err, "get veterinarian")
	}
	return c.CapacityOf(ctx, vet)
}

// CapacityOf is DynamicCapacity for an already loaded veterinarian.
func (c *Calculator) CapacityOf(ctx context.Context, vet *models.Veterinarian) (int, error) {
	share, err := c.PerDistrictShare(ctx, vet.ID, vet.District)
	if err != nil {
		return 0, err
	}
	return clamp(BaseCapacity + SalesBonus(vet.SoldCount) + ShareBonus(share)), nil
}

// PerDistrictShare is the veterinarian's percentage of qualifying active
// Vet-channel tags among all active veterinarians of the district.
func (c *Calculator) PerDistrictShare(ctx context.Context, vetID uint64, district string) (float64, error) {
	counts, err := c.districtCounts(ctx, district)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0, nil
	}
	return float64(counts[vetID]) / float64(total) * 100, nil
}

func (c *Calculator) CurrentLoad(ctx context.Context, vetID uint64) (int64, error) {
	n, err := c.repo.CountAdvisedOwners(ctx, vetID)
	if err != nil {
		return 0, errors.Wrap(err, "count advised owners")
	}
	return n, nil
}

type Snapshot struct {
	VetID    uint64  `json:"vet_id"`
	District string  `json:"district"`
	Share    float64 `json:"district_share"`
	Capacity int     `json:"capacity"`
	Load     int64   `json:"load"`
}

// Snapshot reports capacity, load and district share of one veterinarian.
func (c *Calculator) Snapshot(ctx context.Context, vetID uint64) (*Snapshot, error) {
	vet, err := c.repo.GetVeterinarian(ctx, vetID)
	if err != nil {
		return nil, errors.Wrap(err, "get veterinarian")
	}
	share, err := c.PerDistrictShare(ctx, vet.ID, vet.District)
	if err != nil {
		return nil, err
	}
	load, err := c.CurrentLoad(ctx, vet.ID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		VetID:    vet.ID,
		District: vet.District,
		Share:    share,
		Capacity: clamp(BaseCapacity + SalesBonus(vet.SoldCount) + ShareBonus(share)),
		Load:     load,
	}, nil
}

// InvalidateVet drops the cached counts of the veterinarian's district.
func (c *Calculator) InvalidateVet(ctx context.Context, vetID uint64) {
	if !c.cacheEnabled() {
		return
	}
	vet, err := c.repo.GetVeterinarian(ctx, vetID)
	if err != nil {
		slog.Warn("capacity invalidate: get veterinarian", "vet_id", vetID, "error", err.Error())
		return
	}
	c.InvalidateDistrict(ctx, vet.District)
}

func (c *Calculator) InvalidateDistrict(ctx context.Context, district string) {
	if !c.cacheEnabled() {
		return
	}
	if err := c.cache.Delete(ctx, districtKey(district)); err != nil {
		slog.Warn("capacity invalidate", "district", district, "error", err.Error())
	}
}

func (c *Calculator) districtCounts(ctx context.Context, district string) (map[uint64]int64, error) {
	if c.cacheEnabled() {
		// кэш best-effort: любая ошибка, идём в БД
		if b, ok, err := c.cache.Get(ctx, districtKey(district)); err == nil && ok {
			var counts map[uint64]int64
			if json.Unmarshal(b, &counts) == nil {
				return counts, nil
			}
		}
	}

	counts, err := c.repo.QualifyingActiveCounts(ctx, district)
	if err != nil {
		return nil, errors.Wrap(err, "qualifying active counts")
	}
	if c.cacheEnabled() {
		if b, err := json.Marshal(counts); err == nil {
			_ = c.cache.Set(ctx, districtKey(district), b, c.ttl)
		}
	}
	return counts, nil
}

func (c *Calculator) cacheEnabled() bool {
	return c.cache != nil && c.ttl > 0
}

func districtKey(district string) string {
	return fmt.Sprintf("capacity:district:%s:counts", district)
}
