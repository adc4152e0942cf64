package tags

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/observability"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

var (
	ErrInvalidChannelPartner = errors.New("invalid channel/partner combination")
	ErrTagNotAllocated       = errors.New("tag is not allocated")
	ErrUnallocateForbidden   = errors.New("allocated tag cannot return to unallocated")
	ErrTagExpired            = errors.New("tag expired, renewal required")
	ErrPetOwnerMismatch      = errors.New("pet belongs to another owner")
	ErrSerialSpaceExhausted  = errors.New("no free serial found")
)

var tracer = otel.Tracer("github.com/BearBump/TagBox/internal/services/tags")

type Repository interface {
	SerialExists(ctx context.Context, serial string) (bool, error)
	InsertTag(ctx context.Context, t *models.Tag) error
	GetTag(ctx context.Context, id uint64) (*models.Tag, error)
	GetAccount(ctx context.Context, id uint64) (*models.Account, error)
	GetPet(ctx context.Context, id uint64) (*models.Pet, error)
	// ListExpiredTags pages active tags expired before now, strictly after the cursor when set.
	ListExpiredTags(ctx context.Context, now time.Time, after *storage.ExpiryKey, limit int) ([]storage.ExpiryKey, error)
	GetAllocationCounters(ctx context.Context, p models.PartnerRef) (models.AllocationCounters, error)
	ListCredits(ctx context.Context, accountID uint64, limit, offset int) ([]*models.CreditEntry, error)
	WithTagLock(ctx context.Context, tagID uint64, fn func(tx storage.TagTx) error) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// ShareInvalidator drops cached district share figures for a veterinarian.
type ShareInvalidator interface {
	InvalidateVet(ctx context.Context, vetID uint64)
}

type Rand interface {
	Intn(n int) int
}

type Options struct {
	ActivationReward int64
	Validity         time.Duration
	SerialLength     int
	SweepBatchSize   int
	EventsTopic      string
}

func DefaultOptions() Options {
	return Options{
		ActivationReward: 10,
		Validity:         365 * 24 * time.Hour,
		SerialLength:     8,
		SweepBatchSize:   500,
		EventsTopic:      "tag.events",
	}
}

type Service struct {
	repo        Repository
	producer    Producer
	invalidator ShareInvalidator
	metrics     *observability.Metrics

	rndMu sync.Mutex
	rnd   Rand

	opts Options
	now  func() time.Time
}

func New(repo Repository, producer Producer, opts Options) *Service {
	def := DefaultOptions()
	if opts.ActivationReward <= 0 {
		opts.ActivationReward = def.ActivationReward
	}
	if opts.Validity <= 0 {
		opts.Validity = def.Validity
	}
	if opts.SerialLength <= 0 {
		opts.SerialLength = def.SerialLength
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = def.SweepBatchSize
	}
	return &Service{
		repo:     repo,
		producer: producer,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Service) WithShareInvalidator(inv ShareInvalidator) *Service {
	s.invalidator = inv
	return s
}

func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithRand(r Rand) *Service {
	if r != nil {
		s.rnd = r
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateTag registers a new unallocated tag with a fresh serial code.
func (s *Service) CreateTag(ctx context.Context, category string) (*models.Tag, error) {
	if category == "" {
		category = models.TagCategoryStandard
	}
	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		serial := s.newSerial()
		taken, err := s.repo.SerialExists(ctx, serial)
		if err != nil {
			return nil, errors.Wrap(err, "check serial")
		}
		if taken {
			continue
		}

		now := s.now().UTC()
		t := &models.Tag{
			PublicID:  newPublicID(),
			Serial:    serial,
			Category:  category,
			Channel:   models.ChannelUnallocated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.repo.InsertTag(ctx, t)
		if errors.Is(err, storage.ErrSerialTaken) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "insert tag")
		}
		slog.Info("tag created", "tag_id", t.ID, "serial", t.Serial)
		return t, nil
	}
	return nil, ErrSerialSpaceExhausted
}

func (s *Service) GetTag(ctx context.Context, id uint64) (*models.Tag, error) {
	if id == 0 {
		return nil, errors.New("tagId is required")
	}
	return s.repo.GetTag(ctx, id)
}

func (s *Service) GetAllocationCounters(ctx context.Context, p models.PartnerRef) (models.AllocationCounters, error) {
	if p.Kind != models.PartnerVet && p.Kind != models.PartnerShop {
		return models.AllocationCounters{}, errors.Errorf("unknown partner kind %q", p.Kind)
	}
	if p.ID == 0 {
		return models.AllocationCounters{}, errors.New("partnerId is required")
	}
	return s.repo.GetAllocationCounters(ctx, p)
}

func (s *Service) ListCredits(ctx context.Context, accountID uint64, limit, offset int) ([]*models.CreditEntry, error) {
	if accountID == 0 {
		return nil, errors.New("accountId is required")
	}
	return s.repo.ListCredits(ctx, accountID, limit, offset)
}

func (s *Service) publish(ctx context.Context, key uint64, v any) {
	if s.producer == nil || s.opts.EventsTopic == "" {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal tag event", "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.opts.EventsTopic, []byte(strconv.FormatUint(key, 10)), b); err != nil {
		slog.Warn("publish tag event", "tag_id", key, "error", err.Error())
	}
}

func (s *Service) invalidateVet(ctx context.Context, vetID *uint64) {
	if s.invalidator == nil || vetID == nil {
		return
	}
	s.invalidator.InvalidateVet(ctx, *vetID)
}

func (s *Service) observe(op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveTransition(op, result, time.Since(started))
}
