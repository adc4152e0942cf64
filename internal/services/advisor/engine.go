package advisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/BearBump/TagBox/internal/broker/messages"
	"github.com/BearBump/TagBox/internal/integrations/locations"
	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/observability"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidOwnerLocation = errors.New("invalid owner location")

var tracer = otel.Tracer("github.com/BearBump/TagBox/internal/services/advisor")

type Repository interface {
	GetOwner(ctx context.Context, id uint64) (*models.Owner, error)
	LatestVetPurchase(ctx context.Context, ownerID uint64) (*models.VetPurchase, error)
	GetVeterinarian(ctx context.Context, id uint64) (*models.Veterinarian, error)
	ListActiveVeterinarians(ctx context.Context, scope models.LocationScope) ([]*models.Veterinarian, error)
	CountQualifyingSales(ctx context.Context, vetID uint64, scope models.LocationScope) (int64, error)
	SetOwnerAdvisor(ctx context.Context, ownerID uint64, vetID *uint64, reason *models.AdvisorReason, at *time.Time) error
}

type Capacity interface {
	CapacityOf(ctx context.Context, vet *models.Veterinarian) (int, error)
	CurrentLoad(ctx context.Context, vetID uint64) (int64, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Rand interface {
	Intn(n int) int
}

// Assignment is the outcome of one AssignAdvisor run. VetID is nil when no
// veterinarian qualified.
type Assignment struct {
	OwnerID    uint64
	VetID      *uint64
	Reason     *models.AdvisorReason
	Score      float64
	AssignedAt *time.Time
}

type Engine struct {
	repo      Repository
	capacity  Capacity
	locations locations.Client
	producer  Producer
	topic     string
	metrics   *observability.Metrics

	rndMu sync.Mutex
	rnd   Rand

	now func() time.Time
}

func New(repo Repository, capacity Capacity, loc locations.Client, producer Producer, topic string) *Engine {
	return &Engine{
		repo:      repo,
		capacity:  capacity,
		locations: loc,
		producer:  producer,
		topic:     topic,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

func (e *Engine) WithRand(r Rand) *Engine {
	if r != nil {
		e.rnd = r
	}
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// AssignAdvisor re-runs the whole selection for the owner and overwrites any
// previous advisor, including clearing it when nobody qualifies.
func (e *Engine) AssignAdvisor(ctx context.Context, ownerID uint64) (*Assignment, error) {
	ctx, span := tracer.Start(ctx, "advisor.AssignAdvisor", trace.WithAttributes(attribute.Int64("owner.id", int64(ownerID))))
	defer span.End()

	owner, err := e.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "get owner")
	}
	if e.locations != nil {
		if err := locations.ValidateOwner(ctx, e.locations, owner); err != nil {
			if errors.Is(err, locations.ErrInvalidLocation) {
				return nil, errors.Wrap(ErrInvalidOwnerLocation, err.Error())
			}
			return nil, err
		}
	}

	pick, err := e.directSeller(ctx, owner)
	if err != nil {
		return nil, err
	}
	if pick == nil {
		pick, err = e.bestCandidate(ctx, owner)
		if err != nil {
			return nil, err
		}
	}

	out := &Assignment{OwnerID: owner.ID}
	if pick != nil {
		now := e.now().UTC()
		vetID, reason := pick.vet.ID, pick.reason
		out.VetID = &vetID
		out.Reason = &reason
		out.Score = pick.score()
		out.AssignedAt = &now
	}
	if err := e.repo.SetOwnerAdvisor(ctx, owner.ID, out.VetID, out.Reason, out.AssignedAt); err != nil {
		return nil, errors.Wrap(err, "set owner advisor")
	}

	reason := "none"
	if out.Reason != nil {
		reason = string(*out.Reason)
		span.SetAttributes(attribute.Int64("advisor.vet_id", int64(*out.VetID)))
	}
	span.SetAttributes(attribute.String("advisor.reason", reason))
	e.metrics.IncAssignment(reason)
	slog.Info("advisor assigned", "owner_id", owner.ID, "vet_id", idAttr(out.VetID), "reason", reason)
	e.publish(ctx, out)
	return out, nil
}

// directSeller returns the veterinarian that sold the owner's most recent
// Vet-channel tag when it is still active and in the owner's province.
func (e *Engine) directSeller(ctx context.Context, owner *models.Owner) (*candidate, error) {
	purchase, err := e.repo.LatestVetPurchase(ctx, owner.ID)
	if err != nil {
		return nil, errors.Wrap(err, "latest vet purchase")
	}
	if purchase == nil {
		return nil, nil
	}
	vet, err := e.repo.GetVeterinarian(ctx, purchase.VetID)
	if err != nil {
		return nil, errors.Wrap(err, "get seller")
	}
	if !vet.IsActive || vet.Province != owner.Province {
		return nil, nil
	}
	return &candidate{vet: vet, reason: models.AdvisorReasonTagPurchase}, nil
}

func (e *Engine) bestCandidate(ctx context.Context, owner *models.Owner) (*candidate, error) {
	pool, err := e.candidates(ctx, owner)
	if err != nil || len(pool) == 0 {
		return nil, err
	}

	var top []*candidate
	for _, c := range pool {
		switch {
		case len(top) == 0 || c.scaled > top[0].scaled:
			top = []*candidate{c}
		case c.scaled == top[0].scaled:
			top = append(top, c)
		}
	}
	if len(top) == 1 {
		return top[0], nil
	}
	return top[e.intn(len(top))], nil
}

// candidates builds the tiered pool, drops full veterinarians and scores the rest.
func (e *Engine) candidates(ctx context.Context, owner *models.Owner) ([]*candidate, error) {
	t := tierDistrict
	vets, err := e.repo.ListActiveVeterinarians(ctx, t.scope(owner))
	if err != nil {
		return nil, errors.Wrap(err, "list district veterinarians")
	}
	if len(vets) == 0 {
		t = tierProvince
		vets, err = e.repo.ListActiveVeterinarians(ctx, t.scope(owner))
		if err != nil {
			return nil, errors.Wrap(err, "list province veterinarians")
		}
	}

	pool := make([]*candidate, 0, len(vets))
	for _, v := range vets {
		load, err := e.capacity.CurrentLoad(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		capacity, err := e.capacity.CapacityOf(ctx, v)
		if err != nil {
			return nil, err
		}
		if load >= int64(capacity) {
			continue
		}
		sales, err := e.repo.CountQualifyingSales(ctx, v.ID, t.scope(owner))
		if err != nil {
			return nil, errors.Wrap(err, "count qualifying sales")
		}
		pool = append(pool, &candidate{
			vet:    v,
			reason: t.reason(),
			sales:  sales,
			load:   load,
			scaled: t.scaledScore(sales, load),
		})
	}
	return pool, nil
}

func (e *Engine) intn(n int) int {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.Intn(n)
}

func (e *Engine) publish(ctx context.Context, a *Assignment) {
	if e.producer == nil || e.topic == "" {
		return
	}
	msg := messages.AdvisorAssigned{
		Type:       messages.TypeAdvisorAssigned,
		OwnerID:    a.OwnerID,
		VetID:      a.VetID,
		OccurredAt: e.now().UTC(),
	}
	if a.Reason != nil {
		msg.Reason = string(*a.Reason)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := e.producer.Publish(ctx, e.topic, []byte(strconv.FormatUint(a.OwnerID, 10)), b); err != nil {
		slog.Warn("publish advisor event", "owner_id", a.OwnerID, "error", err.Error())
	}
}

func idAttr(id *uint64) any {
	if id == nil {
		return nil
	}
	return *id
}
