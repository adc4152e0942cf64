package bootstrap

import (
	"time"

	"github.com/BearBump/TagBox/config"
	"github.com/BearBump/TagBox/internal/cache"
	"github.com/BearBump/TagBox/internal/integrations/locations"
	"github.com/BearBump/TagBox/internal/observability"
	"github.com/BearBump/TagBox/internal/services/advisor"
	"github.com/BearBump/TagBox/internal/services/capacity"
	"github.com/BearBump/TagBox/internal/services/tags"
)

const (
	defaultCapacityCacheTTL = 5 * time.Minute
	defaultTagEventsTopic   = "tag.events"
)

type Services struct {
	Tags     *tags.Service
	Capacity *capacity.Calculator
	Advisor  *advisor.Engine
}

// NewServices wires the registry, capacity calculator and advisor engine
// around one store. c may be nil; a negative capacity_cache_ttl_seconds also
// disables the cache.
func NewServices(cfg *config.Config, st Store, producer Publisher, c cache.BytesCache, loc locations.Client, m *observability.Metrics) *Services {
	topic := cfg.Kafka.TagEventsTopicName
	if topic == "" {
		topic = defaultTagEventsTopic
	}

	ttl := time.Duration(cfg.TagBox.CapacityCacheTTLSeconds) * time.Second
	if ttl == 0 {
		ttl = defaultCapacityCacheTTL
	}
	if ttl < 0 || c == nil {
		c, ttl = nil, 0
	}
	calc := capacity.New(st, c, ttl)

	opts := tags.DefaultOptions()
	opts.EventsTopic = topic
	if cfg.TagBox.ActivationReward > 0 {
		opts.ActivationReward = cfg.TagBox.ActivationReward
	}
	if cfg.TagBox.ValidityDays > 0 {
		opts.Validity = time.Duration(cfg.TagBox.ValidityDays) * 24 * time.Hour
	}
	if cfg.TagBox.SerialLength > 0 {
		opts.SerialLength = cfg.TagBox.SerialLength
	}
	if cfg.TagBox.WorkerSweepBatchSize > 0 {
		opts.SweepBatchSize = cfg.TagBox.WorkerSweepBatchSize
	}

	var tp tags.Producer
	var ap advisor.Producer
	if producer != nil {
		tp, ap = producer, producer
	}

	return &Services{
		Tags: tags.New(st, tp, opts).
			WithShareInvalidator(calc).
			WithMetrics(m),
		Capacity: calc,
		Advisor:  advisor.New(st, calc, loc, ap, topic).WithMetrics(m),
	}
}
