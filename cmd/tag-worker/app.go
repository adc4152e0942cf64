package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/TagBox/config"
	"github.com/BearBump/TagBox/internal/bootstrap"
	"github.com/BearBump/TagBox/internal/broker/kafka"
	"github.com/BearBump/TagBox/internal/broker/messages"
	"github.com/BearBump/TagBox/internal/cache"
	"github.com/BearBump/TagBox/internal/cache/rediscache"
	"github.com/BearBump/TagBox/internal/integrations/locations"
	"github.com/BearBump/TagBox/internal/models"
	"github.com/BearBump/TagBox/internal/observability"
	"github.com/BearBump/TagBox/internal/services/advisor"
	"github.com/BearBump/TagBox/internal/services/sweeper"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStore    func(ctx context.Context, cfg *config.Config) (bootstrap.Store, error)
	newProducer func(cfg *config.Config) bootstrap.Publisher
	newConsumer func(cfg *config.Config) kafkaConsumer
	newCache    func(cfg *config.Config) (cache.BytesCache, func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStore: func(ctx context.Context, cfg *config.Config) (bootstrap.Store, error) {
			return bootstrap.OpenStore(ctx, cfg.Database, 60*time.Second)
		},
		newProducer: func(cfg *config.Config) bootstrap.Publisher {
			return bootstrap.Producer(cfg.Kafka)
		},
		newConsumer: func(cfg *config.Config) kafkaConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			topic := cfg.Kafka.OwnerLocationTopicName
			if topic == "" {
				topic = "owner.location_changed"
			}
			group := cfg.TagBox.KafkaConsumerGroup
			if group == "" {
				group = "tag-worker"
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group)
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			if cfg.Redis.Host == "" {
				return nil, func() {}
			}
			rc := rediscache.New(cfg.Redis.Addr())
			return rc, func() { _ = rc.Close() }
		},
	}
}

func RunTagWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	interval := time.Duration(cfg.TagBox.WorkerSweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	st, err := f.newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	loc, err := bootstrap.Locations(cfg.Locations)
	if err != nil {
		return err
	}

	producer := f.newProducer(cfg)
	if producer != nil {
		defer func() { _ = producer.Close() }()
	}
	bc, closeCache := f.newCache(cfg)
	defer closeCache()

	svcs := bootstrap.NewServices(cfg, st, producer, bc, loc, observability.Default())
	sw := sweeper.New(svcs.Tags).WithInterval(interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("expiry sweeper started", "interval", interval.String())
		return sw.Run(gctx)
	})

	if consumer := f.newConsumer(cfg); consumer != nil {
		defer func() { _ = consumer.Close() }()
		g.Go(func() error {
			slog.Info("owner location consumer started")
			return consumer.Consume(gctx, ownerLocationHandler(gctx, st, loc, svcs.Advisor))
		})
	}

	if httpOpts.httpAddr != "" {
		httpOpts.sweeper = sw
		httpOpts.cfg = cfg
		httpOpts.store = st
		g.Go(func() error {
			return runWorkerHTTPServer(gctx, httpOpts)
		})
	}

	return g.Wait()
}

type locationUpdater interface {
	UpdateOwnerLocation(ctx context.Context, ownerID uint64, province, district string, neighborhood *string) error
}

type advisorAssigner interface {
	AssignAdvisor(ctx context.Context, ownerID uint64) (*advisor.Assignment, error)
}

// ownerLocationHandler applies the new location, when the event carries a
// valid one, and re-runs advisor assignment for the owner. An invalid location
// is skipped without touching the stored owner. loc may be nil.
func ownerLocationHandler(ctx context.Context, st locationUpdater, loc locations.Client, eng advisorAssigner) func(key, value []byte) error {
	return func(_ []byte, value []byte) error {
		var m messages.OwnerLocationChanged
		if err := json.Unmarshal(value, &m); err != nil {
			return errors.Wrap(kafka.ErrSkipMessage, err.Error())
		}
		if m.OwnerID == 0 {
			return errors.Wrap(kafka.ErrSkipMessage, "owner_id is required")
		}
		if m.Neighborhood != nil && *m.Neighborhood == "" {
			m.Neighborhood = nil
		}

		if m.Province != "" || m.District != "" {
			if loc != nil {
				candidate := &models.Owner{Province: m.Province, District: m.District, Neighborhood: m.Neighborhood}
				err := locations.ValidateOwner(ctx, loc, candidate)
				if errors.Is(err, locations.ErrInvalidLocation) {
					return errors.Wrapf(kafka.ErrSkipMessage, "owner %d: %s", m.OwnerID, err.Error())
				}
				if err != nil {
					return err
				}
			} else if m.Province == "" || m.District == "" {
				return errors.Wrapf(kafka.ErrSkipMessage, "owner %d: province and district are required", m.OwnerID)
			}

			err := st.UpdateOwnerLocation(ctx, m.OwnerID, m.Province, m.District, m.Neighborhood)
			if errors.Is(err, storage.ErrNotFound) {
				return errors.Wrapf(kafka.ErrSkipMessage, "owner %d not found", m.OwnerID)
			}
			if err != nil {
				return err
			}
		}

		_, err := eng.AssignAdvisor(ctx, m.OwnerID)
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, advisor.ErrInvalidOwnerLocation):
			return errors.Wrap(kafka.ErrSkipMessage, err.Error())
		case err != nil:
			return err
		}
		return nil
	}
}
