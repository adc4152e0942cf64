// Package bootstrap builds the process-level dependencies shared by tag-api
// and tag-worker from the loaded config.
package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TagBox/config"
	"github.com/BearBump/TagBox/internal/broker/kafka"
	"github.com/BearBump/TagBox/internal/integrations/locations"
	"github.com/BearBump/TagBox/internal/integrations/locations/httploc"
	"github.com/BearBump/TagBox/internal/integrations/locations/static"
	"github.com/BearBump/TagBox/internal/services/advisor"
	"github.com/BearBump/TagBox/internal/services/capacity"
	"github.com/BearBump/TagBox/internal/services/tags"
	"github.com/BearBump/TagBox/internal/storage/memstore"
	"github.com/BearBump/TagBox/internal/storage/pgtags"
	"github.com/pkg/errors"
)

// Store is everything the services need from persistence.
type Store interface {
	tags.Repository
	advisor.Repository
	capacity.Repository
	UpdateOwnerLocation(ctx context.Context, ownerID uint64, province, district string, neighborhood *string) error
	Close()
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// OpenStore connects to Postgres, retrying until wait elapses. An empty host
// selects the in-memory store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, wait time.Duration) (Store, error) {
	if cfg.Host == "" {
		slog.Warn("database host is empty, using in-memory store")
		return memstore.New(), nil
	}

	deadline := time.Now().Add(wait)
	var lastErr error
	for {
		st, err := pgtags.New(ctx, cfg.ConnString())
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

// Locations picks the location reference client. Without a configured source
// every location is accepted.
func Locations(cfg config.LocationsConfig) (locations.Client, error) {
	switch cfg.Mode {
	case "http":
		if cfg.BaseURL == "" {
			return nil, errors.New("locations.base_url is required in http mode")
		}
		return httploc.New(cfg.BaseURL, cfg.CacheSize), nil
	case "static", "":
		if cfg.File == "" {
			return nil, nil
		}
		t, err := static.Load(cfg.File)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, errors.Errorf("unknown locations mode %q", cfg.Mode)
}

// Producer returns nil when Kafka is not configured; publishing is then skipped.
func Producer(cfg config.KafkaConfig) Publisher {
	if cfg.Host == "" {
		return nil
	}
	return kafka.NewProducer(cfg.Brokers())
}
