package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TagBox/config"
	tagsapi "github.com/BearBump/TagBox/internal/api/tags_api"
	"github.com/BearBump/TagBox/internal/bootstrap"
	"github.com/BearBump/TagBox/internal/cache"
	"github.com/BearBump/TagBox/internal/cache/rediscache"
	"github.com/BearBump/TagBox/internal/observability"
	"github.com/BearBump/TagBox/internal/telemetry"
)

type tagAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   tagAPIOpts
	api    *tagsapi.TagsAPI

	closers []func()
}

func mustBootstrapTagAPI() *tagAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.TagBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	activateLimit := int64(cfg.TagBox.ActivateRateLimitPerMinute)
	if activateLimit <= 0 {
		activateLimit = 30
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &tagAPIApp{ctx: ctx, cancel: cancel}

	shutdownTracing := telemetry.Setup("tag-api")
	app.closers = append(app.closers, func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = shutdownTracing(shutdownCtx)
	})

	st, err := bootstrap.OpenStore(ctx, cfg.Database, 60*time.Second)
	if err != nil {
		panic(err)
	}
	app.closers = append(app.closers, st.Close)

	loc, err := bootstrap.Locations(cfg.Locations)
	if err != nil {
		panic(err)
	}

	producer := bootstrap.Producer(cfg.Kafka)
	if producer != nil {
		app.closers = append(app.closers, func() { _ = producer.Close() })
	}

	var bc cache.BytesCache
	var rl *rediscache.RateLimiter
	if cfg.Redis.Host != "" {
		rc := rediscache.New(cfg.Redis.Addr())
		rl = rediscache.NewRateLimiter(cfg.Redis.Addr(), "tagbox:rl")
		bc = rc
		app.closers = append(app.closers, func() { _ = rc.Close() }, func() { _ = rl.Close() })
	}

	svcs := bootstrap.NewServices(cfg, st, producer, bc, loc, observability.Default())
	app.api = tagsapi.New(svcs.Tags, svcs.Advisor, svcs.Capacity)
	if rl != nil {
		app.api.WithRateLimiter(rl, activateLimit)
	}

	app.opts = tagAPIOpts{
		httpAddr:    httpAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}
	return app
}

func (a *tagAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *tagAPIApp) Run() error {
	return runTagAPI(a.ctx, a.opts, a.api)
}
