package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/TagBox/config"
	"github.com/BearBump/TagBox/internal/services/sweeper"
	"github.com/stretchr/testify/require"
)

type noopSweep struct{}

func (noopSweep) SweepExpired(ctx context.Context, now time.Time) (int, error) { return 0, nil }

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("db down") }

func startWorkerHTTP(t *testing.T, opts workerHTTPOpts) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	opts.httpAddr = "127.0.0.1:0"
	opts.onListen = func(a string) { addrCh <- a }
	errCh := make(chan error, 1)
	go func() { errCh <- runWorkerHTTPServer(ctx, opts) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return "http://" + <-addrCh
}

func TestWorkerHTTP_Endpoints(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	s := sweeper.New(noopSweep{})
	base := startWorkerHTTP(t, workerHTTPOpts{
		swaggerPath: sw,
		sweeper:     s,
		cfg:         &config.Config{TagBox: config.TagBoxConfig{WorkerSweepBatchSize: 200}},
	})

	for _, path := range []string{"/healthz", "/readyz", "/stats", "/metrics", "/swagger.json"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(base + "/config")
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	require.EqualValues(t, 200, cfg["sweepBatchSize"])
	require.Equal(t, true, cfg["inMemoryStore"])

	resp, err = http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotNil(t, s.Stats().LastTriggerAt)
}

func TestWorkerHTTP_ReadyzReportsStore(t *testing.T) {
	base := startWorkerHTTP(t, workerHTTPOpts{store: failingPinger{}})

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWorkerHTTP_MissingSwagger(t *testing.T) {
	err := runWorkerHTTPServer(context.Background(), workerHTTPOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	require.Error(t, err)
}
