// Command metrics-replay plays a recorded or synthetic playback session
// through the agent against a real collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	metrics "github.com/mave-metrics/agent"
	"github.com/mave-metrics/agent/internal/config"
	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/internal/mock"
	"github.com/mave-metrics/agent/internal/replay"
	"github.com/mave-metrics/agent/media"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (built-in defaults when empty)")
	scriptPath := flag.String("script", "", "JSONL playback script to replay")
	mockName := flag.String("mock", "", "Synthetic scenario to play: "+strings.Join(mock.Scenarios(), ", "))
	seed := flag.Int64("seed", 1, "Seed for synthetic scenario jitter")
	speed := flag.Float64("speed", 1, "Playback speed multiplier")
	apiKey := flag.String("api-key", "", "Override collector API key")
	socketPath := flag.String("socket", "", "Override collector socket path")
	location := flag.String("location", "https://example.com/watch", "Page URL reported as source_url")
	identifier := flag.String("identifier", "", "Legacy session identifier")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")
	grace := flag.Duration("grace", 2*time.Second, "Time to wait for acknowledgements before leaving")
	flag.Parse()

	if err := run(options{
		configPath:  *configPath,
		scriptPath:  *scriptPath,
		mockName:    *mockName,
		seed:        *seed,
		speed:       *speed,
		apiKey:      *apiKey,
		socketPath:  *socketPath,
		location:    *location,
		identifier:  *identifier,
		metricsAddr: *metricsAddr,
		grace:       *grace,
	}); err != nil {
		logging.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	scriptPath  string
	mockName    string
	seed        int64
	speed       float64
	apiKey      string
	socketPath  string
	location    string
	identifier  string
	metricsAddr string
	grace       time.Duration
}

func run(opts options) error {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	logging.Init(cfg.Log)
	log := logging.Component("replay")

	if opts.apiKey != "" {
		cfg.Collector.APIKey = opts.apiKey
	}
	if opts.socketPath != "" {
		cfg.Collector.SocketPath = opts.socketPath
	}

	steps, name, err := loadSteps(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	page := media.NewWindow(opts.location, 900, 1080)
	player := media.NewPlayer()
	page.Mount("#video", player)

	var (
		target = metrics.Selector("#video")
		engine *media.Adaptive
	)
	if replay.UsesEngine(steps) {
		engine = media.NewAdaptive()
		engine.AttachMedia(player)
		target = metrics.EngineRef(engine)
	}

	agent := metrics.NewAgent(page, metrics.WithConfig(cfg), metrics.WithRegisterer(reg))
	defer agent.Close()

	meta := map[string]any{"title": name, "replay": true}
	identity := metrics.WithMetadata(meta)
	if opts.identifier != "" {
		identity = metrics.WithIdentifier(opts.identifier, meta, nil)
	}

	m := agent.New(target, identity).Monitor()
	if !m.Monitoring() {
		return errors.New("monitoring did not start")
	}
	sessionID := m.SessionID()
	log.Info().Str("session", sessionID).Str("script", name).Int("steps", len(steps)).Msg("replay started")

	runner := replay.NewRunner(player, page, engine)
	runner.Speed = opts.speed
	if err := runner.Run(ctx, steps); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if ctx.Err() == nil && opts.grace > 0 {
		log.Debug().Dur("grace", opts.grace).Msg("waiting for acknowledgements")
		select {
		case <-ctx.Done():
		case <-time.After(opts.grace):
		}
	}

	m.Demonitor()
	log.Info().Str("session", sessionID).Msg("replay done")
	return nil
}

func loadSteps(opts options) ([]replay.Step, string, error) {
	switch {
	case opts.scriptPath != "" && opts.mockName != "":
		return nil, "", errors.New("use either -script or -mock, not both")
	case opts.scriptPath != "":
		steps, err := replay.LoadScript(opts.scriptPath)
		return steps, filepath.Base(opts.scriptPath), err
	case opts.mockName != "":
		steps, err := mock.Generate(opts.mockName, opts.seed)
		return steps, "mock:" + opts.mockName, err
	default:
		return nil, "", errors.New("nothing to play: pass -script or -mock")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}
