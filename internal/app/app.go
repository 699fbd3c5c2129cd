// Package app wires all streamscribe subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run serves the health/metrics endpoint until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject real or fake collaborators via functional options
// (WithChatRegistry, WithMetrics, etc). When an option is not provided, New
// creates the real implementation from cfg.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/health"
	"github.com/streamscribe/streamscribe/internal/media"
	"github.com/streamscribe/streamscribe/internal/observe"
	"github.com/streamscribe/streamscribe/internal/secretbox"
	"github.com/streamscribe/streamscribe/internal/sentence"
	"github.com/streamscribe/streamscribe/internal/store"
	"github.com/streamscribe/streamscribe/internal/stream"
	"github.com/streamscribe/streamscribe/internal/transcribe"
	"github.com/streamscribe/streamscribe/internal/vad"
)

// App owns every subsystem's lifetime and exposes the surface main.go
// drives: the StreamRegistry/CommandRouter pair for inbound commands, and
// an HTTP server for health checks and metric scraping.
type App struct {
	cfg *config.Config

	store        *store.Store
	box          *secretbox.Box
	chatRegistry *chat.Registry
	transcriber  transcribe.Transcriber
	pool         *transcribe.Pool
	metrics      *observe.Metrics

	StreamRegistry *stream.Registry
	Router         *stream.CommandRouter

	httpServer *http.Server

	otelShutdown func(context.Context) error

	// closers run in reverse registration order during Shutdown: the
	// most recently appended closer runs first — mirrors the
	// reverse-dependency-order teardown used throughout the collaborators
	// this package wires together.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New, used to inject test doubles.
type Option func(*App)

// WithChatRegistry injects a chat registry instead of connecting to Discord.
func WithChatRegistry(r *chat.Registry) Option {
	return func(a *App) { a.chatRegistry = r }
}

// WithMetrics injects a metrics instance instead of building one from cfg.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTranscriber injects a Transcriber instead of loading a whisper.cpp
// model from cfg.Whisper.Model.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// New wires every subsystem together: the encrypted secret store, the
// per-workspace chat registry, the local transcription worker pool, and the
// StreamRegistry/CommandRouter pair that the Discord gateway adapter and
// HTTP layer both depend on.
//
// New performs all initialisation synchronously. chatEnv's BotToken/GuildID come from
// the DISCORD_BOT_TOKEN/DISCORD_GUILD_ID environment variables (read by
// main.go, not this package, so App stays testable without real credentials).
func New(ctx context.Context, cfg *config.Config, cookieKey string, chatEnv chat.EnvFallback, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(cookieKey); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initChat(ctx, chatEnv); err != nil {
		return nil, fmt.Errorf("app: init chat: %w", err)
	}
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}
	a.initStream()
	a.initHTTP()
	a.registerGatewayHandlers()

	return a, nil
}

func (a *App) initStore(cookieKey string) error {
	if a.store != nil {
		return nil
	}
	box, err := secretbox.NewFromBase64(cookieKey)
	if err != nil {
		return err
	}
	a.box = box
	st, err := store.Open(a.cfg.Store.Path, box)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return nil
}

func (a *App) initChat(ctx context.Context, env chat.EnvFallback) error {
	if a.chatRegistry != nil {
		return nil
	}
	reg, err := chat.NewRegistry(ctx, a.store, env)
	if err != nil {
		return err
	}
	a.chatRegistry = reg
	a.closers = append(a.closers, reg.Close)
	return nil
}

func (a *App) initMetrics() error {
	if a.metrics != nil {
		return nil
	}
	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "streamscribe",
	})
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown
	a.closers = append(a.closers, func() error {
		return a.otelShutdown(context.Background())
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

func (a *App) initTranscription() error {
	if a.transcriber == nil {
		device := transcribe.Device(a.cfg.Whisper.Device)
		w, err := transcribe.NewWhisperTranscriber(a.cfg.Whisper.Model, a.cfg.Whisper.Language, transcribe.WithDevice(device))
		if err != nil {
			return err
		}
		a.transcriber = w
		a.closers = append(a.closers, w.Close)
	}
	gpu := a.cfg.Whisper.Device == config.WhisperDeviceGPU
	a.pool = transcribe.New(a.transcriber, transcribe.NumWorkers(gpu), 64)
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	return nil
}

func (a *App) initStream() {
	a.StreamRegistry = stream.NewRegistry()
	a.Router = stream.NewCommandRouter(a.StreamRegistry, a.store, a.depsFactory, version())
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New(a.StreamRegistry.ActiveCount).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	var handler http.Handler = mux
	handler = observe.Middleware(a.metrics)(handler)
	a.httpServer = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: handler}
}

// depsFactory resolves the per-stream [stream.Deps] for a (team, user)
// command: the workspace's ChatClient, a fresh MediaSource (media.Source is
// a one-shot pipeline and cannot be shared across concurrent streams), and
// the shared transcription pool. VAD and Sentence settings come from cfg
// alone; language is not used here and reaches transcription as the
// per-segment language hint.
func (a *App) depsFactory(ctx context.Context, teamID, userID, language string) (stream.Deps, error) {
	client, err := a.chatRegistry.Get(teamID)
	if err != nil {
		return stream.Deps{}, err
	}

	mediaSrc := media.New(media.Config{
		DownloadDir: a.cfg.YouTube.DownloadDir,
		Format:      a.cfg.YouTube.Format,
	})

	vadCfg := vad.Config{
		SampleRate:     media.SampleRate,
		Aggressiveness: a.cfg.VAD.Aggressiveness,
		FrameMs:        a.cfg.VAD.FrameMs,
	}
	sentenceCfg := sentence.Config{
		FlushSilenceMs: a.cfg.VAD.FlushSilenceMs,
		SoftLen:        a.cfg.VAD.SoftLen,
		HardLen:        a.cfg.VAD.HardLen,
	}
	_ = language // language selects the whisper hint at transcription time, not VAD/Sentence

	return stream.Deps{
		Media:    mediaSrc,
		Pool:     a.pool,
		Chat:     client,
		VAD:      vadCfg,
		Sentence: sentenceCfg,
		Metrics:  a.metrics,
	}, nil
}

// Run serves the health/metrics HTTP endpoint until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then runs every closer in reverse
// registration order, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("app: http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// buildVersion is the value reported by `/youtube2thread-status`. Overridden at
// build time via -ldflags, matching the common Go CLI pattern of a package
// var assigned by the linker; unset in a plain build.
var buildVersion = "dev"

func version() string { return buildVersion }
