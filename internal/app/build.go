package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxlinehq/voxline/internal/config"
	"github.com/voxlinehq/voxline/internal/handoff"
	"github.com/voxlinehq/voxline/internal/httpapi"
	"github.com/voxlinehq/voxline/internal/observability"
	"github.com/voxlinehq/voxline/internal/pipeline"
	"github.com/voxlinehq/voxline/internal/session"
	"github.com/voxlinehq/voxline/internal/voice"
)

// BuildResult wires the whole service: storage, session manager, engine,
// and the HTTP/websocket gateway.
type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *voice.Engine
	Store    handoff.Store
	Metrics  *observability.Metrics

	// Cleanup releases external resources (DB pool) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := handoff.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("handoff store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.ReconnectGrace)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	processor, err := pipeline.New(cfg.PipelineMode, cfg.PipelineURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("turn pipeline init failed: %w", err)
	}
	transcriber, synthesizer := resolveSpeechBackends(cfg)

	engine := voice.NewEngine(sessions, store, transcriber, processor, synthesizer, metrics, &cfg)
	api := httpapi.New(cfg, sessions, engine, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// resolveSpeechBackends picks the STT/TTS engines. Real engines run as
// sidecar services reached over HTTP; with no URLs configured the in-process
// mocks keep local development and CI self-contained.
func resolveSpeechBackends(cfg config.Config) (voice.Transcriber, voice.Synthesizer) {
	return pipeline.NewTranscriber(cfg.STTURL), pipeline.NewSynthesizer(cfg.TTSURL)
}
