package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tamabayevs/corematch/internal/candidate"
	"github.com/tamabayevs/corematch/internal/capture"
	"github.com/tamabayevs/corematch/internal/config"
	"github.com/tamabayevs/corematch/internal/device"
	"github.com/tamabayevs/corematch/internal/httpapi"
	"github.com/tamabayevs/corematch/internal/interview"
	"github.com/tamabayevs/corematch/internal/journal"
	"github.com/tamabayevs/corematch/internal/observability"
	"github.com/tamabayevs/corematch/internal/preview"
	"github.com/tamabayevs/corematch/internal/publicapi"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *candidate.Manager
	Orchestrator *interview.Orchestrator
	Journal      journal.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	journalStore, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	client := publicapi.NewClient(publicapi.Options{
		BaseURL: cfg.BackendBaseURL,
		Timeout: cfg.BackendTimeout,
		Locale:  cfg.CandidateLocale,
	})

	sessions := candidate.NewManager(cfg.SessionInactivityTimeout, cfg.SessionRetention)
	previews := preview.NewStore()

	orchestrator := interview.NewOrchestrator(client, sessions, previews, journalStore, metrics, interview.Settings{
		AcquireTimeout: cfg.DeviceAcquireTimeout,
		AdvanceDelay:   cfg.CompleteAdvanceDelay,
		UploadTimeout:  cfg.UploadTimeout,
		Capture: capture.Options{
			Timeslice:       cfg.CaptureTimeslice,
			FinalizeTimeout: cfg.CaptureFinalizeTimeout,
		},
	}, logger)

	api := httpapi.New(cfg, sessions, orchestrator, previews, metrics, logger)
	if cfg.DeviceSource == "synthetic" {
		api.WithSourceFactory(func(string) device.Source {
			return device.NewSyntheticSource(device.SyntheticOptions{})
		})
	}

	// An expired session loses its live connection and its attempt state.
	sessions.SetExpireHook(func(s *candidate.Session) {
		api.Disconnect(s.ID)
		orchestrator.Forget(s.ID)
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	cleanup := func() error {
		if err := journalStore.Close(); err != nil {
			return fmt.Errorf("journal store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Journal:      journalStore,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
