package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/mareiko/lifeline/backend/internal/audit"
	"github.com/mareiko/lifeline/backend/internal/collaborator"
	"github.com/mareiko/lifeline/backend/internal/config"
	"github.com/mareiko/lifeline/backend/internal/directory"
	"github.com/mareiko/lifeline/backend/internal/handler"
	dispatchmodel "github.com/mareiko/lifeline/backend/internal/model/dispatch"
	"github.com/mareiko/lifeline/backend/internal/service/callout"
	dispatchsvc "github.com/mareiko/lifeline/backend/internal/service/dispatch"
	"github.com/mareiko/lifeline/backend/internal/service/engine"
	"github.com/mareiko/lifeline/backend/internal/service/registry"
	"github.com/mareiko/lifeline/backend/internal/service/scorer"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	sink, closeSink, err := buildAuditSink(cfg.Audit)
	if err != nil {
		log.Fatalf("failed to open audit log: %v", err)
	}
	defer closeSink()

	// Downstream collaborator simulators stand in for the hospital API,
	// ambulance network, staff pager and consultation logbook.
	collaborators := map[string]*collaborator.MemoryExecutor{
		"hospital":  collaborator.NewMemoryExecutor("hospital"),
		"ambulance": collaborator.NewMemoryExecutor("ambulance"),
		"staff":     collaborator.NewMemoryExecutor("staff"),
		"logbook":   collaborator.NewMemoryExecutor("logbook"),
	}

	orchestrator := dispatchsvc.NewOrchestrator(
		map[dispatchmodel.ActionKind]dispatchsvc.Executor{
			dispatchmodel.ActionHospitalAlert:     collaborators["hospital"],
			dispatchmodel.ActionAmbulanceDispatch: collaborators["ambulance"],
			dispatchmodel.ActionStaffNotify:       collaborators["staff"],
			dispatchmodel.ActionLogOnly:           collaborators["logbook"],
		},
		directory.NewMemoryDirectory(directory.Seed()),
		sink,
		dispatchsvc.Config{
			CriticalPolicy: dispatchsvc.RetryPolicy{
				BaseDelay:   cfg.Dispatch.CriticalBaseDelay,
				MaxDelay:    cfg.Dispatch.CriticalMaxDelay,
				MaxAttempts: cfg.Dispatch.CriticalMaxAttempts,
			},
			DefaultPolicy: dispatchsvc.RetryPolicy{
				BaseDelay:   cfg.Dispatch.DefaultBaseDelay,
				MaxDelay:    cfg.Dispatch.DefaultMaxDelay,
				MaxAttempts: cfg.Dispatch.DefaultMaxAttempts,
			},
			AttemptTimeout: cfg.Dispatch.AttemptTimeout,
			MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
		},
	)
	orchestrator.Start()

	// Initialize the urgency scorer, degrading to keyword heuristics
	// when no model is configured or the model fails to initialize.
	var chatModel model.ChatModel
	if cfg.Scorer.Enabled() {
		chatModel, err = cfg.Scorer.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			log.Println("continuing with keyword heuristics only")
			chatModel = nil
		} else {
			log.Println("LLM urgency scorer initialized successfully")
		}
	} else {
		log.Println("ark credentials not configured, scoring with keyword heuristics")
	}

	scoreSvc, err := scorer.NewService(ctx, chatModel, scorer.Config{Deadline: cfg.Scorer.Deadline})
	if err != nil {
		log.Fatalf("failed to initialize scorer: %v", err)
	}

	eng := engine.New(
		transcript.NewAggregator(),
		registry.NewRegistry(cfg.Engine.Retention),
		scoreSvc,
		orchestrator,
		sink,
		nil,
		engine.Config{
			MaxScorerFailures: cfg.Scorer.MaxFailures,
			ActiveDwell:       cfg.Engine.ActiveDwell,
			SettledDwell:      cfg.Engine.SettledDwell,
		},
	)

	var calloutSvc *callout.Service
	if cfg.Callout.Enabled() {
		calloutSvc = callout.NewService(callout.Config{
			BaseURL: cfg.Callout.BaseURL,
			AgentID: cfg.Callout.AgentID,
			APIKey:  cfg.Callout.APIKey,
			Timeout: cfg.Callout.Timeout,
		}, nil)
		log.Println("Outbound callout provider configured")
	} else {
		log.Println("callout credentials not configured, skipping outbound calls")
	}

	router := handler.NewRouter(eng, calloutSvc, collaborators)

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		log.Printf("warning: dispatch drain incomplete: %v", err)
	}
}

// buildAuditSink opens the audit destination. An empty path logs to
// standard output.
func buildAuditSink(cfg config.AuditConfig) (audit.Sink, func(), error) {
	if cfg.Path == "" {
		return audit.NewLogSink(os.Stdout), func() {}, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewLogSink(f), func() { _ = f.Close() }, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Lifeline triage backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
