// Command stackd is the orchestration daemon: it loads the project
// config, opens the SQLite state store, wires an LLM Gateway and
// Orchestrator, and serves the HTTP/WebSocket admin API until asked to
// shut down.
//
// Grounded on the teacher's cmd/maestro/main.go (flag parsing, LoadConfig
// then GetConfig, NewOrchestrator/Start, SIGINT/SIGTERM graceful
// shutdown with a bounded drain timeout).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stackforge/pkg/config"
	"stackforge/pkg/httpapi"
	"stackforge/pkg/llmgateway"
	"stackforge/pkg/logx"
	"stackforge/pkg/metrics"
	"stackforge/pkg/orchestrator"
	"stackforge/pkg/scheduler"
	"stackforge/pkg/store"
	"stackforge/pkg/wshub"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var projectDir string
	flag.StringVar(&projectDir, "projectdir", "", "Project directory (default: current directory)")
	flag.Parse()

	if projectDir == "" {
		var err error
		projectDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "determine working directory: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logx.NewLogger("stackd")

	if err := run(projectDir, logger); err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(projectDir string, logger *logx.Logger) error {
	if err := config.LoadConfig(projectDir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}

	dbPath := config.DBPathFromEnv(cfg)
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("close store: %v", closeErr)
		}
	}()

	gateway, err := llmgateway.NewGateway(gatewayConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("build LLM gateway: %w", err)
	}

	orch := orchestrator.New(st, gateway)
	sched := scheduler.New(st, orch, cfg.Scheduler.Workers)
	sched.SetTickInterval(cfg.Scheduler.TickInterval)

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		gateway.SetRecorder(recorder)
		orch.SetRecorder(recorder)
	}

	hub := wshub.New(st)

	srv := httpapi.New(st, orch, hub)
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusURL != "" {
		qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			logger.Warn("metrics query service unavailable, /stats falls back to the store: %v", err)
		} else {
			srv.SetMetricsQuery(qs)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	if recorder != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.HTTP.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal %v, shutting down", sig)
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("http server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	cancel() // stop scheduler workers and the stream hub's poll loops

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("stop scheduler: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server: %v", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// gatewayConfigFrom resolves provider API keys through config.GetAPIKey
// (environment, then the encrypted secrets store) and carries the model
// selection and fallback order from the loaded ProviderConfig.
func gatewayConfigFrom(cfg config.Config) llmgateway.Config {
	anthropicKey, _ := config.GetAPIKey(config.ProviderAnthropic)
	openAIKey, _ := config.GetAPIKey(config.ProviderOpenAI)
	groqKey, _ := config.GetAPIKey(config.ProviderGroq)
	geminiKey, _ := config.GetAPIKey(config.ProviderGemini)

	return llmgateway.Config{
		AnthropicAPIKey: anthropicKey,
		AnthropicModel:  cfg.Providers.AnthropicModel,
		OpenAIAPIKey:    openAIKey,
		OpenAIModel:     cfg.Providers.OpenAIModel,
		GroqAPIKey:      groqKey,
		GroqModel:       cfg.Providers.GroqModel,
		GeminiAPIKey:    geminiKey,
		GeminiModel:     cfg.Providers.GeminiModel,
		OllamaHostURL:   cfg.Providers.OllamaHostURL,
		OllamaModel:     cfg.Providers.OllamaModel,
		ProviderOrder:   cfg.Providers.ProviderOrder,
	}
}
