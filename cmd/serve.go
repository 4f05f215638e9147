package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/ingest"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/monitoring"
	"github.com/govbrief/opptrack/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long:  "Serves opportunities, run history, budget counters, and AI insights over HTTP for the dashboard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background cache sweeps and health checks for the lifetime of
		// the server.
		env.Cache.StartSweeper(ctx, time.Duration(cfg.Cache.SweepMinutes)*time.Minute)
		checker := monitoring.NewChecker(env.Collector, env.Alerter, cfg.Monitoring)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the dashboard API routes.
func buildRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/opportunities", env.handleListOpportunities)
		r.Get("/opportunities/{source}/{key}", env.handleGetOpportunity)
		r.Get("/runs", env.handleListRuns)
		r.Get("/budget", env.handleBudget)
		r.Get("/metrics", env.handleMetrics)
		r.Post("/sync", env.handleTriggerSync)

		r.Route("/insight", func(r chi.Router) {
			r.Post("/market", env.insightTopicHandler(env.analyzerMarket))
			r.Post("/trends", env.insightTopicHandler(env.analyzerTrends))
			r.Post("/news", env.insightTopicHandler(env.analyzerNews))
			r.Post("/win-probability", env.handleWinProbability)
			r.Post("/compliance", env.handleCompliance)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (e *appEnv) handleListOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OpportunityFilter{
		SourceName: q.Get("source"),
		Status:     model.OpportunityStatus(q.Get("status")),
		Agency:     q.Get("agency"),
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_score must be a number")
			return
		}
		filter.MinTotalScore = score
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	opps, err := e.Store.ListOpportunities(r.Context(), filter)
	if err != nil {
		zap.L().Error("list opportunities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list opportunities failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps, "count": len(opps)})
}

func (e *appEnv) handleGetOpportunity(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	key := chi.URLParam(r, "key")

	o, err := e.Store.GetOpportunity(r.Context(), source, key)
	if err != nil {
		zap.L().Error("get opportunity failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get opportunity failed")
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (e *appEnv) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := e.Store.ListSourceRuns(r.Context(), store.RunFilter{
		SourceName: r.URL.Query().Get("source"),
		Limit:      limit,
	})
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (e *appEnv) handleBudget(w http.ResponseWriter, r *http.Request) {
	counters, err := e.Tracker.Counters(r.Context())
	if err != nil {
		zap.L().Error("load budget counters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load budget failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

func (e *appEnv) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := e.Collector.Collect(r.Context(), cfg.Monitoring.LookbackHours)
	if err != nil {
		zap.L().Error("collect metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "collect metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e *appEnv) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode    string   `json:"mode"`
		Sources []string `json:"sources"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	mode := ingest.ModeIntelligent
	if req.Mode == "full" {
		mode = ingest.ModeFull
	}

	// The cycle outlives the request; the lease prevents pile-ups from
	// repeated triggers.
	go func() {
		result, err := e.Engine.RunCycle(context.Background(), mode, req.Sources)
		if err != nil {
			if eris.Is(err, ingest.ErrCycleInProgress) {
				zap.L().Info("sync trigger ignored, cycle already running")
				return
			}
			zap.L().Error("triggered sync failed", zap.Error(err))
			return
		}
		zap.L().Info("triggered sync complete",
			zap.Int("completed", result.Completed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "mode": string(mode)})
}

type topicAnalysis func(ctx context.Context, topic string) (any, error)

func (e *appEnv) analyzerMarket(ctx context.Context, topic string) (any, error) {
	return e.Analyzer.MarketAnalysis(ctx, topic)
}

func (e *appEnv) analyzerTrends(ctx context.Context, topic string) (any, error) {
	return e.Analyzer.TrendAnalysis(ctx, topic)
}

func (e *appEnv) analyzerNews(ctx context.Context, topic string) (any, error) {
	return e.Analyzer.NewsPulse(ctx, topic)
}

func (e *appEnv) insightTopicHandler(analyze topicAnalysis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Topic string `json:"topic"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
			writeError(w, http.StatusBadRequest, "topic is required")
			return
		}
		result, err := analyze(r.Context(), req.Topic)
		if err != nil {
			zap.L().Error("insight query failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "analysis failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// loadReferencedOpportunity resolves the {source, key} body used by the
// per-opportunity insight endpoints. On failure the error response is
// already written and nil is returned.
func (e *appEnv) loadReferencedOpportunity(w http.ResponseWriter, r *http.Request) *model.Opportunity {
	var req struct {
		Source string `json:"source"`
		Key    string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "source and key are required")
		return nil
	}

	o, err := e.Store.GetOpportunity(r.Context(), req.Source, req.Key)
	if err != nil {
		zap.L().Error("get opportunity failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get opportunity failed")
		return nil
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return nil
	}
	return o
}

func (e *appEnv) handleWinProbability(w http.ResponseWriter, r *http.Request) {
	opp := e.loadReferencedOpportunity(w, r)
	if opp == nil {
		return
	}
	est, err := e.Analyzer.WinProbability(r.Context(), opp)
	if err != nil {
		zap.L().Error("win probability failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (e *appEnv) handleCompliance(w http.ResponseWriter, r *http.Request) {
	opp := e.loadReferencedOpportunity(w, r)
	if opp == nil {
		return
	}
	res, err := e.Analyzer.ComplianceCheck(r.Context(), opp)
	if err != nil {
		zap.L().Error("compliance check failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
