// Package server wires the store, the agents and the Telegram transport into
// the running service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/devmatch/devmatch/ai/embedding"
	"github.com/devmatch/devmatch/ai/llm"
	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/chatflow"
	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/matching"
	"github.com/devmatch/devmatch/metrics"
	"github.com/devmatch/devmatch/scheduler"
	"github.com/devmatch/devmatch/store"
)

// Server is the devmatch service.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	metrics    *metrics.Metrics
	channel    *telegram.Channel
	scheduler  *scheduler.Scheduler
	engine     *matching.Engine
	coalescer  *chatflow.Coalescer
	consent    *matching.Consent
	announcer  *Announcer
	router     *router
}

// NewServer creates the fully wired service.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store) (*Server, error) {
	m := metrics.New()

	channel, err := telegram.NewChannel(p.BotToken, p.AdminGroupID, telegram.NewGates())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram channel")
	}
	transport := newCountingTransport(channel, m)

	pricing := llm.Pricing{
		InputPerM:       p.PriceInputPerM,
		CachedInputPerM: p.PriceCachedInputPerM,
		OutputPerM:      p.PriceOutputPerM,
	}
	agentConfig := &llm.Config{
		APIKey:  p.LLMAPIKey,
		BaseURL: p.LLMBaseURL,
		Model:   p.LLMModel,
		Timeout: p.LLMTimeout,
		Pricing: pricing,
	}
	historyAgent := llm.NewHistoryAgent(agentConfig)
	var continuationAgent llm.Agent
	if p.AgentMode == profile.AgentModeContinuation {
		continuationAgent = llm.NewContinuationAgent(agentConfig)
	}
	embedder := embedding.NewService(&embedding.Config{
		APIKey:     p.EmbeddingAPIKey,
		BaseURL:    p.EmbeddingBaseURL,
		Model:      p.EmbeddingModel,
		Dimensions: p.EmbeddingDimensions,
	})

	sched := scheduler.New(st, p.WeeklyBudgetUSD, m)
	engine := matching.NewEngine(st, sched, m, p.SimilarityThreshold, p.MaxCandidates, p.MatchRetryInterval)

	var mirror chatflow.AdminMirror
	if p.AdminGroupID != 0 {
		mirror = newAdminMirror(st, channel)
	}

	chatRunner := chatflow.NewRunner(st, historyAgent, continuationAgent, embedder, transport, mirror, p)
	matchRunner := matching.NewRunner(st, historyAgent, transport, engine, p.Locale)
	sched.SetRunners(chatRunner, matchRunner)

	coalescer := chatflow.NewCoalescer(st, sched, transport)
	consent := matching.NewConsent(st, transport, m, engine)
	announcer := NewAnnouncer(st, channel, transport)

	s := &Server{
		Profile:   p,
		Store:     st,
		metrics:   m,
		channel:   channel,
		scheduler: sched,
		engine:    engine,
		coalescer: coalescer,
		consent:   consent,
		announcer: announcer,
	}
	s.router = newRouter(s)
	s.echoServer = newEchoServer(p, m)
	return s, nil
}

func newEchoServer(p *profile.Profile, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if p.IsDev() {
		e.Use(middleware.Logger())
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	return e
}

// Start runs the HTTP surface, the scheduler, the matching engine and the
// Telegram update loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := s.echoServer.Start(fmt.Sprintf(":%d", s.Profile.Port))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})

	group.Go(func() error {
		err := s.scheduler.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	s.engine.Start(ctx)

	group.Go(func() error {
		s.router.run(ctx)
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		s.channel.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echoServer.Shutdown(shutdownCtx)
	})

	slog.Info("devmatch started",
		"port", s.Profile.Port,
		"agent_mode", s.Profile.AgentMode,
		"weekly_budget_usd", s.Profile.WeeklyBudgetUSD)
	return group.Wait()
}

// Shutdown closes what Start does not own.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("devmatch stopped")
}
