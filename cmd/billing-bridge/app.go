package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/rcourtman/billing-bridge/internal/channel"
	"github.com/rcourtman/billing-bridge/internal/config"
	"github.com/rcourtman/billing-bridge/internal/events"
	"github.com/rcourtman/billing-bridge/internal/metrics"
	"github.com/rcourtman/billing-bridge/internal/sandbox"
	"github.com/rcourtman/billing-bridge/internal/tracing"
	"github.com/rcourtman/billing-bridge/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// app is the wired bridge: sandbox service, session, channel handler and
// websocket transport.
type app struct {
	cfg        *config.Config
	store      *sandbox.Store
	service    *sandbox.Service
	session    *billing.Session
	dispatcher *events.Dispatcher
	hub        *websocket.Hub
	tracing    tracing.ShutdownFunc
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	shutdownTracing, err := tracing.InitTracerProvider(ctx, cfg.OTLPEndpoint, "billing-bridge", Version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := sandbox.OpenStore(cfg.Sandbox.DBPath)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("open sandbox store: %w", err)
	}

	if cfg.Sandbox.CatalogPath != "" {
		if _, err := importCatalog(ctx, store, cfg.Sandbox.CatalogPath); err != nil {
			store.Close()
			_ = shutdownTracing(ctx)
			return nil, err
		}
	}

	publisher, err := events.NewPublisher(cfg.EventsOptions())
	if err != nil {
		store.Close()
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("create events publisher: %w", err)
	}
	dispatcher := events.NewDispatcher(publisher, 0)

	service := sandbox.NewService(store, sandbox.Options{
		ConnectDelay:  cfg.Sandbox.ConnectDelay,
		PurchaseDelay: cfg.Sandbox.PurchaseDelay,
		FailConnect:   cfg.Sandbox.FailConnect,
		Subscriptions: cfg.Sandbox.Subscriptions,
		Outcome:       sandbox.Outcome(cfg.Sandbox.PurchaseOutcome),
	})

	// The hub needs the handler and the session needs the hub's hooks, so the
	// handler reaches the session through a late-bound broker.
	broker := &sessionBroker{}
	hub := websocket.NewHub(channel.NewHandler(broker), websocket.Options{
		AllowedOrigins: cfg.Origins(),
		RateLimit:      cfg.ChannelRate,
		Burst:          cfg.ChannelBurst,
	})

	sessionCfg := cfg.BillingConfig()
	sessionCfg.Hooks = billing.Chain(metrics.Hooks(), dispatcher.Hooks(), hub.Hooks())
	session := billing.NewSession(service, sessionCfg)
	broker.Session = session
	hub.SetStateGetter(session.State)

	return &app{
		cfg:        cfg,
		store:      store,
		service:    service,
		session:    session,
		dispatcher: dispatcher,
		hub:        hub,
		tracing:    shutdownTracing,
	}, nil
}

// sessionBroker embeds the session once it exists.
type sessionBroker struct {
	*billing.Session
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", a.hub.HandleWebSocket)
	mux.HandleFunc("/healthz", a.handleHealth)
	return mux
}

type healthResponse struct {
	Status           string       `json:"status"`
	Connection       string       `json:"connection"`
	QueuedRequests   int          `json:"queuedRequests"`
	PendingPurchases int          `json:"pendingPurchases"`
	Clients          int          `json:"clients"`
	Events           eventsHealth `json:"events"`
}

type eventsHealth struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	published, dropped, failed := a.dispatcher.Stats()
	resp := healthResponse{
		Status:           "ok",
		Connection:       a.session.State().String(),
		QueuedRequests:   a.session.QueueLen(),
		PendingPurchases: a.session.PendingPurchases(),
		Clients:          a.hub.GetClientCount(),
		Events:           eventsHealth{Published: published, Dropped: dropped, Failed: failed},
	}
	select {
	case <-a.session.Done():
		resp.Status = "stopped"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	default:
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// run serves until ctx is done, then tears everything down.
func (a *app) run(ctx context.Context) error {
	startMetricsServer(ctx, a.cfg.MetricsAddr)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", a.cfg.ListenAddr).Msg("Channel server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("channel server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down billing bridge")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Channel server shutdown error")
		}
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := a.close(shutdownCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// close releases everything newApp created. The session goes first so that
// its final purchase outcomes still reach the dispatcher.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	a.service.Close()
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close events: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.tracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}
