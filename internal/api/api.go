package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/EyeLine/internal/flow"
	"github.com/BTreeMap/EyeLine/internal/genai"
	"github.com/BTreeMap/EyeLine/internal/messaging"
	"github.com/BTreeMap/EyeLine/internal/metrics"
	"github.com/BTreeMap/EyeLine/internal/ratelimit"
	"github.com/BTreeMap/EyeLine/internal/reply"
	"github.com/BTreeMap/EyeLine/internal/scheduler"
	"github.com/BTreeMap/EyeLine/internal/store"
	"github.com/BTreeMap/EyeLine/internal/whatsapp"
)

// Modules carries the option slices for every component Run wires together.
type Modules struct {
	Store     []store.Option
	GenAI     []genai.Option
	Reply     []reply.Option
	Flow      []flow.Option
	RateLimit []ratelimit.Option
	WhatsApp  []whatsapp.Option
	API       []Option

	Housekeeping []scheduler.Option
}

// app is the assembled service; close releases everything build opened.
type app struct {
	cfg     Opts
	st      store.Store
	engine  *flow.Engine
	metrics *metrics.Metrics
	server  *Server
	closers []io.Closer
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("api.app.close: close failed", "error", err)
		}
	}
}

// dbProvider is implemented by the SQL store backends.
type dbProvider interface {
	DB() *sql.DB
}

// build opens the store, inference gateway and limiter and assembles the engine and HTTP routes.
func build(ctx context.Context, mods Modules) (*app, error) {
	cfg := defaultOpts()
	for _, opt := range mods.API {
		opt(&cfg)
	}
	a := &app{cfg: cfg, metrics: metrics.New()}

	st, err := store.New(mods.Store...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.st = st
	a.closers = append(a.closers, st)
	if p, ok := st.(dbProvider); ok {
		if err := a.metrics.RegisterDB(p.DB(), "eyeline"); err != nil {
			slog.Warn("api.build: failed to register database stats", "error", err)
		}
	}

	var gateway reply.Completer
	gw, err := genai.NewClient(mods.GenAI...)
	switch {
	case errors.Is(err, genai.ErrNotConfigured):
		slog.Warn("api.build: no LLM API key configured, every chat turn will use the fallback reply")
	case err != nil:
		a.close()
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	default:
		gateway = gw
	}
	composer := reply.NewComposer(gateway, append([]reply.Option{reply.WithObserver(a.metrics)}, mods.Reply...)...)

	limiter, err := ratelimit.New(ctx, mods.RateLimit...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if c, ok := limiter.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	flowOpts := append([]flow.Option{flow.WithLimiter(limiter), flow.WithRecorder(a.metrics)}, mods.Flow...)
	a.engine = flow.NewEngine(st, composer, flowOpts...)

	webhookOpts := []messaging.TwilioOption{
		messaging.WithAuthToken(cfg.TwilioAuthToken),
		messaging.WithPublicURL(cfg.PublicURL),
		messaging.WithTwilioRecorder(a.metrics),
	}
	if d, ok := st.(store.DedupRepo); ok {
		webhookOpts = append(webhookOpts, messaging.WithDedup(d))
	}
	webhook := messaging.NewTwilioWebhook(a.engine, webhookOpts...)

	a.server = NewServer(st, webhook, a.metrics, mods.API...)
	return a, nil
}

// startWhatsmeow connects the whatsmeow session and feeds it into the engine.
func (a *app) startWhatsmeow(ctx context.Context, opts []whatsapp.Option) (*messaging.WhatsAppService, *whatsapp.Client, error) {
	client, err := whatsapp.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create whatsmeow client: %w", err)
	}
	svcOpts := []messaging.WhatsAppOption{messaging.WithWhatsAppRecorder(a.metrics)}
	if o, ok := a.st.(store.OutboxRepo); ok {
		svcOpts = append(svcOpts, messaging.WithOutbox(o))
	}
	if d, ok := a.st.(store.DedupRepo); ok {
		svcOpts = append(svcOpts, messaging.WithWhatsAppDedup(d))
	}
	svc := messaging.NewWhatsAppService(a.engine, client, svcOpts...)
	if err := svc.Start(ctx); err != nil {
		client.Disconnect()
		return nil, nil, err
	}
	return svc, client, nil
}

// startHousekeeping schedules dedup and outbox pruning when the store supports it.
func (a *app) startHousekeeping(opts []scheduler.Option) (*scheduler.Scheduler, error) {
	p, ok := a.st.(store.Pruner)
	if !ok {
		return nil, nil
	}
	h := scheduler.NewHousekeeper(p, opts...)
	if !h.Enabled() {
		slog.Info("api.startHousekeeping: housekeeping disabled")
		return nil, nil
	}
	s := scheduler.NewScheduler()
	if err := h.Register(s); err != nil {
		s.Stop(context.Background())
		return nil, fmt.Errorf("failed to schedule housekeeping: %w", err)
	}
	return s, nil
}

// Run wires all modules, serves HTTP until ctx is cancelled and then shuts down gracefully.
func Run(ctx context.Context, mods Modules) error {
	a, err := build(ctx, mods)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := a.startHousekeeping(mods.Housekeeping)
	if err != nil {
		return err
	}
	if sched != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	if a.cfg.WhatsmeowEnabled {
		svc, client, err := a.startWhatsmeow(ctx, mods.WhatsApp)
		if err != nil {
			return err
		}
		defer client.Disconnect()
		defer svc.Stop()
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// The inference deadline plus store writes must fit inside one request.
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Run: listening", "addr", a.cfg.Addr,
			"admin_enabled", a.cfg.AdminToken != "",
			"signature_check", a.cfg.TwilioAuthToken != "",
			"whatsmeow", a.cfg.WhatsmeowEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("api.Run: shutting down", "timeout", a.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("api.Run: stopped")
	return nil
}
