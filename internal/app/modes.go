package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/okoval/bingxbot/internal/blob/s3"
	"github.com/okoval/bingxbot/internal/ingest"
	"github.com/okoval/bingxbot/internal/platform/bingx"
	"github.com/okoval/bingxbot/internal/reconciler"
	"github.com/okoval/bingxbot/internal/service"
)

// ReconcileMode runs the reconciliation loop (plus the optional order feed
// and archiver) without the intent consumer.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startReconciler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// IngestMode runs only the intent consumer and placement flow.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	return g.Wait()
}

// FullMode runs ingestion and reconciliation together; this is the normal
// production configuration.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	a.startReconciler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

func (a *App) startReconciler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	breakeven := reconciler.NewBreakevenTransition(
		deps.Exchange,
		deps.PositionStore,
		deps.AuditStore,
		deps.Slots,
		deps.Notifier,
		a.cfg.Reconciler.CancelSettleDelay.Duration,
		a.cfg.Reconciler.CreateDelay.Duration,
		a.logger,
	)
	closure := reconciler.NewClosureHandler(
		deps.PositionStore,
		deps.AuditStore,
		deps.Slots,
		deps.Notifier,
		a.logger,
	)
	evaluator := reconciler.NewEvaluator(
		deps.Exchange,
		deps.PositionStore,
		deps.AuditStore,
		breakeven,
		closure,
		deps.Notifier,
		a.logger,
	)

	var wake <-chan struct{}
	if a.cfg.BingX.WsURL != "" {
		feed := bingx.NewOrderFeed(deps.Exchange, a.cfg.BingX.WsURL, deps.SignalBus, a.logger)
		wake = feed.Wake()
		g.Go(func() error {
			return feed.Run(ctx)
		})
	}

	loop := reconciler.NewLoop(
		deps.PositionStore,
		evaluator,
		a.cfg.Reconciler.CheckInterval.Duration,
		a.cfg.Reconciler.APIRequestDelay.Duration,
		wake,
		a.logger,
	)
	g.Go(func() error {
		return loop.Run(ctx)
	})
}

func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Ingest.Enabled {
		a.logger.InfoContext(ctx, "intent ingestion disabled")
		return
	}

	placement := service.NewPlacement(
		deps.Exchange,
		deps.PositionStore,
		deps.AuditStore,
		deps.Slots,
		deps.Notifier,
		a.logger,
	)
	consumer := ingest.NewConsumer(
		deps.SignalBus,
		placement,
		a.cfg.Ingest.Stream,
		a.cfg.Ingest.BatchSize,
		a.cfg.Ingest.Poll.Duration,
		a.cfg.Ingest.DedupeTTL.Duration,
		a.logger,
	)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}

	archiver := s3blob.NewArchiver(
		deps.BlobWriter,
		deps.PositionStore,
		deps.AuditStore,
		time.Duration(a.cfg.Archive.RetentionDays)*24*time.Hour,
		a.cfg.Archive.Interval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return archiver.Run(ctx)
	})
}
