package pipeline

import (
	"context"
	"errors"
	"fmt"

	"halftimebot/internal/domain"
	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

type Sink interface {
	RecordPicks(ctx context.Context, e domain.Event, picks []domain.SelectedPick) ([]int64, error)
	RecordOutcomes(ctx context.Context, e domain.Event, finalStats []domain.PlayerStatLine) (int, error)
}

// Notifier announces recorded picks. Implementations must not block long.
type Notifier interface {
	NotifyPicks(ctx context.Context, key domain.JobKey, e domain.Event, picks []domain.SelectedPick) error
}

// Exporter writes picks for a game to a file.
type Exporter interface {
	ExportPicks(e domain.Event, picks []domain.SelectedPick) (string, error)
}

type Runner struct {
	agg      *Aggregator
	sink     Sink
	cache    *SnapshotCache
	notifier Notifier
	exporter Exporter
	bus      eventbus.Bus
	log      logx.Logger
}

type RunnerOption func(*Runner)

func WithNotifier(n Notifier) RunnerOption { return func(r *Runner) { r.notifier = n } }
func WithExporter(x Exporter) RunnerOption { return func(r *Runner) { r.exporter = x } }
func WithBus(b eventbus.Bus) RunnerOption  { return func(r *Runner) { r.bus = b } }

func NewRunner(agg *Aggregator, sink Sink, cache *SnapshotCache, log logx.Logger, opts ...RunnerOption) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cache == nil {
		cache = NewSnapshotCache(0)
	}
	r := &Runner{agg: agg, sink: sink, cache: cache, log: log.With(logx.String("comp", "pipeline"))}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

func (r *Runner) Cache() *SnapshotCache { return r.cache }

// HandleMilestone is the milestone tracker's handler. It runs once per
// (event, milestone). A missing box score halts this run quietly; upstream
// and persistence failures are returned.
func (r *Runner) HandleMilestone(ctx context.Context, e domain.Event, kind domain.MilestoneKind) error {
	key := domain.JobKey{EventID: e.EventID(), Kind: kind}
	log := r.log.With(logx.String("job", key.String()), logx.String("game", e.GameLabel()))

	g, err := r.agg.Aggregate(ctx, e, kind)
	if err != nil {
		if errors.Is(err, domain.ErrNoData) {
			log.Warn("pipeline halted: no statistics", logx.Err(err))
			eventbus.Publish(r.bus, eventbus.TypePipelineFailed, map[string]any{"job": key.String(), "error": err.Error()})
			return nil
		}
		return fmt.Errorf("aggregate: %w", err)
	}
	r.cache.Put(g)

	switch kind {
	case domain.Halftime:
		return r.halftime(ctx, log, key, g)
	case domain.EndOfGame:
		return r.endOfGame(ctx, log, g)
	default:
		return fmt.Errorf("unknown milestone %d", kind)
	}
}

func (r *Runner) halftime(ctx context.Context, log logx.Logger, key domain.JobKey, g domain.AggregatedGame) error {
	var props []domain.PropBet
	if g.Props != nil {
		props = g.Props.Bets
	}
	picks := Predict(props, g.Stats)
	log.Info("picks selected", logx.Int("props", len(props)), logx.Int("stats", len(g.Stats)), logx.Int("picks", len(picks)))
	if len(picks) == 0 {
		return nil
	}

	ids, err := r.sink.RecordPicks(ctx, g.Event, picks)
	if err != nil {
		return err
	}
	eventbus.Publish(r.bus, eventbus.TypePicksRecorded, map[string]any{
		"game":  g.Event.GameLabel(),
		"date":  g.Event.LocalDate,
		"ids":   ids,
		"picks": picks,
	})

	// Notification and export are best effort once the rows exist.
	if r.notifier != nil {
		if err := r.notifier.NotifyPicks(ctx, key, g.Event, picks); err != nil {
			log.Warn("pick notification failed", logx.Err(err))
		}
	}
	if r.exporter != nil {
		if path, err := r.exporter.ExportPicks(g.Event, picks); err != nil {
			log.Warn("pick export failed", logx.Err(err))
		} else if path != "" {
			log.Debug("picks exported", logx.String("path", path))
		}
	}
	return nil
}

func (r *Runner) endOfGame(ctx context.Context, log logx.Logger, g domain.AggregatedGame) error {
	n, err := r.sink.RecordOutcomes(ctx, g.Event, g.Stats)
	if err != nil {
		return err
	}
	eventbus.Publish(r.bus, eventbus.TypeOutcomesRecorded, map[string]any{
		"game":    g.Event.GameLabel(),
		"date":    g.Event.LocalDate,
		"updated": n,
	})
	log.Info("outcomes settled", logx.Int("updated", n))
	return nil
}
