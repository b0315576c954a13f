package sweeps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// Both sweeps are idempotent conditional updates, so overlapping runs are
// harmless; retries just re-scan.

type ExpireFoodArgs struct{}

func (ExpireFoodArgs) Kind() string { return "expire_food_posts" }

type ExpireExchangesArgs struct{}

func (ExpireExchangesArgs) Kind() string { return "expire_stale_exchanges" }

// FoodSweeper expires available posts past their expiry time.
type FoodSweeper interface {
	ExpireDuePosts(ctx context.Context) (int, error)
}

// ExchangeSweeper cancels pending exchanges that sat unconfirmed too long.
type ExchangeSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

type ExpireFoodWorker struct {
	river.WorkerDefaults[ExpireFoodArgs]
	foods  FoodSweeper
	logger *slog.Logger
}

func NewExpireFoodWorker(foods FoodSweeper, logger *slog.Logger) *ExpireFoodWorker {
	return &ExpireFoodWorker{foods: foods, logger: logger}
}

func (w *ExpireFoodWorker) Work(ctx context.Context, _ *river.Job[ExpireFoodArgs]) error {
	n, err := w.foods.ExpireDuePosts(ctx)
	if err != nil {
		return fmt.Errorf("food expiry sweep: %w", err)
	}
	w.logger.Debug("food expiry sweep done", "expired", n)
	return nil
}

type ExpireExchangesWorker struct {
	river.WorkerDefaults[ExpireExchangesArgs]
	exchanges ExchangeSweeper
	logger    *slog.Logger
}

func NewExpireExchangesWorker(exchanges ExchangeSweeper, logger *slog.Logger) *ExpireExchangesWorker {
	return &ExpireExchangesWorker{exchanges: exchanges, logger: logger}
}

func (w *ExpireExchangesWorker) Work(ctx context.Context, _ *river.Job[ExpireExchangesArgs]) error {
	n, err := w.exchanges.ExpireStale(ctx)
	if err != nil {
		return fmt.Errorf("stale exchange sweep: %w", err)
	}
	w.logger.Debug("stale exchange sweep done", "expired", n)
	return nil
}

// PeriodicJobs returns the sweep schedule for the river client: posts every
// five minutes, pending exchanges every minute so the 30-minute confirmation
// window stays tight.
func PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(5*time.Minute),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireFoodArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Minute),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireExchangesArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
