package payrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/internal/apierror"
	redlock "github.com/blnkfinance/payrail/internal/lock"
)

const (
	TypePayoutSeller    = "payout:seller"
	TypePayoutTick      = "payout:tick"
	TypePayoutReconcile = "payout:reconcile"
	TypePayoutBatch     = "payout:batch"

	schedulerLockKey = "payrail:payout-scheduler"
	schedulerLockTTL = 5 * time.Minute
	dueScheduleLimit = 500
	batchProcessSize = 50

	// taskRetention keeps finished task ids around so a second tick on the
	// same day still collides with them.
	taskRetention = 48 * time.Hour
)

var errNoEnqueuer = errors.New("task enqueuer is not configured")

// TaskEnqueuer is the part of *asynq.Client the scheduler needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type sellerPayoutTask struct {
	SellerID string    `json:"seller_id"`
	Tick     time.Time `json:"tick"`
}

// PayoutScheduler turns due schedules into one payout task per seller and tick.
type PayoutScheduler struct {
	payrail *Payrail
	locker  *redlock.Locker
}

// NewPayoutScheduler returns a scheduler. With a nil client ticks are not
// guarded by a lock, which is only safe with a single scheduler process.
func NewPayoutScheduler(p *Payrail, client redis.UniversalClient) *PayoutScheduler {
	s := &PayoutScheduler{payrail: p}
	if client != nil {
		s.locker = redlock.NewLocker(client, schedulerLockKey)
	}
	return s
}

func sellerTaskID(sellerID string, tick time.Time) string {
	return fmt.Sprintf("payout:%s:%s", sellerID, tick.UTC().Format("2006-01-02"))
}

// Tick enqueues a payout task for every due seller and advances their next
// run. It returns the number of tasks enqueued; ticks that lose the lock to
// another instance return zero.
func (s *PayoutScheduler) Tick(ctx context.Context) (int, error) {
	if s.locker == nil {
		return s.tick(ctx)
	}

	var enqueued int
	ran, err := s.locker.RunExclusive(ctx, schedulerLockTTL, func(ctx context.Context) error {
		n, err := s.tick(ctx)
		enqueued = n
		return err
	})
	if !ran && err == nil {
		logrus.Debug("payout tick skipped, another scheduler holds the lock")
	}
	return enqueued, err
}

func (s *PayoutScheduler) tick(ctx context.Context) (int, error) {
	p := s.payrail
	if p.enqueuer == nil {
		return 0, errNoEnqueuer
	}

	now := p.now()
	schedules, err := p.datasource.GetDueSchedules(ctx, now, dueScheduleLimit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, schedule := range schedules {
		tick := now
		if schedule.NextPayoutAt != nil {
			tick = *schedule.NextPayoutAt
		}
		fields := logrus.Fields{"seller_id": schedule.SellerID, "tick": tick}

		payload, err := json.Marshal(sellerPayoutTask{SellerID: schedule.SellerID, Tick: tick})
		if err != nil {
			return enqueued, err
		}
		task := asynq.NewTask(TypePayoutSeller, payload)
		_, err = p.enqueuer.EnqueueContext(ctx, task,
			asynq.TaskID(sellerTaskID(schedule.SellerID, tick)),
			asynq.Queue(p.config.Queue.PayoutQueue),
			asynq.MaxRetry(p.config.Payout.MaxRetries),
			asynq.Retention(taskRetention),
		)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			logrus.WithFields(fields).Info("payout task already enqueued for this tick")
		case err != nil:
			logrus.WithFields(fields).WithField("error", err.Error()).Error("failed to enqueue payout task")
			continue
		default:
			enqueued++
		}

		next := GetNextPayoutDate(schedule, now)
		if err := p.datasource.UpdateNextPayoutAt(ctx, schedule.SellerID, next); err != nil {
			logrus.WithFields(fields).WithField("error", err.Error()).Error("failed to advance next payout date")
		}
	}
	return enqueued, nil
}

// HandleSellerPayout creates and processes the payout of one seller for one
// tick. Redeliveries find the payout the first delivery created.
func (p *Payrail) HandleSellerPayout(ctx context.Context, t *asynq.Task) error {
	var task sellerPayoutTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	fields := logrus.Fields{"seller_id": task.SellerID, "tick": task.Tick}

	payout, err := p.CreatePayout(ctx, task.SellerID, task.Tick)
	switch {
	case errors.Is(err, ErrNotEligible):
		logrus.WithFields(fields).WithField("reason", err.Error()).Info("seller not eligible for payout")
		return nil
	case apierror.Is(err, apierror.ErrConflict):
		payout, err = p.datasource.GetPayout(ctx, payoutID(task.SellerID, task.Tick))
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	_, err = p.ProcessPayout(ctx, payout.ID)
	return err
}

func (s *PayoutScheduler) HandleTick(ctx context.Context, _ *asynq.Task) error {
	n, err := s.Tick(ctx)
	if err != nil {
		return err
	}
	logrus.WithField("enqueued", n).Info("payout tick finished")
	return nil
}

func (p *Payrail) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	n, err := p.ReconcilePayouts(ctx)
	if err != nil {
		return err
	}
	logrus.WithField("changed", n).Info("payout reconciliation finished")
	return nil
}

func (p *Payrail) HandleBatchProcess(ctx context.Context, _ *asynq.Task) error {
	_, err := p.BatchProcessPayouts(ctx, batchProcessSize)
	return err
}

// RegisterPayoutHandlers wires every payout task type into mux.
func (p *Payrail) RegisterPayoutHandlers(mux *asynq.ServeMux, scheduler *PayoutScheduler) {
	mux.HandleFunc(TypePayoutSeller, p.HandleSellerPayout)
	mux.HandleFunc(TypePayoutTick, scheduler.HandleTick)
	mux.HandleFunc(TypePayoutReconcile, p.HandleReconcile)
	mux.HandleFunc(TypePayoutBatch, p.HandleBatchProcess)
}

// PeriodicTask is one cron entry for the asynq scheduler.
type PeriodicTask struct {
	Cron string
	Task *asynq.Task
	Opts []asynq.Option
}

// PeriodicPayoutTasks lists the recurring payout work. Reconciliation and
// the pending sweep share a cron.
func (p *Payrail) PeriodicPayoutTasks() []PeriodicTask {
	queue := asynq.Queue(p.config.Queue.PayoutQueue)
	return []PeriodicTask{
		{Cron: p.config.Payout.TickCron, Task: asynq.NewTask(TypePayoutTick, nil), Opts: []asynq.Option{queue, asynq.MaxRetry(0)}},
		{Cron: p.config.Payout.ReconcileCron, Task: asynq.NewTask(TypePayoutReconcile, nil), Opts: []asynq.Option{queue, asynq.MaxRetry(0)}},
		{Cron: p.config.Payout.ReconcileCron, Task: asynq.NewTask(TypePayoutBatch, nil), Opts: []asynq.Option{queue, asynq.MaxRetry(0)}},
	}
}

// RegisterPeriodicTasks adds the recurring payout work to an asynq scheduler.
func (p *Payrail) RegisterPeriodicTasks(scheduler *asynq.Scheduler) error {
	for _, pt := range p.PeriodicPayoutTasks() {
		if _, err := scheduler.Register(pt.Cron, pt.Task, pt.Opts...); err != nil {
			return fmt.Errorf("register %s: %w", pt.Task.Type(), err)
		}
	}
	return nil
}
