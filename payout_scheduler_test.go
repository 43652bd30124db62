package payrail

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/internal/apierror"
	redlock "github.com/blnkfinance/payrail/internal/lock"
	"github.com/blnkfinance/payrail/internal/providers"
	"github.com/blnkfinance/payrail/model"
)

// fakeEnqueuer mimics asynq's task id uniqueness.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks map[string]*asynq.Task
	opts  map[string][]asynq.Option
	err   error
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{tasks: map[string]*asynq.Task{}, opts: map[string][]asynq.Option{}}
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if _, ok := f.tasks[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	f.tasks[id] = task
	f.opts[id] = opts
	return &asynq.TaskInfo{ID: id, Type: task.Type()}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func dueSchedule(seller string, next time.Time) model.PayoutSchedule {
	s := *stripeSchedule()
	s.SellerID = seller
	s.NextPayoutAt = &next
	return s
}

func TestTick_EnqueuesOnePerSellerAndTick(t *testing.T) {
	enq := newFakeEnqueuer()
	p, ds := newMockPayrail(t, WithTaskEnqueuer(enq))
	scheduler := NewPayoutScheduler(p, nil)

	due := testNow.Add(-3 * time.Hour)
	schedules := []model.PayoutSchedule{dueSchedule("seller_1", due), dueSchedule("seller_2", due)}
	ds.On("GetDueSchedules", mock.Anything, testNow, dueScheduleLimit).Return(schedules, nil)
	ds.On("UpdateNextPayoutAt", mock.Anything, mock.Anything, time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC)).Return(nil)

	n, err := scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second tick in the same day collides on the task id.
	n, err = scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, enq.count())

	task := enq.tasks["payout:seller_1:2024-03-11"]
	require.NotNil(t, task)
	assert.Equal(t, TypePayoutSeller, task.Type())

	var payload sellerPayoutTask
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "seller_1", payload.SellerID)
	assert.True(t, payload.Tick.Equal(due))

	var queue string
	for _, o := range enq.opts["payout:seller_1:2024-03-11"] {
		if o.Type() == asynq.QueueOpt {
			queue = o.Value().(string)
		}
	}
	assert.Equal(t, "payouts", queue)
	ds.AssertNumberOfCalls(t, "UpdateNextPayoutAt", 4)
}

func TestTick_EnqueueFailureKeepsSchedule(t *testing.T) {
	enq := newFakeEnqueuer()
	enq.err = errors.New("redis down")
	p, ds := newMockPayrail(t, WithTaskEnqueuer(enq))

	ds.On("GetDueSchedules", mock.Anything, testNow, dueScheduleLimit).
		Return([]model.PayoutSchedule{dueSchedule("seller_1", testNow)}, nil)

	n, err := NewPayoutScheduler(p, nil).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	ds.AssertNotCalled(t, "UpdateNextPayoutAt", mock.Anything, mock.Anything, mock.Anything)
}

func TestTick_WithoutEnqueuer(t *testing.T) {
	p, _ := newMockPayrail(t)
	_, err := NewPayoutScheduler(p, nil).Tick(context.Background())
	assert.ErrorIs(t, err, errNoEnqueuer)
}

func TestTick_SkipsWhileAnotherSchedulerHoldsTheLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	enq := newFakeEnqueuer()
	p, ds := newMockPayrail(t, WithTaskEnqueuer(enq))
	scheduler := NewPayoutScheduler(p, client)

	other := redlock.NewLocker(client, schedulerLockKey)
	held, err := other.TryLock(context.Background(), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	n, err := scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	ds.AssertNotCalled(t, "GetDueSchedules", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, other.Unlock(context.Background()))
	ds.On("GetDueSchedules", mock.Anything, testNow, dueScheduleLimit).Return([]model.PayoutSchedule{}, nil).Once()
	_, err = scheduler.Tick(context.Background())
	require.NoError(t, err)
	ds.AssertExpectations(t)
	assert.False(t, mr.Exists(schedulerLockKey), "lock is released after the tick")
}

func sellerTask(t *testing.T, seller string, tick time.Time) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(sellerPayoutTask{SellerID: seller, Tick: tick})
	require.NoError(t, err)
	return asynq.NewTask(TypePayoutSeller, payload)
}

func TestHandleSellerPayout(t *testing.T) {
	t.Run("not eligible is done", func(t *testing.T) {
		p, ds := newMockPayrail(t)
		ds.On("GetPayoutSchedule", mock.Anything, "seller_1").Return(stripeSchedule(), nil)
		ds.On("GetLedgerEntries", mock.Anything, "seller_1").Return([]model.LedgerEntry{}, nil)

		assert.NoError(t, p.HandleSellerPayout(context.Background(), sellerTask(t, "seller_1", testNow)))
	})

	t.Run("bad payload skips retries", func(t *testing.T) {
		p, _ := newMockPayrail(t)
		err := p.HandleSellerPayout(context.Background(), asynq.NewTask(TypePayoutSeller, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("redelivery resumes the existing payout", func(t *testing.T) {
		sender := &fakeSender{create: func(req providers.PayoutRequest) (providers.PayoutResult, error) {
			return providers.PayoutResult{Reference: "po_1", State: providers.StateProcessing}, nil
		}}
		p, ds := newMockPayrail(t, WithPayoutSender(model.MethodStripe, sender))

		existing := *pendingPayout(model.MethodStripe)
		existing.ID = payoutID("seller_1", testNow)

		ds.On("GetPayoutSchedule", mock.Anything, "seller_1").Return(stripeSchedule(), nil)
		ds.On("GetLedgerEntries", mock.Anything, "seller_1").Return([]model.LedgerEntry{entry(model.EntrySale, 80, 10*day)}, nil)
		ds.On("GetUnpaidEntries", mock.Anything, "seller_1").Return([]model.LedgerEntry{}, nil)
		ds.On("CreatePayout", mock.Anything, mock.Anything, mock.Anything).
			Return(apierror.NewAPIError(apierror.ErrConflict, "payout already exists", nil))
		ds.On("GetPayout", mock.Anything, existing.ID).Return(&existing, nil)
		ds.On("TransitionPayout", mock.Anything, mock.Anything).Return(nil).Once()

		require.NoError(t, p.HandleSellerPayout(context.Background(), sellerTask(t, "seller_1", testNow)))
		require.Len(t, sender.creates, 1)
		assert.Equal(t, "payout:"+existing.ID+":0", sender.creates[0].IdempotencyKey)
		assert.True(t, sender.creates[0].Amount.Equal(decimal.NewFromInt(95)))
	})
}

func TestPeriodicPayoutTasks(t *testing.T) {
	p, _ := newMockPayrail(t)
	tasks := p.PeriodicPayoutTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, TypePayoutTick, tasks[0].Task.Type())
	assert.Equal(t, "@every 1h", tasks[0].Cron)
	assert.Equal(t, TypePayoutReconcile, tasks[1].Task.Type())
	assert.Equal(t, TypePayoutBatch, tasks[2].Task.Type())
}
