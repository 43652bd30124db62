/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blnkfinance/payrail"
	"github.com/blnkfinance/payrail/config"
	pg_listener "github.com/blnkfinance/payrail/internal/pg-listener"
	redis_db "github.com/blnkfinance/payrail/internal/redis-db"
	"github.com/blnkfinance/payrail/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

const (
	workerOutbox   = "outbox"
	workerWebhooks = "webhooks"
	workerPayouts  = "payouts"
	workerMonitor  = "monitor"
)

var allWorkers = []string{workerOutbox, workerWebhooks, workerPayouts, workerMonitor}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// worker is a long running loop. Stop asks it to drain; cancelling the
// context passed to Start stops it hard.
type worker interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

// payoutWorker runs the asynq server and the periodic payout scheduler.
type payoutWorker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// traceTask opens a span around every payout task.
func traceTask(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("payrail.payouts.worker").Start(ctx, "Process "+t.Type(),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		err := next.ProcessTask(ctx, t)
		if err != nil {
			span.RecordError(err)
		}
		return err
	})
}

// monitoringServer serves /metrics for every worker in the process, plus the
// asynqmon dashboard when the payouts worker runs.
type monitoringServer struct {
	server *http.Server

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newMonitoringServer(addr string, handler http.Handler) *monitoringServer {
	return &monitoringServer{
		server: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *monitoringServer) Start(ctx context.Context) error {
	defer close(m.done)

	errc := make(chan error, 1)
	go func() {
		log.Printf("Monitoring server listening on %s", m.server.Addr)
		errc <- m.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("could not start monitoring server: %v", err)
	case <-m.stop:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(shutdownCtx)
}

func (m *monitoringServer) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *monitoringServer) Done() <-chan struct{} {
	return m.done
}

func newPayoutWorker(p *payrailInstance, monitoring *http.ServeMux) (*payoutWorker, error) {
	conf := p.cnf
	if p.redis == nil {
		return nil, errors.New("the payouts worker needs redis configured")
	}
	connOpt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	server := asynq.NewServer(connOpt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{conf.Queue.PayoutQueue: 1},
		Logger:          logrus.StandardLogger(),
		ShutdownTimeout: conf.Queue.ShutdownTimeout(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			logrus.WithFields(logrus.Fields{"task": t.Type(), "error": err.Error()}).Error("payout task failed")
		}),
	})

	scheduler := asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{
		Logger:   logrus.StandardLogger(),
		Location: time.UTC,
	})
	if err := p.payrail.RegisterPeriodicTasks(scheduler); err != nil {
		return nil, err
	}

	mux := asynq.NewServeMux()
	mux.Use(traceTask)
	p.payrail.RegisterPayoutHandlers(mux, payrail.NewPayoutScheduler(p.payrail, p.redis))

	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: connOpt,
	})
	monitoring.Handle(h.RootPath()+"/", h)

	return &payoutWorker{
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (w *payoutWorker) Start(ctx context.Context) error {
	defer close(w.done)

	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("could not run worker server: %v", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("could not run scheduler: %v", err)
	}

	var err error
	select {
	case <-w.stop:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.scheduler.Shutdown()
	w.server.Shutdown()
	logrus.Info("payout worker stopped")
	return err
}

func (w *payoutWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *payoutWorker) Done() <-chan struct{} {
	return w.done
}

// buildWorkers resolves the requested names into runnable workers. The
// monitoring server always runs alongside them.
func buildWorkers(p *payrailInstance, names []string) (map[string]worker, error) {
	if len(names) == 0 {
		names = allWorkers
	}

	workers := make(map[string]worker, len(names))
	monitoring := http.NewServeMux()
	var listener *pg_listener.QueueListener
	wakeOn := func(kind model.QueueKind, c *payrail.Consumer) {
		if listener == nil {
			listener = pg_listener.NewQueueListener(pg_listener.ListenerConfig{PgConnStr: p.cnf.DataSource.Dns})
		}
		listener.Register(string(kind), c)
	}

	for _, name := range names {
		if _, ok := workers[name]; ok {
			continue
		}
		switch name {
		case workerOutbox:
			c := p.payrail.NewOutboxConsumer()
			wakeOn(model.QueueOutbox, c)
			workers[name] = c
		case workerWebhooks:
			c := p.payrail.NewWebhookConsumer()
			wakeOn(model.QueueWebhook, c)
			workers[name] = c
		case workerMonitor:
			workers[name] = p.payrail.NewMonitor()
		case workerPayouts:
			w, err := newPayoutWorker(p, monitoring)
			if err != nil {
				return nil, err
			}
			workers[name] = w
		default:
			return nil, fmt.Errorf("unknown worker %q, expected one of %v", name, allWorkers)
		}
	}
	if listener != nil {
		workers["listener"] = listener
	}
	monitoring.Handle("/metrics", p.payrail.Metrics().Handler())
	workers["monitoring"] = newMonitoringServer(":"+p.cnf.Queue.MonitoringPort, monitoring)
	return workers, nil
}

// runWorkers starts every worker and blocks until all have returned. The
// first signal drains them; a second signal, or the shutdown timeout,
// cancels the context so they stop after their current row.
func runWorkers(workers map[string]worker, conf *config.Configuration, signals <-chan os.Signal) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for name, w := range workers {
		wg.Add(1)
		go func(name string, w worker) {
			defer wg.Done()
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{"worker": name, "error": err.Error()}).Error("worker exited")
			}
		}(name, w)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case sig := <-signals:
		logrus.WithField("signal", sig.String()).Info("draining workers")
	}

	for _, w := range workers {
		w.Stop()
	}

	timeout := time.NewTimer(conf.Queue.ShutdownTimeout())
	defer timeout.Stop()
	select {
	case <-finished:
		return
	case sig := <-signals:
		logrus.WithField("signal", sig.String()).Warn("second signal, stopping workers now")
	case <-timeout.C:
		logrus.Warn("workers did not drain in time, stopping now")
	}
	cancel()
	<-finished
}

// workerCommands defines the "workers" command. With no arguments every
// worker runs in this process.
func workerCommands(p *payrailInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "workers [outbox|webhooks|payouts|monitor]...",
		Short:     "start payrail workers",
		ValidArgs: allWorkers,
		Args:      cobra.OnlyValidArgs,
		Run: func(cmd *cobra.Command, args []string) {
			shutdown, err := initializeTracing(context.Background(), p.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			workers, err := buildWorkers(p, args)
			if err != nil {
				log.Fatal(err)
			}

			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)

			runWorkers(workers, p.cnf, signals)
		},
	}

	return cmd
}
