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
	"fmt"
	"log"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/payrail"
	"github.com/blnkfinance/payrail/config"
	"github.com/blnkfinance/payrail/database"
	"github.com/blnkfinance/payrail/internal/broker"
	"github.com/blnkfinance/payrail/internal/cache"
	"github.com/blnkfinance/payrail/internal/idempotency"
	"github.com/blnkfinance/payrail/internal/notification"
	redis_db "github.com/blnkfinance/payrail/internal/redis-db"
)

// skipSetupAnnotation marks commands that only need the configuration.
const skipSetupAnnotation = "payrail/skip-setup"

// Payrail represents the CLI application, encapsulating the root Cobra command.
type Payrail struct {
	cmd *cobra.Command
}

// payrailInstance holds the runtime pipeline, its configuration and the
// connections the commands share.
type payrailInstance struct {
	payrail   *payrail.Payrail
	cnf       *config.Configuration
	redis     redis.UniversalClient
	asynq     *asynq.Client
	publisher *broker.RabbitMQPublisher
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before any command runs.
func preRun(app *payrailInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		app.cnf = cnf
		if cmd.Annotations[skipSetupAnnotation] == "true" {
			return nil
		}
		if err := setupPayrail(cmd.Context(), app); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupPayrail connects the datasource and the optional redis and rabbitmq
// backends, then wires them into a new pipeline.
func setupPayrail(ctx context.Context, app *payrailInstance) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := app.cnf

	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	var opts []payrail.Option
	if cfg.Redis.Dns != "" {
		client, err := redis_db.NewRedisClient(ctx, cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
		if err != nil {
			return fmt.Errorf("error connecting to redis: %v", err)
		}
		connOpt, err := redis_db.AsynqConnOpt(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
		if err != nil {
			return fmt.Errorf("error parsing redis dsn: %v", err)
		}
		app.redis = client
		app.asynq = asynq.NewClient(connOpt)
		opts = append(opts,
			payrail.WithCache(cache.NewRedisCache(client)),
			payrail.WithIdempotencyStore(idempotency.NewRedisStore(client, cfg.Idempotency.TTL())),
			payrail.WithTaskEnqueuer(app.asynq),
		)
	}

	if cfg.RabbitMQ.Url != "" {
		publisher, err := broker.NewRabbitMQPublisher(cfg.RabbitMQ.Url, cfg.RabbitMQ.Exchange)
		if err != nil {
			return fmt.Errorf("error connecting to rabbitmq: %v", err)
		}
		app.publisher = publisher
		opts = append(opts, payrail.WithPublisher(publisher))
	}

	p, err := payrail.NewPayrail(db, opts...)
	if err != nil {
		return fmt.Errorf("error creating payrail: %v", err)
	}
	app.payrail = p
	return nil
}

// close releases the connections opened by setupPayrail.
func (app *payrailInstance) close() {
	if app.asynq != nil {
		_ = app.asynq.Close()
	}
	if app.publisher != nil {
		_ = app.publisher.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

// NewCLI sets up the root command and its subcommands.
func NewCLI() *Payrail {
	var configFile string
	p := &payrailInstance{}

	var rootCmd = &cobra.Command{
		Use:   "payrail",
		Short: "Payment event reconciliation pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			p.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./payrail.json", "Configuration file for payrail")
	rootCmd.PersistentPreRunE = preRun(p, &configFile)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(migrateCommands(p))
	rootCmd.AddCommand(configCommands(p))

	return &Payrail{cmd: rootCmd}
}

func (w Payrail) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
