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
	"os"
	"strings"

	"github.com/blnkfinance/contentsync"
	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/database"
	"github.com/blnkfinance/contentsync/internal/cache"
	pg_listener "github.com/blnkfinance/contentsync/internal/pg-listener"
	redis_db "github.com/blnkfinance/contentsync/internal/redis-db"
	redis_stream "github.com/blnkfinance/contentsync/internal/redis-stream"
	"github.com/blnkfinance/contentsync/internal/search"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ContentSync is the CLI application.
type ContentSync struct {
	cmd *cobra.Command
}

// syncInstance carries the loaded configuration and, once a command needs
// it, the wired pipeline.
type syncInstance struct {
	cnf *config.Configuration

	db       *database.Datasource
	redis    *redis_db.Redis
	search   *search.TypesenseClient
	indexer  *search.Indexer
	sync     *contentsync.ContentSync
	closers  []func() error
	observer *observability
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *syncInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// connect opens the backing store, Redis and Typesense.
func (app *syncInstance) connect() error {
	db, err := database.NewDataSource(app.cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %w", err)
	}
	app.db = db

	rdb, err := redis_db.NewRedisClient(strings.Split(app.cnf.Redis.Dns, ","))
	if err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	app.redis = rdb
	app.closers = append(app.closers, rdb.Close)

	app.search = search.NewTypesenseClient(app.cnf.TypeSense.APIKey, []string{app.cnf.TypeSense.Dns})
	app.indexer = search.NewIndexer(app.search, db)
	return nil
}

// setup wires the full pipeline for commands that run passes.
func (app *syncInstance) setup(ctx context.Context) error {
	if err := app.connect(); err != nil {
		return err
	}

	subscription, err := app.subscribe(ctx)
	if err != nil {
		return err
	}

	observer, err := initializeObservability(ctx, app.cnf)
	if err != nil {
		return err
	}
	app.observer = observer

	app.sync = contentsync.NewContentSync(app.cnf.Sync, app.db, subscription,
		cache.NewCache(app.redis.Client()), app.indexer, observer.telemetry)
	return nil
}

func (app *syncInstance) subscribe(ctx context.Context) (contentsync.Subscription, error) {
	switch app.cnf.Bus.Kind {
	case config.BusRedis:
		stream, err := redis_stream.New(ctx, app.redis.Client(), app.cnf.Bus.Stream, app.cnf.Bus.Group)
		if err != nil {
			return nil, err
		}
		return stream, nil
	default:
		listener, err := pg_listener.NewDBListener(pg_listener.ListenerConfig{
			PgConnStr: app.cnf.DataSource.Dns,
			Channel:   app.cnf.Bus.Channel,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, listener.Close)
		return listener, nil
	}
}

func (app *syncInstance) close(ctx context.Context) {
	if app.observer != nil {
		app.observer.shutdown(ctx)
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			logrus.WithError(err).Warn("error during shutdown")
		}
	}
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *ContentSync {
	var configFile string
	app := &syncInstance{}

	rootCmd := &cobra.Command{
		Use:   "contentsync",
		Short: "Keeps caches and search indexes in step with the content store",
		Run:   func(cmd *cobra.Command, args []string) {},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./contentsync.json", "Configuration file for contentsync")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(runOnceCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(indexCommands(app))
	rootCmd.AddCommand(configCommands())

	return &ContentSync{cmd: rootCmd}
}

func (c ContentSync) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
