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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/contentsync"
	"github.com/blnkfinance/contentsync/internal/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

// firstDrainWait gives the bus a moment to deliver notifications that were
// queued before the listener connected.
const firstDrainWait = 500 * time.Millisecond

func enableAPMHook(enabled bool) {
	if enabled {
		logrus.AddHook(&apmlogrus.Hook{})
	}
}

// registerJobs schedules the consume job and the reconcile job. Consume
// never overlaps itself; reconcile overlaps only when passes are reentrant,
// in which case the orchestrator serializes them.
func registerJobs(s *scheduler.Scheduler, app *syncInstance) {
	cfg := app.cnf.Sync

	s.Every("consume", cfg.ConsumeInterval, false, func(ctx context.Context) error {
		_, err := app.sync.Consume(ctx)
		return err
	})

	s.Every("reconcile", cfg.ReconcileInterval, cfg.Reentrant, func(ctx context.Context) error {
		_, err := app.sync.Reconcile(ctx)
		if errors.Is(err, contentsync.ErrPassInProgress) {
			return nil
		}
		return err
	})
}

// runOnceCommands drains the bus once and runs a single pass.
func runOnceCommands(app *syncInstance) *cobra.Command {
	var refreshMetadata bool

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "consume pending notifications and run one invalidation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			enableAPMHook(app.cnf.Telemetry.EnableAPMHook)

			if err := app.setup(ctx); err != nil {
				return err
			}
			defer app.close(ctx)

			time.Sleep(firstDrainWait)
			consumed, err := app.sync.Consume(ctx)
			if err != nil {
				return err
			}
			logrus.WithField("notifications", consumed).Info("notifications consumed")

			if refreshMetadata {
				app.sync.RequestMetadataRefresh()
			}

			report, err := app.sync.Reconcile(ctx)
			data, _ := json.MarshalIndent(report, "", "    ")
			fmt.Println(string(data))
			return err
		},
	}
	cmd.Flags().BoolVar(&refreshMetadata, "refresh-metadata", false, "reload structural caches in every sink")
	return cmd
}
