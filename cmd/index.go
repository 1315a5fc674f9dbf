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
	"time"

	redlock "github.com/blnkfinance/contentsync/internal/lock"
	"github.com/blnkfinance/contentsync/internal/search"
	"github.com/spf13/cobra"
)

const (
	collectionsLockKey  = "contentsync:lock:collections"
	collectionsLockTTL  = 2 * time.Minute
	collectionsLockWait = 30 * time.Second
)

func indexCommands(app *syncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "manage search collections",
	}
	cmd.AddCommand(indexEnsureCommand(app))
	cmd.AddCommand(indexRebuildCommand(app))
	return cmd
}

func indexEnsureCommand(app *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "create missing collections and add new schema fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := app.connect(); err != nil {
				return err
			}
			defer app.close(ctx)

			if err := ensureCollections(ctx, app); err != nil {
				return err
			}
			fmt.Println("Collections are up to date")
			return nil
		},
	}
}

// ensureCollections migrates search collections under a Redis lock so
// replicas starting together do not race on schema updates.
func ensureCollections(ctx context.Context, app *syncInstance) error {
	err := redlock.WithLock(ctx, app.redis.Client(), collectionsLockKey, collectionsLockTTL, collectionsLockWait,
		app.search.EnsureCollectionsExist)
	if err != nil {
		return fmt.Errorf("failed to ensure collections exist: %w", err)
	}
	return nil
}

func indexRebuildCommand(app *syncInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [record type]...",
		Short: "reindex every document of the given record types",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if err := app.connect(); err != nil {
				return err
			}
			defer app.close(ctx)

			for _, recordType := range args {
				if _, ok := search.Collection(recordType); !ok {
					return fmt.Errorf("%s is not an indexed record type", recordType)
				}
				if err := app.indexer.ReindexAll(ctx, recordType); err != nil {
					return err
				}
				fmt.Printf("Rebuilt %s\n", recordType)
			}
			return nil
		},
	}
}
