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
	"fmt"

	"github.com/blnkfinance/contentsync"
	"github.com/blnkfinance/contentsync/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

func migrateCommands(app *syncInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "manage the change journal schema",
	}

	cmd.AddCommand(migrateDirectionCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(app, "down", migrate.Down))
	return cmd
}

func migrateDirectionCommand(app *syncInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	var max int

	cmd := &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: contentsync.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			// The migration table lives next to the journal, so the schema
			// has to exist before sql-migrate looks for it.
			if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", database.SyncSchema)); err != nil {
				return fmt.Errorf("error creating schema: %w", err)
			}
			migrate.SetSchema(database.SyncSchema)

			n, err := migrate.ExecMax(db, "postgres", migrations, direction, max)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			if direction == migrate.Up {
				fmt.Printf("Applied %d migrations!\n", n)
			} else {
				fmt.Printf("Rolled back %d migrations!\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "maximum number of migrations to apply (0 for all)")
	return cmd
}
