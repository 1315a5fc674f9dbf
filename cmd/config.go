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
	"encoding/json"
	"fmt"

	"github.com/blnkfinance/contentsync/config"
	"github.com/spf13/cobra"
)

// configCommands prints the effective configuration with secrets masked.
func configCommands() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Fetch()
			if err != nil {
				return err
			}

			masked := *cfg
			masked.Server.SecretKey = mask(masked.Server.SecretKey)
			masked.TypeSense.APIKey = mask(masked.TypeSense.APIKey)
			masked.Telemetry.PosthogKey = mask(masked.Telemetry.PosthogKey)

			data, err := json.MarshalIndent(masked, "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
