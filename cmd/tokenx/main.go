// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command tokenx runs the token exchange authorization server.
package main

import (
	"os"

	"github.com/opentrusty/tokenx/internal/config"
	"github.com/opentrusty/tokenx/internal/observability/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:          "tokenx",
		Short:        "OAuth 2.0 token exchange authorization server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded

			logger.InitLogger(logger.Config{
				Level:       cfg.Observability.LogLevel,
				Format:      cfg.Observability.LogFormat,
				ServiceName: cfg.Observability.ServiceName,
				OTelEnabled: cfg.Observability.OTELEnabled,
			})
			return nil
		},
	}

	current := func() *config.Config { return cfg }
	root.AddCommand(
		newServeCmd(current),
		newMigrateCmd(current),
		newKeysCmd(current),
	)
	return root
}
