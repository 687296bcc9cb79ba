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

package main

import (
	"errors"
	"log/slog"

	"github.com/opentrusty/tokenx/internal/config"
	"github.com/opentrusty/tokenx/internal/keys"
	"github.com/spf13/cobra"
)

func newMigrateCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.KeyStore.Driver != config.DriverPostgres {
				return errors.New("migrate requires KEYSTORE_DRIVER=postgres")
			}
			db, err := openDatabase(cmd.Context(), c.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func newKeysCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the public signing keys, creating them if none exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			be, err := openBackend(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer be.close()

			store := keys.NewStore(be.keys, c.KeyStore.RotationInterval)
			set, err := store.PublicKeySet(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(set)
		},
	}
}
