// Copyright 2024 The Datalith Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"datalith.io/internal/config"
	"datalith.io/pkg/datalith"
	"datalith.io/pkg/httpapi"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Datalith HTTP service",
	RunE:  runServe,
}

func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	file, err := config.LoadFile(flagConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg = config.ApplyFile(cfg, file)
	cfg = config.ApplyEnv(cfg)

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address = flagAddress
	}
	if flags.Changed("environment") {
		cfg.Environment = flagEnvironment
	}
	if flags.Changed("max-file-size") {
		cfg.MaxFileSize = flagMaxFileSize
	}
	if flags.Changed("temporary-file-lifespan") {
		cfg.TemporaryFileLifespan = time.Duration(flagTemporaryFileLifespanSeconds) * time.Second
	}
	if flags.Changed("max-image-resolution") {
		cfg.MaxImageResolution = flagMaxImageResolution
	}
	if flags.Changed("max-image-resolution-multiplier") {
		cfg.MaxImageResolutionMultiplier = flagMaxImageResolutionMultiplier
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if flagVerbose {
		log.Printf("datalithd: resolved configuration: %+v", cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := datalith.New(ctx, cfg.Environment, datalith.Config{
		FileReadBufferSize:           cfg.FileReadBufferSize,
		TemporaryFileLifespan:        cfg.TemporaryFileLifespan,
		MaxImageResolution:           cfg.MaxImageResolution,
		MaxImageResolutionMultiplier: cfg.MaxImageResolutionMultiplier,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	sweeper := datalith.NewSweeper(d)
	defer sweeper.Close()

	server := httpapi.NewServer(d, httpapi.Options{MaxUploadSize: cfg.MaxFileSize})

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: server,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("datalithd: listening on %s (environment=%s)", cfg.Address, d.Environment())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Printf("datalithd: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
