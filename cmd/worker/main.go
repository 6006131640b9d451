// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"soundmaxx/internal/worker/api"
	"soundmaxx/internal/worker/cache"
	"soundmaxx/internal/worker/config"
	"soundmaxx/internal/worker/dataset"
	"soundmaxx/internal/worker/engine"
	"soundmaxx/internal/worker/events"
	"soundmaxx/internal/worker/tools"
)

func main() {
	// The sandbox re-executes this binary with the run-tool subcommand so a
	// hung model run can be killed without taking the worker down.
	if len(os.Args) > 1 && os.Args[1] == "run-tool" {
		os.Exit(runTool(os.Args[2:]))
	}

	logger := log.New(os.Stdout, "worker ", log.LstdFlags|log.Lmicroseconds)

	// Missing .env is fine; the environment may be set by the supervisor.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatalf("prepare directories: %v", err)
	}

	var eventStore *events.Store
	if cfg.EventDBPath != "" {
		eventStore, err = events.Open(context.Background(), cfg.EventDBPath)
		if err != nil {
			logger.Fatalf("open event store: %v", err)
		}
		defer func() { _ = eventStore.Close() }()
	}

	sourceCache := cache.New(cfg.SourceCacheRoot, cfg.SourceCacheMaxBytes, cfg.SourceCacheMaxFiles, logger)
	ledger := &dataset.Ledger{
		Root:                 cfg.DatasetRoot,
		SessionSalt:          cfg.DatasetSessionSalt,
		RawRetentionDays:     cfg.RawRetentionDays,
		DerivedRetentionDays: cfg.DerivedRetentionDays,
		Logger:               logger,
	}

	eng := engine.New(cfg, sourceCache, newToolRunner(cfg), tools.NewSandboxRunner(), ledger, eventStore, logger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.New(cfg, eng, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("forced shutdown: %v", err)
	}
	logger.Printf("server exited")
}

// newToolRunner builds the in-process tool dispatcher from configuration.
func newToolRunner(cfg config.Config) *tools.Runner {
	return &tools.Runner{
		Separator: &tools.ScriptSeparator{ScriptPath: cfg.SeparatorScript},
		Mastering: tools.NewMastering(tools.MasteringConfig{
			RequestedEngine:   cfg.MasteringEngine,
			SonicmasterScript: cfg.SonicmasterScript,
			MatcheringScript:  cfg.MatcheringScript,
		}),
		ZipMethod:     tools.ZipMethod(cfg.StemZipCompression),
		RoformerModel: cfg.StemModelRoformer,
		DemucsModel:   cfg.StemModelDemucs,
	}
}

// runTool is the sandbox child entry point. It executes one tool and
// reports the outcome as a single JSON line on stdout; the exit code only
// signals whether a result was reported at all.
func runTool(args []string) int {
	fs := flag.NewFlagSet("run-tool", flag.ContinueOnError)
	var (
		tool      = fs.String("tool", "", "tool type to execute")
		source    = fs.String("source", "", "staged source audio path")
		outputDir = fs.String("output", "", "artifact output directory")
		rawParams = fs.String("params", "{}", "tool parameters as JSON")
	)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "run-tool: %v\n", err)
		return 2
	}

	var params tools.Params
	if err := json.Unmarshal([]byte(*rawParams), &params); err != nil {
		fmt.Fprintf(os.Stderr, "run-tool: parse params: %v\n", err)
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run-tool: load config: %v\n", err)
		return 2
	}

	model, files, runErr := newToolRunner(cfg).Run(*tool, *source, *outputDir, params)
	tools.WriteSandboxResult(model, files, runErr)
	return 0
}
