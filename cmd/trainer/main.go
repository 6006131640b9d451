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

// Command trainer aggregates the captured dataset manifest into model
// recommendation artifacts. By default it runs one aggregation cycle and
// prints the result; with -every it keeps running on a schedule.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"

	"soundmaxx/internal/worker/config"
	"soundmaxx/internal/worker/training"
)

func main() {
	var (
		windowHours = flag.Int("window-hours", 0, "aggregation window in hours (default TRAINING_WINDOW_HOURS)")
		every       = flag.Duration("every", 0, "run continuously with this interval instead of once")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "trainer ", log.LstdFlags)

	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	hours := cfg.TrainingWindowHours
	if *windowHours > 0 {
		hours = *windowHours
	}

	agg := training.New(cfg.DatasetRoot, cfg.ModelArtifactRoot, logger)

	if *every <= 0 {
		result, err := agg.RunCycle(hours)
		if err != nil {
			logger.Fatalf("aggregation cycle: %v", err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		os.Stdout.Write(append(out, '\n'))
		return
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Fatalf("create scheduler: %v", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(*every),
		gocron.NewTask(func() {
			result, err := agg.RunCycle(hours)
			if err != nil {
				logger.Printf("aggregation cycle: %v", err)
				return
			}
			logger.Printf("wrote %s (%d rows)", result.Artifact, result.RowsUsed)
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		logger.Fatalf("schedule aggregation: %v", err)
	}

	scheduler.Start()
	logger.Printf("aggregating every %s over a %dh window", *every, hours)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := scheduler.Shutdown(); err != nil {
		logger.Printf("scheduler shutdown: %v", err)
	}
}
