/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command ltaskd is a minimal wiring demo, not a general-purpose CLI: it
// exists to give automaxprocs, config, and the rest of the domain stack a
// concrete entry point. An embedder linking ltask into its own process is
// expected to call ltask.New directly instead of shelling out to this
// binary.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/cloudwego/ltask"
	"github.com/cloudwego/ltask/config"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("ltaskd: automaxprocs: %v", err)
	}

	worker := flag.Int("worker", 0, "worker goroutine count; 0 uses the config default")
	crashLog := flag.String("crashlog", "", "path to append fatal service errors to")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *worker > 0 {
		cfg.Worker = *worker
	}
	cfg.CrashLog = *crashLog

	rt, err := ltask.New(cfg, log.Printf)
	if err != nil {
		log.Fatalf("ltaskd: %v", err)
	}
	defer rt.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("ltaskd: running %d workers", cfg.Worker)
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("ltaskd: %v", err)
	}
}
