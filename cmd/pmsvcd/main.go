// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// Command pmsvcd is the telemetry session daemon. Run with a trailing
// batch-server argument it acts as the batch server of a single session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/intel/pmsvc/pkg/batch"
	"github.com/intel/pmsvc/pkg/bus"
	"github.com/intel/pmsvc/pkg/config"
	"github.com/intel/pmsvc/pkg/instrumentation"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/metrics"
	"github.com/intel/pmsvc/pkg/pidfile"
	"github.com/intel/pmsvc/pkg/procs"
	"github.com/intel/pmsvc/pkg/service"
)

var log = logger.Default()

func main() {
	flag.Parse()

	args := flag.Args()
	switch {
	case len(args) == 1 && args[0] == batch.Command:
		if err := runBatchServer(); err != nil {
			log.Fatal("%v", err)
		}
		return
	case len(args) != 0:
		log.Error("unknown command-line arguments: %s", strings.Join(args, ","))
		flag.Usage()
		os.Exit(1)
	}

	if opt.configHelp {
		fmt.Print(config.Describe())
		return
	}

	if path := opt.configPath(); path != "" {
		if err := config.SetFromFile(path); err != nil {
			log.Fatal("failed to load configuration: %v", err)
		}
	}

	if opt.dumpConfig {
		dump, err := config.Dump()
		if err != nil {
			log.Fatal("%v", err)
		}
		fmt.Print(dump)
		return
	}

	if err := run(); err != nil {
		log.Fatal("%v", err)
	}
}

// pidFilePath returns the PID file of the daemon using runRoot. It lives
// beside the run root, which may be renamed aside if found untrusted.
func pidFilePath(runRoot string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(runRoot)), pidfile.DefaultName)
}

// acquireInstance claims runRoot for this process before anything under it
// is touched.
func acquireInstance(runRoot string) error {
	pidfile.SetPath(pidFilePath(runRoot))
	if err := pidfile.Acquire(); err != nil {
		return mainError("failed to acquire PID file: %v", err)
	}
	return nil
}

// run runs the daemon until it is told to stop.
func run() error {
	logger.SetStdLogger("stdlog")
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	if err := acquireInstance(service.RunRoot()); err != nil {
		return err
	}
	defer pidfile.Remove()

	p, err := opt.newPlatform()
	if err != nil {
		return mainError("failed to create %s back-end: %v", opt.platform, err)
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	svc, err := service.New(service.Config{
		Platform: p,
		Launcher: batch.NewProcessLauncher(self, opt.backendArgs()...),
	})
	if err != nil {
		return mainError("failed to create service: %v", err)
	}

	if err := metrics.RegisterCollector("service", svc.Collector); err != nil {
		return err
	}
	gatherer, err := metrics.NewMetricGatherer()
	if err != nil {
		return mainError("failed to create metrics gatherer: %v", err)
	}
	instrumentation.RegisterGatherer(gatherer)
	if err := instrumentation.RegisterViews(service.Views()...); err != nil {
		return err
	}

	if err := svc.Start(); err != nil {
		return mainError("failed to start service: %v", err)
	}
	defer svc.Stop()

	if opt.dumpMetrics {
		return metrics.Dump(gatherer, os.Stdout)
	}

	if err := instrumentation.Start(); err != nil {
		return mainError("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	conn, err := bus.Connect(opt.bus)
	if err != nil {
		return mainError("failed to connect to message bus: %v", err)
	}
	srv := bus.NewServer(conn, svc)
	if err := srv.Start(); err != nil {
		conn.Close()
		return mainError("failed to start bus server: %v", err)
	}
	defer srv.Stop()

	sig := waitForSignal(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	log.Info("received %s, shutting down...", sig)

	return nil
}

// runBatchServer serves a batch session configured over stdin.
func runBatchServer() error {
	p, err := opt.newPlatform()
	if err != nil {
		return mainError("failed to create %s back-end: %v", opt.platform, err)
	}

	stop := make(chan struct{})
	go func() {
		sig := waitForSignal(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		log.Info("batch server received %s, stopping...", sig)
		close(stop)
	}()

	return batch.Run(os.Stdin, os.Stdout, p, procs.System(), stop)
}

// waitForSignal waits until one of sigs is received or ctx is done.
func waitForSignal(ctx context.Context, sigs ...os.Signal) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		return sig
	case <-ctx.Done():
		return nil
	}
}

func mainError(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
