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

// Package service implements the session service: client sessions for
// reading hardware signals and writing hardware controls, access-list
// enforcement, a machine-wide write lock and restoration of saved controls.
package service

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/pmsvc/pkg/access"
	"github.com/intel/pmsvc/pkg/batch"
	"github.com/intel/pmsvc/pkg/liveness"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/procs"
	"github.com/intel/pmsvc/pkg/securefs"
	"github.com/intel/pmsvc/pkg/session"
	"github.com/intel/pmsvc/pkg/vault"
	"github.com/intel/pmsvc/pkg/writelock"
)

// Config is the setup of a Service.
type Config struct {
	// FS is the secure file layer, securefs.Default() if nil.
	FS *securefs.FS
	// Platform is the hardware back-end.
	Platform platform.Platform
	// Procs is the process table, procs.System() if nil.
	Procs procs.Table
	// Directory is the user and group database, access.OSDirectory() if nil.
	Directory access.Directory
	// Launcher starts batch servers.
	Launcher batch.Launcher
	// RunRoot is the run-state root, RunRoot() if empty.
	RunRoot string
	// ConfigRoot is the access-list root, ConfigRoot() if empty.
	ConfigRoot string
	// LivenessPeriod is the client check interval, LivenessPeriod() if 0.
	LivenessPeriod time.Duration
	// MaxReferences limits session attaches, the configured value if 0.
	MaxReferences int
}

// Service is the session service.
type Service struct {
	logger.Logger
	sync.Mutex
	noisy    logger.Logger // rate-limited, for per-request warnings
	fs       *securefs.FS
	platform platform.Platform
	procs    procs.Table
	access   *access.Store
	launcher batch.Launcher
	runRoot  string
	maxRefs  int
	lock     *writelock.Lock
	sessions *session.Registry
	vaults   map[int]*vault.Vault
	monitor  *liveness.Monitor
	starting map[int]bool
	stats    *stats
	stop     chan struct{}
	done     chan struct{}
}

// New creates a service, setting up its run-state root and write lock.
func New(cfg Config) (*Service, error) {
	s := &Service{
		Logger:   logger.NewLogger("service"),
		noisy:    logger.RateLimit(logger.NewLogger("service"), logger.Interval(time.Minute)),
		fs:       cfg.FS,
		platform: cfg.Platform,
		procs:    cfg.Procs,
		launcher: cfg.Launcher,
		runRoot:  cfg.RunRoot,
		maxRefs:  cfg.MaxReferences,
		vaults:   map[int]*vault.Vault{},
		starting: map[int]bool{},
		stats:    newStats(),
	}

	if s.platform == nil {
		return nil, serviceError("no platform back-end")
	}
	if s.fs == nil {
		s.fs = securefs.Default()
	}
	if s.procs == nil {
		s.procs = procs.System()
	}
	if s.runRoot == "" {
		s.runRoot = RunRoot()
	}
	if s.maxRefs <= 0 {
		s.maxRefs = opt.MaxReferences
	}
	configRoot := cfg.ConfigRoot
	if configRoot == "" {
		configRoot = ConfigRoot()
	}
	dir := cfg.Directory
	if dir == nil {
		dir = access.OSDirectory()
	}
	period := cfg.LivenessPeriod
	if period <= 0 {
		period = LivenessPeriod()
	}

	if err := s.fs.MakeDirectory(s.runRoot, securefs.DirMode); err != nil {
		return nil, serviceError("failed to set up run-state root: %v", err)
	}

	lock, err := writelock.Open(s.fs, filepath.Join(s.runRoot, writelock.FileName), s.procs)
	if err != nil {
		return nil, err
	}

	s.lock = lock
	s.access = access.New(s.fs, configRoot, dir, s.platform)
	s.sessions = session.NewRegistry(s.fs, s.runRoot)
	s.monitor = liveness.New(s.procs, period)

	return s, nil
}

// Start recovers sessions left behind by an earlier instance and starts
// monitoring clients.
func (s *Service) Start() error {
	s.Info("starting with run-state root %s...", s.runRoot)

	s.Lock()
	err := s.recover()
	s.Unlock()
	if err != nil {
		return err
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.monitorClients(s.stop, s.done)

	s.Info("up and running")
	return nil
}

// Stop tears down every session and releases the write lock.
func (s *Service) Stop() {
	s.Info("shutting down...")

	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}

	s.Lock()
	defer s.Unlock()

	for _, sess := range s.sessions.List() {
		sess.RefCount = 0
		if err := s.teardown(sess); err != nil {
			s.Error("failed to tear down session of process %d: %v", sess.PID, err)
		}
	}
	if err := s.lock.Close(); err != nil {
		s.Error("%v", err)
	}
}

// Access returns the access-list store of the service.
func (s *Service) Access() *access.Store {
	return s.access
}

// monitorClients runs periodic liveness checks until stopped.
func (s *Service) monitorClients(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.monitor.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.checkClients(now)
		}
	}
}

// checkClients tears down the sessions of clients found gone at now.
func (s *Service) checkClients(now time.Time) {
	s.Lock()
	defer s.Unlock()

	for _, pid := range s.monitor.Check(now) {
		sess := s.sessions.Get(pid)
		if sess == nil {
			continue
		}
		s.Info("process %d is gone, tearing down its session", pid)
		sess.RefCount = 0
		if err := s.teardown(sess); err != nil {
			s.Error("failed to tear down session of process %d: %v", pid, err)
		}
	}
}

// teardown unwinds a session: its batch server is stopped, its saved
// controls restored, its record removed and the write lock released, in
// this order. Every step is attempted, failures are collected.
func (s *Service) teardown(sess *session.Session) error {
	var errs *multierror.Error

	pid := sess.PID
	sess.State = session.StateClosing
	s.monitor.Unwatch(pid)

	if sess.BatchServer != 0 {
		if err := s.launcher.Stop(sess.BatchServer); err != nil {
			errs = multierror.Append(errs, err)
		}
		sess.BatchServer = 0
	}

	holder, err := s.lock.Holder()
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	if v, ok := s.vaults[pid]; ok {
		errs = s.restored(errs, v.Restore())
		delete(s.vaults, pid)
	} else if holder == pid || vault.Exists(s.runRoot, pid) {
		errs = s.restored(errs, vault.Restore(s.fs, s.platform, vault.Path(s.runRoot, pid)))
	}

	if err := s.sessions.Remove(pid); err != nil {
		errs = multierror.Append(errs, err)
	}

	if holder == pid {
		if err := s.lock.Unlock(pid); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	sess.State = session.StateNone
	_ = os.Remove(batch.SocketPath(s.runRoot, pid))

	if errs != nil {
		errs.ErrorFormat = joinErrors
	}
	return errs.ErrorOrNil()
}

// joinErrors formats teardown failures on a single line.
func joinErrors(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// restored accounts for the result of a restoration.
func (s *Service) restored(errs *multierror.Error, err error) *multierror.Error {
	s.stats.restore(err)
	if err != nil {
		return multierror.Append(errs, err)
	}
	return errs
}
