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

package batch

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/procs"
)

var log = logger.NewLogger("batch")

// Launcher starts and stops batch servers.
type Launcher interface {
	// Launch starts a batch server and waits until it is ready. It returns
	// the pid of the server.
	Launch(cfg *Config) (int, error)
	// Stop stops the batch server with the given pid.
	Stop(pid int) error
}

// ProcessLauncher runs batch servers as child processes of the daemon.
type ProcessLauncher struct {
	sync.Mutex
	path  string
	args  []string
	procs map[int]*exec.Cmd
}

// NewProcessLauncher creates a launcher which runs 'path args... batch-server'.
func NewProcessLauncher(path string, args ...string) *ProcessLauncher {
	return &ProcessLauncher{
		path:  path,
		args:  args,
		procs: map[int]*exec.Cmd{},
	}
}

// Launch starts a batch server process and waits for its ready message.
func (l *ProcessLauncher) Launch(cfg *Config) (int, error) {
	cmd := exec.Command(l.path, append(append([]string{}, l.args...), Command)...)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, batchError("failed to create stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, batchError("failed to create stdout pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, batchError("failed to start %s: %v", l.path, err)
	}
	pid := cmd.Process.Pid

	fail := func(err error) (int, error) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, err
	}

	if err := newEncoder(stdin).Encode(cfg); err != nil {
		return fail(batchError("failed to configure batch server %d: %v", pid, err))
	}
	stdin.Close()

	ready := &Ready{}
	if err := newDecoder(stdout).Decode(ready); err != nil {
		return fail(batchError("batch server %d failed to get ready: %v", pid, err))
	}
	if ready.PID != pid || ready.Socket != cfg.Socket {
		return fail(batchError("batch server %d: unexpected ready message %+v", pid, *ready))
	}

	l.Lock()
	l.procs[pid] = cmd
	l.Unlock()

	go func() {
		err := cmd.Wait()
		log.Info("batch server %d exited (%v)", pid, err)
		l.Lock()
		delete(l.procs, pid)
		l.Unlock()
	}()

	log.Info("started batch server %d for process %d", pid, cfg.ClientPID)
	return pid, nil
}

// Stop sends SIGTERM to a batch server.
func (l *ProcessLauncher) Stop(pid int) error {
	if pid <= 0 {
		return api.InvalidArgument("invalid batch server pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return batchError("failed to stop batch server %d: %v", pid, err)
	}
	return nil
}

// InProcessLauncher runs batch servers as goroutines, for tests and dry runs.
type InProcessLauncher struct {
	sync.Mutex
	platform func() platform.Platform
	procs    procs.Table
	next     int
	servers  map[int]*Server
}

// inProcessBase is the first pseudo-pid of in-process servers.
const inProcessBase = 1 << 22

// NewInProcessLauncher creates a launcher that serves from platforms
// created by newPlatform.
func NewInProcessLauncher(newPlatform func() platform.Platform, table procs.Table) *InProcessLauncher {
	return &InProcessLauncher{
		platform: newPlatform,
		procs:    table,
		next:     inProcessBase,
		servers:  map[int]*Server{},
	}
}

// Launch starts serving in a goroutine and returns the pseudo-pid of the server.
func (l *InProcessLauncher) Launch(cfg *Config) (int, error) {
	s, err := NewServer(cfg, l.platform(), l.procs)
	if err != nil {
		return 0, err
	}

	l.Lock()
	l.next++
	pid := l.next
	l.servers[pid] = s
	l.Unlock()

	go func() {
		if err := s.Serve(); err != nil {
			log.Error("batch server %d failed: %v", pid, err)
		}
		l.Lock()
		delete(l.servers, pid)
		l.Unlock()
	}()

	return pid, nil
}

// Stop stops the in-process server with the given pseudo-pid.
func (l *InProcessLauncher) Stop(pid int) error {
	l.Lock()
	s, ok := l.servers[pid]
	l.Unlock()
	if !ok {
		return nil
	}
	s.Stop()
	<-s.Done()
	return nil
}

// Running returns the number of running in-process servers.
func (l *InProcessLauncher) Running() int {
	l.Lock()
	defer l.Unlock()
	return len(l.servers)
}
