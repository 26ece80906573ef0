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
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/procs"
)

// DefaultPeriod is how often the server checks that its client is alive.
const DefaultPeriod = time.Second

// Server serves batch reads and writes of a single client.
type Server struct {
	logger.Logger
	sync.Mutex
	cfg      Config
	platform platform.Platform
	procs    procs.Table
	period   time.Duration
	listener *net.UnixListener
	signals  []int
	controls []int
	conns    map[net.Conn]struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer pushes the configured signals and controls into the platform
// batch and creates the server socket.
func NewServer(cfg *Config, p platform.Platform, table procs.Table) (*Server, error) {
	s := &Server{
		Logger:   logger.NewLogger("batch"),
		cfg:      *cfg,
		platform: p,
		procs:    table,
		period:   DefaultPeriod,
		conns:    map[net.Conn]struct{}{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.Socket == "" || cfg.ClientPID <= 0 || cfg.ClientUID < 0 {
		return nil, api.InvalidArgument("invalid batch server configuration")
	}
	if len(cfg.Signals) == 0 && len(cfg.Controls) == 0 {
		return nil, api.InvalidArgument("no signals or controls pushed")
	}

	for _, id := range cfg.Signals {
		idx, err := p.PushSignal(id.Name, id.Domain, id.Index)
		if err != nil {
			return nil, err
		}
		s.signals = append(s.signals, idx)
	}
	for _, id := range cfg.Controls {
		idx, err := p.PushControl(id.Name, id.Domain, id.Index)
		if err != nil {
			return nil, err
		}
		s.controls = append(s.controls, idx)
	}

	if err := s.listen(); err != nil {
		return nil, err
	}

	return s, nil
}

// SetPeriod sets the interval of client liveness checks.
func (s *Server) SetPeriod(period time.Duration) {
	if period > 0 {
		s.period = period
	}
}

// Socket returns the path of the server socket.
func (s *Server) Socket() string {
	return s.cfg.Socket
}

func (s *Server) listen() error {
	if err := os.Remove(s.cfg.Socket); err != nil && !os.IsNotExist(err) {
		return batchError("failed to remove stale socket %s: %v", s.cfg.Socket, err)
	}

	old := unix.Umask(0o177)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.Socket, Net: "unix"})
	unix.Umask(old)
	if err != nil {
		return batchError("failed to create socket %s: %v", s.cfg.Socket, err)
	}
	l.SetUnlinkOnClose(true)

	if err := os.Chmod(s.cfg.Socket, 0o600); err != nil {
		l.Close()
		return batchError("failed to chmod socket %s: %v", s.cfg.Socket, err)
	}
	if s.cfg.ClientUID != os.Geteuid() {
		if err := os.Chown(s.cfg.Socket, s.cfg.ClientUID, -1); err != nil {
			l.Close()
			return batchError("failed to chown socket %s: %v", s.cfg.Socket, err)
		}
	}

	s.listener = l
	return nil
}

// Serve accepts and serves connections until the server is stopped or the
// client process is gone.
func (s *Server) Serve() error {
	defer close(s.done)

	go s.watchClient()

	s.Info("serving process %d on %s (%d signals, %d controls)",
		s.cfg.ClientPID, s.cfg.Socket, len(s.signals), len(s.controls))

	var wg sync.WaitGroup
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-s.stop:
				wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			s.Error("accept failed: %v", err)
			continue
		}

		if err := s.authenticate(conn); err != nil {
			s.Warn("rejected connection: %v", err)
			conn.Close()
			continue
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.listener.Close()

		s.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.Unlock()
	})
}

// Done returns a channel closed once Serve has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) track(conn net.Conn) bool {
	s.Lock()
	defer s.Unlock()
	select {
	case <-s.stop:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.Lock()
	defer s.Unlock()
	delete(s.conns, conn)
}

// authenticate checks that the peer runs as the client user.
func (s *Server) authenticate(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var (
		cred *unix.Ucred
		cerr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if cerr != nil {
		return batchError("failed to get peer credentials: %v", cerr)
	}
	if int(cred.Uid) != s.cfg.ClientUID {
		return batchError("peer process %d has uid %d, expected %d", cred.Pid, cred.Uid, s.cfg.ClientUID)
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	dec := newDecoder(conn)
	enc := newEncoder(conn)
	for {
		req := &Request{}
		if err := dec.Decode(req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.Debug("connection closed: %v", err)
			}
			return
		}
		if err := enc.Encode(s.handle(req)); err != nil {
			s.Debug("failed to send response: %v", err)
			return
		}
	}
}

func (s *Server) handle(req *Request) *Response {
	s.Lock()
	defer s.Unlock()

	switch req.Op {
	case OpRead:
		if err := s.platform.ReadBatch(); err != nil {
			return errorResponse(err)
		}
		values := make([]float64, 0, len(s.signals))
		for _, idx := range s.signals {
			v, err := s.platform.Sample(idx)
			if err != nil {
				return errorResponse(err)
			}
			values = append(values, v)
		}
		return &Response{Values: values}

	case OpWrite:
		if len(req.Values) != len(s.controls) {
			return errorResponse(api.InvalidArgument("expected %d control values, got %d",
				len(s.controls), len(req.Values)))
		}
		for i, idx := range s.controls {
			if err := s.platform.Adjust(idx, req.Values[i]); err != nil {
				return errorResponse(err)
			}
		}
		if err := s.platform.WriteBatch(); err != nil {
			return errorResponse(err)
		}
		return &Response{}
	}

	return errorResponse(api.InvalidArgument("unknown batch operation %q", req.Op))
}

func (s *Server) watchClient() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.procs.Alive(s.cfg.ClientPID) {
				s.Info("client process %d is gone, stopping", s.cfg.ClientPID)
				s.Stop()
				return
			}
		}
	}
}

// Run runs a batch server configured from r, reporting readiness to w,
// until the server is stopped by a call to stop.
func Run(r io.Reader, w io.Writer, p platform.Platform, table procs.Table, stop <-chan struct{}) error {
	cfg := &Config{}
	if err := newDecoder(r).Decode(cfg); err != nil {
		return batchError("failed to read configuration: %v", err)
	}

	s, err := NewServer(cfg, p, table)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-stop:
			s.Stop()
		case <-s.Done():
		}
	}()

	if err := newEncoder(w).Encode(&Ready{PID: os.Getpid(), Socket: s.Socket()}); err != nil {
		s.Stop()
		return batchError("failed to report readiness: %v", err)
	}

	return s.Serve()
}

func batchError(format string, args ...interface{}) error {
	return api.NewError(api.KindInternal, "batch: "+format, args...)
}
