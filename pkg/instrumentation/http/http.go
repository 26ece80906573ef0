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

// Package http serves the instrumentation endpoints of the daemon. Handlers
// can be removed again, which the stock http.ServeMux does not allow.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	logger "github.com/intel/pmsvc/pkg/log"
)

var log = logger.NewLogger("http")

// ServeMux is an HTTP request multiplexer with removable handlers.
type ServeMux struct {
	sync.RWMutex
	handlers map[string]http.Handler
	mux      *http.ServeMux
}

// NewServeMux creates a new multiplexer.
func NewServeMux() *ServeMux {
	return &ServeMux{
		handlers: map[string]http.Handler{},
		mux:      http.NewServeMux(),
	}
}

// Handle registers handler for pattern. Duplicate patterns are ignored.
func (m *ServeMux) Handle(pattern string, handler http.Handler) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.handlers[pattern]; ok {
		log.Error("ignoring duplicate handler for %q", pattern)
		return
	}

	log.Debug("adding handler for %q", pattern)
	m.handlers[pattern] = handler
	m.mux.Handle(pattern, handler)
}

// HandleFunc registers fn for pattern.
func (m *ServeMux) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	m.Handle(pattern, http.HandlerFunc(fn))
}

// Unregister removes and returns the handler for pattern.
func (m *ServeMux) Unregister(pattern string) (http.Handler, bool) {
	m.Lock()
	defer m.Unlock()

	h, ok := m.handlers[pattern]
	if !ok {
		return nil, false
	}

	log.Debug("removing handler for %q", pattern)
	delete(m.handlers, pattern)
	m.rebuild()

	return h, true
}

// Patterns returns the registered patterns, sorted.
func (m *ServeMux) Patterns() []string {
	m.RLock()
	defer m.RUnlock()

	patterns := make([]string, 0, len(m.handlers))
	for p := range m.handlers {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

// rebuild recreates the stock mux from the remaining handlers.
func (m *ServeMux) rebuild() {
	m.mux = http.NewServeMux()
	for p, h := range m.handlers {
		m.mux.Handle(p, h)
	}
}

// ServeHTTP dispatches a request to the matching handler.
func (m *ServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.RLock()
	mux := m.mux
	m.RUnlock()
	mux.ServeHTTP(w, r)
}

// Server serves a ServeMux on a TCP address that can be changed at runtime.
type Server struct {
	sync.RWMutex
	server *http.Server
	mux    *ServeMux
}

// NewServer creates a new, stopped server.
func NewServer() *Server {
	return &Server{mux: NewServeMux()}
}

// GetMux returns the mux of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server listens on, or "" if stopped.
func (s *Server) GetAddress() string {
	s.RLock()
	defer s.RUnlock()
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Start listens on addr and starts serving. An empty addr disables the server.
func (s *Server) Start(addr string) error {
	if addr == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	s.Lock()
	defer s.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return httpError("failed to listen on %q: %v", addr, err)
	}

	// addr may have asked for an ephemeral port
	srv := &http.Server{Addr: ln.Addr().String(), Handler: s.mux}
	s.server = srv
	log.Info("serving HTTP on %s", srv.Addr)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server on %s failed: %v", srv.Addr, err)
		}
	}()

	return nil
}

// Stop closes the server and all its connections.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	log.Info("stopping HTTP server on %s", s.server.Addr)
	s.server.Close()
	s.server = nil
}

// Shutdown stops the server gracefully, waiting at most timeout for active
// connections to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return nil
	}

	log.Info("shutting down HTTP server on %s", s.server.Addr)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return httpError("failed to shut down: %v", err)
	}
	return nil
}

// Reconfigure restarts the server if addr differs from the current address.
func (s *Server) Reconfigure(addr string) error {
	if s.GetAddress() == addr {
		return nil
	}
	return s.Restart(addr)
}

// Restart stops the server and starts it again on addr.
func (s *Server) Restart(addr string) error {
	s.Stop()
	return s.Start(addr)
}

func httpError(format string, args ...interface{}) error {
	return fmt.Errorf("http: "+format, args...)
}
