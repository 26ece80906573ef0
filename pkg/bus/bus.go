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

// Package bus exports the session service on D-Bus.
package bus

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/service"
)

const (
	// Name is the well-known bus name of the service.
	Name = "io.github.pmsvc"
	// Path is the object path of the service.
	Path = dbus.ObjectPath("/io/github/pmsvc")
	// Interface is the interface of the service object.
	Interface = "io.github.pmsvc"
	// ErrorPrefix prefixes the D-Bus error names of error kinds.
	ErrorPrefix = Interface + ".Error."

	// EnvVar selects the bus to use, SystemBus or SessionBus.
	EnvVar = "PMSVC_BUS"
	// SystemBus is the name of the system bus.
	SystemBus = "system"
	// SessionBus is the name of the session bus.
	SessionBus = "session"
)

// Dispatcher carries out decoded requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *service.Request) (*service.Reply, error)
}

// Identifier is the wire form of an api.Identifier, signature (sii).
type Identifier struct {
	Name   string
	Domain int32
	Index  int32
}

// SignalInfo is the wire form of an api.SignalInfo, signature (ssis).
type SignalInfo struct {
	Name        string
	Description string
	Domain      int32
	Aggregation string
}

// ControlInfo is the wire form of an api.ControlInfo, signature (ssi).
type ControlInfo struct {
	Name        string
	Description string
	Domain      int32
}

// Connect connects to the named bus, the one selected by EnvVar if empty.
func Connect(name string) (*dbus.Conn, error) {
	if name == "" {
		name = os.Getenv(EnvVar)
	}
	switch name {
	case "", SystemBus:
		return dbus.ConnectSystemBus()
	case SessionBus:
		return dbus.ConnectSessionBus()
	}
	return nil, busError("unknown bus %q", name)
}

// Server exports a Dispatcher on a bus connection.
type Server struct {
	logger.Logger
	sync.Mutex
	conn *dbus.Conn
	obj  *Object
}

// NewServer creates a server exporting d on conn.
func NewServer(conn *dbus.Conn, d Dispatcher) *Server {
	s := &Server{
		Logger: logger.NewLogger("bus"),
		conn:   conn,
	}
	s.obj = NewObject(d, s.senderPID)
	return s
}

// Start exports the service object and takes the well-known name.
func (s *Server) Start() error {
	s.Lock()
	defer s.Unlock()

	if err := s.conn.Export(s.obj, Path, Interface); err != nil {
		return busError("failed to export %s: %v", Path, err)
	}
	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			s.obj.Introspection(),
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), Path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return busError("failed to export introspection data: %v", err)
	}

	reply, err := s.conn.RequestName(Name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return busError("failed to request name %s: %v", Name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return busError("name %s is already taken", Name)
	}

	s.Info("serving %s at %s", Name, Path)
	return nil
}

// Stop releases the well-known name and closes the connection.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if _, err := s.conn.ReleaseName(Name); err != nil {
		s.Warn("failed to release name %s: %v", Name, err)
	}
	if err := s.conn.Close(); err != nil {
		s.Warn("failed to close bus connection: %v", err)
	}
}

// senderPID asks the bus for the pid of the process behind sender.
func (s *Server) senderPID(sender dbus.Sender) (int, error) {
	var pid uint32
	err := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0,
		string(sender)).Store(&pid)
	if err != nil {
		return 0, api.WrapError(api.KindPermissionDenied, err,
			"failed to resolve process of %s", sender)
	}
	return int(pid), nil
}

// errorNames maps error kinds to the last element of their D-Bus name.
var errorNames = map[api.Kind]string{
	api.KindInvalidArgument:  "InvalidArgument",
	api.KindPermissionDenied: "PermissionDenied",
	api.KindWriteDenied:      "WriteDenied",
	api.KindNoSession:        "NoSession",
	api.KindDuplicateSession: "DuplicateSession",
	api.KindCorruptState:     "CorruptState",
	api.KindConfiguration:    "Configuration",
	api.KindBackend:          "BackendError",
	api.KindInternal:         "Internal",
}

// ErrorName returns the D-Bus error name of an error kind.
func ErrorName(kind api.Kind) string {
	name, ok := errorNames[kind]
	if !ok {
		name = errorNames[api.KindInternal]
	}
	return ErrorPrefix + name
}

// KindOfName returns the error kind of a D-Bus error name.
func KindOfName(name string) (api.Kind, bool) {
	if !strings.HasPrefix(name, ErrorPrefix) {
		return api.KindInternal, false
	}
	suffix := strings.TrimPrefix(name, ErrorPrefix)
	for kind, n := range errorNames {
		if n == suffix {
			return kind, true
		}
	}
	return api.KindInternal, false
}

// Error converts err to a D-Bus error carrying its kind.
func Error(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(ErrorName(api.KindOf(err)), []interface{}{err.Error()})
}

// FromError converts a D-Bus error of the service back to an api.Error.
// Other errors are returned as internal ones.
func FromError(err error) error {
	if err == nil {
		return nil
	}

	var derr dbus.Error
	switch e := err.(type) {
	case dbus.Error:
		derr = e
	case *dbus.Error:
		derr = *e
	default:
		return api.WrapError(api.KindInternal, err, "bus call failed")
	}

	msg := derr.Name
	if len(derr.Body) > 0 {
		if s, ok := derr.Body[0].(string); ok {
			msg = s
		}
	}

	kind, ok := KindOfName(derr.Name)
	if !ok {
		return api.NewError(api.KindInternal, "%s: %s", derr.Name, msg)
	}
	return &api.Error{Kind: kind, Context: strings.TrimPrefix(msg, string(kind)+": ")}
}

// ToIdentifiers converts identifiers to their wire form.
func ToIdentifiers(ids []api.Identifier) []Identifier {
	wire := make([]Identifier, 0, len(ids))
	for _, id := range ids {
		wire = append(wire, Identifier{Name: id.Name, Domain: int32(id.Domain), Index: int32(id.Index)})
	}
	return wire
}

// FromIdentifiers converts identifiers from their wire form.
func FromIdentifiers(wire []Identifier) []api.Identifier {
	ids := make([]api.Identifier, 0, len(wire))
	for _, w := range wire {
		ids = append(ids, api.Identifier{Name: w.Name, Domain: api.Domain(w.Domain), Index: int(w.Index)})
	}
	return ids
}

func busError(format string, args ...interface{}) error {
	return api.Internal("bus: "+format, args...)
}
