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

package service

import (
	"context"
	"time"

	ocstats "go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"

	"github.com/intel/pmsvc/pkg/api"
)

// Op is a service operation.
type Op int

const (
	OpInvalid Op = iota
	OpOpenSession
	OpCloseSession
	OpReadSignal
	OpWriteControl
	OpPushSignals
	OpPushControls
	OpStartBatch
	OpStopBatch
	OpRestoreControl
	OpStartProfile
	OpStopProfile
	OpGetGroupAccess
	OpSetGroupAccess
	OpDeleteGroupAccess
	OpGetAllAccess
	OpGetUserAccess
	OpGetSignalInfo
	OpGetControlInfo
	numOps
)

// Request is a decoded client request.
type Request struct {
	// Op is the requested operation.
	Op Op
	// PID is the process the request came from.
	PID int
	// Name is a profile, group or user name, depending on Op.
	Name string
	// ID identifies a signal or control instance.
	ID api.Identifier
	// Value is a control setting.
	Value float64
	// IDs are signal or control instances to push.
	IDs []api.Identifier
	// Names are signal or control names to describe.
	Names []string
	// Signals and Controls are allow-lists to set.
	Signals  []string
	Controls []string
}

// Reply is the result of a request.
type Reply struct {
	Value       float64
	PID         int
	Signals     []string
	Controls    []string
	SignalInfo  []api.SignalInfo
	ControlInfo []api.ControlInfo
}

// opHandler carries out a request for a resolved caller.
type opHandler func(s *Service, c Caller, req *Request, rpl *Reply) error

// opEntry describes an operation.
type opEntry struct {
	name         string
	privileged   bool
	writeClass   bool
	needsSession bool
	handler      opHandler
}

var ops = [numOps]opEntry{
	OpInvalid: {name: "Invalid"},
	OpOpenSession: {
		name: "OpenSession",
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.OpenSession(c, req.Name)
		},
	},
	OpCloseSession: {
		name: "CloseSession",
		handler: func(s *Service, c Caller, _ *Request, _ *Reply) error {
			return s.CloseSession(c)
		},
	},
	OpReadSignal: {
		name: "ReadSignal",
		handler: func(s *Service, c Caller, req *Request, rpl *Reply) (err error) {
			rpl.Value, err = s.ReadSignal(c, req.ID)
			return err
		},
	},
	OpWriteControl: {
		name:         "WriteControl",
		writeClass:   true,
		needsSession: true,
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.WriteControl(c, req.ID, req.Value)
		},
	},
	OpPushSignals: {
		name:         "PushSignals",
		needsSession: true,
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.PushSignals(c, req.IDs)
		},
	},
	OpPushControls: {
		name:         "PushControls",
		writeClass:   true,
		needsSession: true,
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.PushControls(c, req.IDs)
		},
	},
	OpStartBatch: {
		name:         "StartBatch",
		needsSession: true,
		handler: func(s *Service, c Caller, _ *Request, rpl *Reply) (err error) {
			rpl.PID, err = s.StartBatch(c)
			return err
		},
	},
	OpStopBatch: {
		name:         "StopBatch",
		needsSession: true,
		handler: func(s *Service, c Caller, _ *Request, _ *Reply) error {
			return s.StopBatch(c)
		},
	},
	OpRestoreControl: {
		name:         "RestoreControl",
		writeClass:   true,
		needsSession: true,
		handler: func(s *Service, c Caller, _ *Request, _ *Reply) error {
			return s.RestoreControl(c)
		},
	},
	OpStartProfile: {
		name:         "StartProfile",
		needsSession: true,
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.StartProfile(c, req.Name)
		},
	},
	OpStopProfile: {
		name:         "StopProfile",
		needsSession: true,
		handler: func(s *Service, c Caller, req *Request, _ *Reply) error {
			return s.StopProfile(c, req.Name)
		},
	},
	OpGetGroupAccess: {
		name: "GetGroupAccess",
		handler: func(s *Service, _ Caller, req *Request, rpl *Reply) (err error) {
			rpl.Signals, rpl.Controls, err = s.GetGroupAccess(req.Name)
			return err
		},
	},
	OpSetGroupAccess: {
		name:       "SetGroupAccess",
		privileged: true,
		handler: func(s *Service, _ Caller, req *Request, _ *Reply) error {
			return s.SetGroupAccess(req.Name, req.Signals, req.Controls)
		},
	},
	OpDeleteGroupAccess: {
		name:       "DeleteGroupAccess",
		privileged: true,
		handler: func(s *Service, _ Caller, req *Request, _ *Reply) error {
			return s.DeleteGroupAccess(req.Name)
		},
	},
	OpGetAllAccess: {
		name: "GetAllAccess",
		handler: func(s *Service, _ Caller, _ *Request, rpl *Reply) error {
			rpl.Signals, rpl.Controls = s.GetAllAccess()
			return nil
		},
	},
	OpGetUserAccess: {
		name: "GetUserAccess",
		handler: func(s *Service, c Caller, req *Request, rpl *Reply) (err error) {
			rpl.Signals, rpl.Controls, err = s.GetUserAccess(c, req.Name)
			return err
		},
	},
	OpGetSignalInfo: {
		name: "GetSignalInfo",
		handler: func(s *Service, c Caller, req *Request, rpl *Reply) (err error) {
			rpl.SignalInfo, err = s.GetSignalInfo(c, req.Names)
			return err
		},
	},
	OpGetControlInfo: {
		name: "GetControlInfo",
		handler: func(s *Service, c Caller, req *Request, rpl *Reply) (err error) {
			rpl.ControlInfo, err = s.GetControlInfo(c, req.Names)
			return err
		},
	},
}

// String returns the name of the operation.
func (op Op) String() string {
	if op <= OpInvalid || op >= numOps {
		return ops[OpInvalid].name
	}
	return ops[op].name
}

// ParseOp returns the operation with the given name.
func ParseOp(name string) (Op, bool) {
	for op := OpInvalid + 1; op < numOps; op++ {
		if ops[op].name == name {
			return op, true
		}
	}
	return OpInvalid, false
}

// Ops returns every valid operation.
func Ops() []Op {
	all := make([]Op, 0, numOps-1)
	for op := OpInvalid + 1; op < numOps; op++ {
		all = append(all, op)
	}
	return all
}

// Privileged checks if the operation is reserved to the owner of the service.
func (op Op) Privileged() bool {
	return op > OpInvalid && op < numOps && ops[op].privileged
}

var (
	opKey          = tag.MustNewKey("op")
	resultKey      = tag.MustNewKey("result")
	requestLatency = ocstats.Float64("pmsvc/request_latency",
		"Latency of service requests", ocstats.UnitMilliseconds)
)

// Views returns the opencensus views of the service.
func Views() []*view.View {
	return []*view.View{
		{
			Name:        "pmsvc/request_latency",
			Description: "Distribution of service request latencies",
			Measure:     requestLatency,
			TagKeys:     []tag.Key{opKey, resultKey},
			Aggregation: view.Distribution(0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500),
		},
	}
}

// Dispatch resolves the caller of a request and carries the request out.
func (s *Service) Dispatch(ctx context.Context, req *Request) (*Reply, error) {
	start := time.Now()
	op := req.Op

	ctx, span := trace.StartSpan(ctx, "pmsvc/"+op.String())
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("pid", int64(req.PID)))

	rpl, err := s.dispatch(req)

	result := "ok"
	if err != nil {
		kind := api.KindOf(err)
		result = string(kind)
		span.SetStatus(trace.Status{Code: traceCode(kind), Message: err.Error()})
		s.Debug("%s from process %d failed: %v", op, req.PID, err)
	}
	s.stats.request(op, err)

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	_ = ocstats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(opKey, op.String()), tag.Upsert(resultKey, result)},
		requestLatency.M(latency))

	return rpl, err
}

func (s *Service) dispatch(req *Request) (*Reply, error) {
	if req.Op <= OpInvalid || req.Op >= numOps {
		return nil, api.InvalidArgument("invalid operation %d", int(req.Op))
	}
	entry := &ops[req.Op]

	c, err := s.Caller(req.PID)
	if err != nil {
		return nil, err
	}
	if entry.privileged && !s.Privileged(c) {
		return nil, api.PermissionDenied("%s requires uid %d, called by uid %d",
			entry.name, s.fs.UID(), c.UID)
	}
	if entry.writeClass {
		c.PID = s.sessionKey(c)
	}
	if entry.needsSession && s.Session(c.PID) == nil {
		return nil, api.NoSession("process %d has no open session", c.PID)
	}

	rpl := &Reply{}
	if err := entry.handler(s, c, req, rpl); err != nil {
		return nil, err
	}
	return rpl, nil
}

// Caller resolves the credentials and user name of a client process.
func (s *Service) Caller(pid int) (Caller, error) {
	if pid <= 0 {
		return Caller{}, api.InvalidArgument("invalid client pid %d", pid)
	}
	uid, gid, err := s.procs.Credentials(pid)
	if err != nil {
		return Caller{}, api.WrapError(api.KindPermissionDenied, err,
			"failed to resolve credentials of process %d", pid)
	}

	c := Caller{PID: pid, UID: uid, GID: gid}
	if c.User, err = s.access.Directory().UserName(uid); err != nil {
		s.noisy.Warn("no user name for uid %d, using default access", uid)
	}
	return c, nil
}

// sessionKey returns the pid of the session leader of the caller if the
// leader has an open session of the same user, otherwise the caller's pid.
func (s *Service) sessionKey(c Caller) int {
	leader, err := s.procs.SessionID(c.PID)
	if err != nil || leader <= 0 || leader == c.PID {
		return c.PID
	}
	sess := s.Session(leader)
	if sess == nil {
		return c.PID
	}
	if sess.UID != c.UID {
		s.Warn("process %d (uid %d): not using session of leader %d owned by uid %d",
			c.PID, c.UID, leader, sess.UID)
		return c.PID
	}
	s.Debug("process %d: using session of leader %d", c.PID, leader)
	return leader
}

func traceCode(kind api.Kind) int32 {
	switch kind {
	case api.KindInvalidArgument, api.KindConfiguration:
		return trace.StatusCodeInvalidArgument
	case api.KindPermissionDenied:
		return trace.StatusCodePermissionDenied
	case api.KindWriteDenied, api.KindDuplicateSession:
		return trace.StatusCodeAlreadyExists
	case api.KindNoSession:
		return trace.StatusCodeFailedPrecondition
	case api.KindCorruptState:
		return trace.StatusCodeDataLoss
	case api.KindBackend:
		return trace.StatusCodeUnavailable
	}
	return trace.StatusCodeInternal
}
