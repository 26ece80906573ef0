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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmsvc/pkg/access"
	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/batch"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/platform/fake"
	"github.com/intel/pmsvc/pkg/procs"
	"github.com/intel/pmsvc/pkg/securefs"
	"github.com/intel/pmsvc/pkg/session"
	"github.com/intel/pmsvc/pkg/testutils"
	"github.com/intel/pmsvc/pkg/vault"
	"github.com/intel/pmsvc/pkg/writelock"
)

const (
	origFrequency = 2.0e9
	testPeriod    = time.Second
)

var (
	timeID      = api.Identifier{Name: "TIME", Domain: api.DomainBoard}
	energyID    = api.Identifier{Name: "CPU_ENERGY", Domain: api.DomainPackage}
	frequencyID = api.Identifier{Name: "CPU_FREQUENCY_CONTROL", Domain: api.DomainBoard}
	powerID     = api.Identifier{Name: "CPU_POWER_LIMIT_CONTROL", Domain: api.DomainPackage, Index: 1}
	maxFreqID   = api.Identifier{Name: "CPU_FREQUENCY_MAX_CONTROL", Domain: api.DomainCPU, Index: 3}
)

// testEnv is a service with fake collaborators.
type testEnv struct {
	*Service
	cfg      Config
	fs       *securefs.FS
	platform *fake.Platform
	procs    *procs.Fake
	dir      *access.FakeDirectory
	launcher *batch.InProcessLauncher
	euid     int
}

func newPlatform() *fake.Platform {
	controls := append([]fake.Control{}, fake.DefaultControls...)
	controls = append(controls, fake.Control{
		ControlInfo: api.ControlInfo{
			Name:        "CPU_FREQUENCY_CONTROL",
			Description: "Target operating frequency in hertz",
			Domain:      api.DomainBoard,
		},
		Value: origFrequency,
	})
	return fake.NewWith(fake.DefaultSignals, controls, fake.DefaultDomains)
}

// newTestEnv creates, but does not start, a service. The user "admin" owns
// the service, "u1" and "u2" are ordinary users, "u3" is a writer.
func newTestEnv(t *testing.T) *testEnv {
	tmp := t.TempDir()
	euid := os.Geteuid()

	e := &testEnv{
		fs:       securefs.New(euid),
		platform: newPlatform(),
		procs:    procs.NewFake(),
		dir:      access.NewFakeDirectory(),
		euid:     euid,
	}
	e.dir.AddUser("admin", euid)
	e.dir.AddUser("u1", 1001)
	e.dir.AddUser("u2", 1002)
	e.dir.AddUser("u3", 1003)
	e.dir.AddGroup("g1", "u1", "admin")
	e.dir.AddGroup("writers", "u3", "admin")

	e.launcher = batch.NewInProcessLauncher(func() platform.Platform { return e.platform }, e.procs)
	e.cfg = Config{
		FS:             e.fs,
		Platform:       e.platform,
		Procs:          e.procs,
		Directory:      e.dir,
		Launcher:       e.launcher,
		RunRoot:        filepath.Join(tmp, "run"),
		ConfigRoot:     filepath.Join(tmp, "etc"),
		LivenessPeriod: testPeriod,
	}

	e.Service = e.create(t)
	return e
}

func (e *testEnv) create(t *testing.T) *Service {
	s, err := New(e.cfg)
	require.NoError(t, err)
	return s
}

// start starts the service and grants the test groups their lists.
func (e *testEnv) start(t *testing.T) {
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	e.grant(t)
}

func (e *testEnv) grant(t *testing.T) {
	require.NoError(t, e.access.SetGroupAccess("", nil, nil))
	require.NoError(t, e.access.SetGroupAccess("g1",
		[]string{"TIME", "CPU_ENERGY"}, nil))
	require.NoError(t, e.access.SetGroupAccess("writers",
		[]string{"TIME", "CPU_FREQUENCY_CONTROL"},
		[]string{"CPU_FREQUENCY_CONTROL", "CPU_POWER_LIMIT_CONTROL", "CPU_FREQUENCY_MAX_CONTROL"}))
}

// client adds a live process run by user and returns it as a caller.
func (e *testEnv) client(t *testing.T, pid int, user string) Caller {
	uid := e.euid
	switch user {
	case "u1":
		uid = 1001
	case "u2":
		uid = 1002
	case "u3":
		uid = 1003
	}
	e.procs.Add(procs.Process{PID: pid, UID: uid, GID: uid})
	c, err := e.Caller(pid)
	require.NoError(t, err)
	require.Equal(t, user, c.User)
	return c
}

// tick runs the liveness check one period from now.
func (e *testEnv) tick() {
	e.checkClients(time.Now().Add(e.monitor.Period()))
}

func (e *testEnv) holder(t *testing.T) int {
	holder, err := e.lock.Holder()
	require.NoError(t, err)
	return holder
}

func (e *testEnv) record(t *testing.T, pid int) *session.Record {
	rec := &session.Record{}
	require.NoError(t, e.fs.ReadJSON(session.Path(e.runRoot, pid), session.Schema, rec))
	return rec
}

// requireStopped waits for every batch server to exit.
func (e *testEnv) requireStopped(t *testing.T) {
	require.Eventually(t, func() bool { return e.launcher.Running() == 0 },
		time.Second, 10*time.Millisecond)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func requireKind(t *testing.T, kind api.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, api.KindOf(err), err.Error())
}

func TestReadSession(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "admin")

	sessionFile := session.Path(e.runRoot, 1234)
	require.NoError(t, e.OpenSession(c, "S1"))
	require.True(t, exists(sessionFile))

	require.NoError(t, e.PushSignals(c, []api.Identifier{timeID, energyID}))
	pid, err := e.StartBatch(c)
	require.NoError(t, err)
	require.Equal(t, pid, e.Session(1234).BatchServer)

	client, err := batch.Dial(batch.SocketPath(e.runRoot, 1234))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		values, err := client.ReadBatch()
		require.NoError(t, err)
		require.Equal(t, []float64{1, 1000}, values)
	}
	require.NoError(t, client.Close())

	requireKind(t, api.KindInvalidArgument, e.PushSignals(c, []api.Identifier{timeID}))

	require.NoError(t, e.CloseSession(c))
	require.False(t, exists(sessionFile))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))
	require.Equal(t, 0, e.holder(t))
	e.requireStopped(t)
}

func TestCrashRestore(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.PushControls(c, []api.Identifier{frequencyID}))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))
	require.Equal(t, 1.5e9, e.platform.Value(frequencyID))
	require.True(t, exists(vault.Path(e.runRoot, 1234)))
	require.Equal(t, 1234, e.holder(t))

	e.procs.Kill(1234)
	e.tick()

	require.False(t, exists(vault.Path(e.runRoot, 1234)))
	require.False(t, exists(session.Path(e.runRoot, 1234)))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.Equal(t, 0, e.holder(t))

	// the first close after the teardown succeeds, the next one does not
	require.NoError(t, e.CloseSession(c))
	requireKind(t, api.KindNoSession, e.CloseSession(c))
}

func TestCrashDetectedWithinPeriod(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))

	// let a few checks pass first
	time.Sleep(testPeriod + e.monitor.Tick()/2)
	e.procs.Kill(1234)

	require.Eventually(t, func() bool { return e.Session(1234) == nil },
		testPeriod+testPeriod/4, 5*time.Millisecond)
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.Equal(t, 0, e.holder(t))
}

func TestWriteDenied(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	a := e.client(t, 10, "u3")
	b := e.client(t, 20, "admin")

	require.NoError(t, e.OpenSession(a, ""))
	require.NoError(t, e.PushControls(a, []api.Identifier{frequencyID}))
	require.NoError(t, e.WriteControl(a, frequencyID, 1.2e9))

	require.NoError(t, e.OpenSession(b, ""))
	requireKind(t, api.KindWriteDenied, e.PushControls(b, []api.Identifier{frequencyID}))
	requireKind(t, api.KindWriteDenied, e.WriteControl(b, frequencyID, 3e9))

	require.Equal(t, session.StateWriteActive, e.Session(10).State)
	require.Equal(t, session.StateReadOnly, e.Session(20).State)
	require.Empty(t, e.Session(20).Controls)
	require.Equal(t, 1.2e9, e.platform.Value(frequencyID))
	require.Equal(t, 10, e.holder(t))
	require.False(t, exists(vault.Path(e.runRoot, 20)))
}

func TestAtMostOneWriter(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)

	var callers []Caller
	for pid := 100; pid < 108; pid++ {
		c := e.client(t, pid, "u3")
		require.NoError(t, e.OpenSession(c, ""))
		callers = append(callers, c)
	}

	writers := func() int {
		n := 0
		for _, c := range callers {
			if sess := e.Session(c.PID); sess != nil && sess.State == session.StateWriteActive {
				n++
			}
		}
		return n
	}

	for round := 0; round < 3; round++ {
		granted := 0
		for _, c := range callers {
			err := e.PushControls(c, []api.Identifier{powerID})
			if err == nil {
				granted++
			} else {
				requireKind(t, api.KindWriteDenied, err)
			}
			require.LessOrEqual(t, writers(), 1)
		}
		require.Equal(t, 1, granted)

		// the writer goes away, handing over to the next one
		writer := e.holder(t)
		require.NoError(t, e.CloseSession(Caller{PID: writer}))
		require.NoError(t, e.OpenSession(Caller{PID: writer, UID: 1003, GID: 1003, User: "u3"}, ""))
		require.Equal(t, 0, writers())
	}
}

func TestAccessByUser(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	dispatch := func(req *Request) (*Reply, error) {
		return e.Dispatch(context.Background(), req)
	}

	e.client(t, 1, "admin")
	e.client(t, 2, "u1")
	e.client(t, 3, "u2")

	_, err := dispatch(&Request{Op: OpSetGroupAccess, PID: 1, Name: "g1", Signals: []string{"TIME"}})
	require.NoError(t, err)
	_, err = dispatch(&Request{Op: OpSetGroupAccess, PID: 1})
	require.NoError(t, err)
	_, err = dispatch(&Request{Op: OpSetGroupAccess, PID: 3, Name: "g1", Signals: []string{"CPU_ENERGY"}})
	requireKind(t, api.KindPermissionDenied, err)

	rpl, err := dispatch(&Request{Op: OpGetUserAccess, PID: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"TIME"}, rpl.Signals)
	require.Equal(t, []string{}, rpl.Controls)

	rpl, err = dispatch(&Request{Op: OpGetUserAccess, PID: 3})
	require.NoError(t, err)
	require.Equal(t, []string{}, rpl.Signals)
	require.Equal(t, []string{}, rpl.Controls)

	_, err = dispatch(&Request{Op: OpReadSignal, PID: 3, ID: timeID})
	requireKind(t, api.KindPermissionDenied, err)
	rpl, err = dispatch(&Request{Op: OpReadSignal, PID: 2, ID: timeID})
	require.NoError(t, err)
	require.Equal(t, 1.0, rpl.Value)

	// only the owner can look at the access of others
	_, err = dispatch(&Request{Op: OpGetUserAccess, PID: 3, Name: "u1"})
	requireKind(t, api.KindPermissionDenied, err)
	rpl, err = dispatch(&Request{Op: OpGetUserAccess, PID: 1, Name: "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"TIME"}, rpl.Signals)

	// requests of processes which are gone are refused
	_, err = dispatch(&Request{Op: OpGetAllAccess, PID: 4})
	requireKind(t, api.KindPermissionDenied, err)
	rpl, err = dispatch(&Request{Op: OpGetAllAccess, PID: 3})
	require.NoError(t, err)
	require.Equal(t, e.platform.ControlNames(), rpl.Controls)
}

func TestStartupRecovery(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t, 1234, "u3")
	survivor := e.client(t, 10, "u1")

	// the first instance is not started, its liveness checks never run
	require.NoError(t, e.access.SetGroupAccess("writers", nil,
		[]string{"CPU_FREQUENCY_CONTROL", "CPU_POWER_LIMIT_CONTROL"}))
	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.PushControls(c, []api.Identifier{frequencyID, powerID}))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))
	require.NoError(t, e.WriteControl(c, powerID, 150))
	require.NoError(t, e.OpenSession(survivor, "survivor"))

	// crash
	require.NoError(t, e.lock.Close())
	e.procs.Kill(1234)

	s := e.create(t)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.Equal(t, 200.0, e.platform.Value(powerID))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))
	require.False(t, exists(session.Path(e.runRoot, 1234)))
	holder, err := s.lock.Holder()
	require.NoError(t, err)
	require.Equal(t, 0, holder)

	sess := s.Session(10)
	require.NotNil(t, sess)
	require.Equal(t, session.StateReadOnly, sess.State)
	require.Equal(t, "survivor", sess.ProfileName)
	require.True(t, s.monitor.Watching(10))
}

func TestRecoverWriter(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.Start())
	e.grant(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.PushControls(c, []api.Identifier{frequencyID}))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))

	// the service restarts while the writer keeps running
	e.stopMonitor()
	require.NoError(t, e.lock.Close())

	s := e.create(t)
	require.NoError(t, s.Start())

	sess := s.Session(1234)
	require.NotNil(t, sess)
	require.Equal(t, session.StateWriteActive, sess.State)
	require.True(t, s.vaults[1234].Adopted())

	// the adopted vault keeps the setting from before the restart
	require.NoError(t, s.WriteControl(c, frequencyID, 1.8e9))
	require.NoError(t, s.CloseSession(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))

	s.Stop()
}

// stopMonitor stops liveness checks, leaving every session in place.
func (e *testEnv) stopMonitor() {
	if e.stop != nil {
		close(e.stop)
		<-e.done
		e.stop = nil
	}
}

func TestOrphanedState(t *testing.T) {
	e := newTestEnv(t)

	// a vault without a session and a lock naming a process which is gone
	v, err := vault.Open(e.fs, e.platform, e.runRoot, 4321)
	require.NoError(t, err)
	require.NoError(t, v.Save([]api.Identifier{frequencyID}))
	e.platform.SetValue(frequencyID, 1.1e9)

	_, err = e.lock.TryLock(4321)
	require.NoError(t, err)

	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)

	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.False(t, exists(v.Path()))
	require.Equal(t, 0, e.holder(t))
}

func TestAttach(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u1")

	require.NoError(t, e.OpenSession(c, "first"))
	require.NoError(t, e.OpenSession(c, "second"))

	matches, err := filepath.Glob(filepath.Join(e.runRoot, session.FilePrefix+"*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	rec := e.record(t, 1234)
	require.Equal(t, 2, rec.ReferenceCount)
	require.Equal(t, "first", rec.ProfileName)

	require.NoError(t, e.CloseSession(c))
	require.Equal(t, 1, e.record(t, 1234).ReferenceCount)
	require.NoError(t, e.CloseSession(c))
	require.False(t, exists(session.Path(e.runRoot, 1234)))
	requireKind(t, api.KindNoSession, e.CloseSession(c))
}

func TestDuplicateSession(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.MaxReferences = 2
	require.NoError(t, e.lock.Close())
	e.Service = e.create(t)
	e.start(t)
	c := e.client(t, 1234, "u1")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.OpenSession(c, ""))
	requireKind(t, api.KindDuplicateSession, e.OpenSession(c, ""))
	require.Equal(t, 2, e.Session(1234).RefCount)
}

func TestRoundTripRestore(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	controls := []api.Identifier{frequencyID, powerID, maxFreqID}
	orig := map[api.Identifier]float64{}
	for _, id := range controls {
		orig[id] = e.platform.Value(id)
	}

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.PushControls(c, controls[:1]))
	for i, id := range controls {
		require.NoError(t, e.WriteControl(c, id, float64(i+1)))
		require.NoError(t, e.WriteControl(c, id, float64(i+100)))
	}
	require.NoError(t, e.CloseSession(c))

	for _, id := range controls {
		require.Equal(t, orig[id], e.platform.Value(id), id.String())
	}

	// restores run in reverse order of saving
	writes := e.platform.Writes()
	require.GreaterOrEqual(t, len(writes), 3)
	var restored []api.Identifier
	for _, w := range writes[len(writes)-3:] {
		restored = append(restored, w.Identifier)
	}
	require.Empty(t, cmp.Diff([]api.Identifier{maxFreqID, powerID, frequencyID}, restored))
}

func TestWriteArguments(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")
	other := e.client(t, 1235, "u1")

	requireKind(t, api.KindNoSession, e.WriteControl(c, frequencyID, 1e9))
	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.OpenSession(other, ""))

	requireKind(t, api.KindInvalidArgument, e.WriteControl(c, frequencyID, nan()))
	requireKind(t, api.KindInvalidArgument,
		e.WriteControl(c, api.Identifier{Name: "CPU_FREQUENCY_CONTROL", Domain: api.DomainBoard, Index: 1}, 1e9))
	requireKind(t, api.KindPermissionDenied, e.WriteControl(other, frequencyID, 1e9))
	requireKind(t, api.KindPermissionDenied, e.PushSignals(other, []api.Identifier{frequencyID}))

	require.Equal(t, 0, e.holder(t))
	require.Equal(t, session.StateReadOnly, e.Session(1234).State)
}

func TestStaleWriter(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	e.stopMonitor()
	a := e.client(t, 10, "u3")
	b := e.client(t, 20, "u3")

	require.NoError(t, e.OpenSession(a, ""))
	require.NoError(t, e.WriteControl(a, frequencyID, 1.5e9))
	require.NoError(t, e.OpenSession(b, ""))
	e.procs.Kill(10)

	require.NoError(t, e.PushControls(b, []api.Identifier{frequencyID}))
	require.Equal(t, 20, e.holder(t))
	require.Nil(t, e.Session(10))
	require.False(t, exists(vault.Path(e.runRoot, 10)))

	// the new writer saved the setting restored from the stale one
	require.NoError(t, e.WriteControl(b, frequencyID, 1.7e9))
	require.NoError(t, e.CloseSession(b))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
}

func TestStaleWriterCorruptVault(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	e.stopMonitor()
	a := e.client(t, 10, "u3")
	b := e.client(t, 20, "u3")

	require.NoError(t, e.OpenSession(a, ""))
	require.NoError(t, e.WriteControl(a, frequencyID, 1.5e9))
	path := vault.Path(e.runRoot, 10)
	require.NoError(t, e.fs.WriteFile(path, []byte(`[{"name": 1}]`)))
	e.procs.Kill(10)

	require.NoError(t, e.OpenSession(b, ""))
	require.NoError(t, e.PushControls(b, []api.Identifier{frequencyID}))
	require.Equal(t, 20, e.holder(t))

	invalid, err := filepath.Glob(path + "-*" + securefs.InvalidSuffix)
	require.NoError(t, err)
	require.Len(t, invalid, 1)
	require.Equal(t, 1.5e9, e.platform.Value(frequencyID))
}

func TestLeaderRetargeting(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	e.client(t, 1234, "u3")
	e.procs.Add(procs.Process{PID: 1235, SID: 1234, UID: 1003, GID: 1003})

	dispatch := func(req *Request) error {
		_, err := e.Dispatch(context.Background(), req)
		return err
	}

	// without a session of the leader the child is on its own
	requireKind(t, api.KindNoSession, dispatch(&Request{Op: OpWriteControl, PID: 1235, ID: frequencyID, Value: 1e9}))

	require.NoError(t, dispatch(&Request{Op: OpOpenSession, PID: 1234}))
	require.NoError(t, dispatch(&Request{Op: OpWriteControl, PID: 1235, ID: frequencyID, Value: 1e9}))
	require.Equal(t, 1234, e.holder(t))
	require.Nil(t, e.Session(1235))

	// only write-class requests are re-targeted
	requireKind(t, api.KindNoSession, dispatch(&Request{Op: OpPushSignals, PID: 1235,
		IDs: []api.Identifier{timeID}}))

	// a process of another user in the same login session is not re-targeted
	e.procs.Add(procs.Process{PID: 1300, SID: 1234, UID: 1002, GID: 1002})
	requireKind(t, api.KindNoSession, dispatch(&Request{Op: OpRestoreControl, PID: 1300}))
	requireKind(t, api.KindNoSession, dispatch(&Request{Op: OpWriteControl, PID: 1300, ID: frequencyID, Value: 2e9}))
	require.Equal(t, 1e9, e.platform.Value(frequencyID))
	require.Equal(t, 1234, e.holder(t))

	require.NoError(t, dispatch(&Request{Op: OpRestoreControl, PID: 1235}))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.NoError(t, dispatch(&Request{Op: OpCloseSession, PID: 1234}))
	require.Equal(t, 0, e.holder(t))
}

func TestRestoreControl(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	requireKind(t, api.KindInvalidArgument, e.RestoreControl(c))

	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))
	require.NoError(t, e.RestoreControl(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.True(t, exists(vault.Path(e.runRoot, 1234)), "saved controls kept until close")
	require.Equal(t, session.StateWriteActive, e.Session(1234).State)
	require.Equal(t, 1234, e.holder(t))

	require.NoError(t, e.WriteControl(c, frequencyID, 1.2e9))
	require.NoError(t, e.CloseSession(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))
}

func TestBatchWriteAfterRestore(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.PushControls(c, []api.Identifier{frequencyID}))
	_, err := e.StartBatch(c)
	require.NoError(t, err)

	client, err := batch.Dial(batch.SocketPath(e.runRoot, 1234))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteBatch([]float64{1.6e9}))
	require.NoError(t, e.RestoreControl(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))

	require.NoError(t, client.WriteBatch([]float64{1.4e9}))
	require.Equal(t, 1.4e9, e.platform.Value(frequencyID))

	require.NoError(t, e.CloseSession(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))
	e.requireStopped(t)
}

func TestRestoreFailure(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))

	e.platform.FailWrite("CPU_FREQUENCY_CONTROL", os.ErrPermission)
	err := e.CloseSession(c)
	requireKind(t, api.KindBackend, err)
	testutils.VerifyError(t, err, 1, []string{"failed to restore 1 of 1 controls"})

	// the rest of the teardown still happened
	require.Nil(t, e.Session(1234))
	require.Equal(t, 0, e.holder(t))
	require.True(t, exists(vault.Path(e.runRoot, 1234)))

	// the kept vault is restored by the next instance
	e.platform.FailWrite("CPU_FREQUENCY_CONTROL", nil)
	e.Stop()
	s := e.create(t)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))
}

func TestProfile(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u1")

	requireKind(t, api.KindNoSession, e.StartProfile(c, "p"))
	require.NoError(t, e.OpenSession(c, ""))
	requireKind(t, api.KindInvalidArgument, e.StartProfile(c, "bad\x01name"))

	require.NoError(t, e.StartProfile(c, "p1"))
	requireKind(t, api.KindInvalidArgument, e.StartProfile(c, "p2"))
	require.Equal(t, "p1", e.record(t, 1234).ProfileName)
	requireKind(t, api.KindInvalidArgument, e.StopProfile(c, "p2"))
	require.NoError(t, e.StopProfile(c, "p1"))
	requireKind(t, api.KindInvalidArgument, e.StopProfile(c, "p1"))

	require.NoError(t, e.StartProfile(c, "p2"))
	require.Equal(t, "p1", e.Session(1234).ProfileName)
	require.Equal(t, "p2", e.Session(1234).ActiveProfile)
}

func TestBatchLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "admin")

	require.NoError(t, e.OpenSession(c, ""))
	_, err := e.StartBatch(c)
	requireKind(t, api.KindInvalidArgument, err)
	requireKind(t, api.KindInvalidArgument, e.StopBatch(c))

	require.NoError(t, e.PushSignals(c, []api.Identifier{timeID}))
	require.NoError(t, e.PushControls(c, []api.Identifier{frequencyID}))
	pid, err := e.StartBatch(c)
	require.NoError(t, err)
	require.Equal(t, pid, e.record(t, 1234).BatchServer)
	_, err = e.StartBatch(c)
	requireKind(t, api.KindInvalidArgument, err)
	requireKind(t, api.KindInvalidArgument, e.PushControls(c, []api.Identifier{powerID}))

	client, err := batch.Dial(batch.SocketPath(e.runRoot, 1234))
	require.NoError(t, err)
	require.NoError(t, client.WriteBatch([]float64{1.4e9}))
	require.Equal(t, 1.4e9, e.platform.Value(frequencyID))
	require.NoError(t, client.Close())

	require.NoError(t, e.StopBatch(c))
	e.requireStopped(t)
	require.Zero(t, e.record(t, 1234).BatchServer)

	require.NoError(t, e.CloseSession(c))
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
}

func TestInfo(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u1")

	infos, err := e.GetSignalInfo(c, []string{"CPU_ENERGY", "TIME"})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, api.DomainPackage, infos[0].Domain)
	require.Equal(t, "sum", infos[0].Aggregation)

	_, err = e.GetSignalInfo(c, []string{"CPU_FREQUENCY_STATUS"})
	requireKind(t, api.KindPermissionDenied, err)
	_, err = e.GetControlInfo(c, []string{"CPU_FREQUENCY_CONTROL"})
	requireKind(t, api.KindPermissionDenied, err)

	w := e.client(t, 1235, "u3")
	cinfos, err := e.GetControlInfo(w, []string{"CPU_FREQUENCY_CONTROL"})
	require.NoError(t, err)
	require.Equal(t, api.DomainBoard, cinfos[0].Domain)
}

func TestShutdown(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.Start())
	require.NoError(t, e.access.SetGroupAccess("writers", nil, []string{"CPU_FREQUENCY_CONTROL"}))
	c := e.client(t, 1234, "u3")

	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.OpenSession(c, ""))
	require.NoError(t, e.WriteControl(c, frequencyID, 1.5e9))

	e.Stop()
	require.Equal(t, origFrequency, e.platform.Value(frequencyID))
	require.False(t, exists(session.Path(e.runRoot, 1234)))
	require.False(t, exists(vault.Path(e.runRoot, 1234)))

	// the lock handle is closed, so it can be opened again
	l, err := writelock.Open(e.fs, filepath.Join(e.runRoot, writelock.FileName), e.procs)
	require.NoError(t, err)
	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 0, holder)
	require.NoError(t, l.Close())
}

func TestOps(t *testing.T) {
	for _, op := range Ops() {
		entry := ops[op]
		require.NotEmpty(t, entry.name)
		require.NotNil(t, entry.handler, entry.name)
		parsed, ok := ParseOp(op.String())
		require.True(t, ok)
		require.Equal(t, op, parsed)
	}
	_, ok := ParseOp("Invalid")
	require.False(t, ok)
	require.Equal(t, "Invalid", Op(1000).String())

	require.True(t, OpSetGroupAccess.Privileged())
	require.True(t, OpDeleteGroupAccess.Privileged())
	require.False(t, OpGetGroupAccess.Privileged())

	e := newTestEnv(t)
	_, err := e.Dispatch(context.Background(), &Request{Op: OpInvalid, PID: 1})
	requireKind(t, api.KindInvalidArgument, err)
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.start(t)
	c := e.client(t, 1234, "u3")
	e.client(t, 1235, "u1")

	_, err := e.Dispatch(context.Background(), &Request{Op: OpOpenSession, PID: 1234})
	require.NoError(t, err)
	_, err = e.Dispatch(context.Background(), &Request{Op: OpWriteControl, PID: 1234, ID: frequencyID, Value: 1e9})
	require.NoError(t, err)
	_, err = e.Dispatch(context.Background(), &Request{Op: OpReadSignal, PID: 1235, ID: powerID})
	requireKind(t, api.KindPermissionDenied, err)
	require.NoError(t, e.RestoreControl(c))

	collector, err := e.Collector()
	require.NoError(t, err)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(collector))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.Metric {
			key := f.GetName()
			for _, l := range m.Label {
				key += "/" + l.GetValue()
			}
			switch {
			case m.Gauge != nil:
				values[key] = m.Gauge.GetValue()
			case m.Counter != nil:
				values[key] = m.Counter.GetValue()
			}
		}
	}

	require.Equal(t, 1.0, values["pmsvc_sessions/WRITE_ACTIVE"])
	require.Equal(t, 0.0, values["pmsvc_sessions/READ_ONLY"])
	require.Equal(t, 1234.0, values["pmsvc_write_lock_holder"])
	require.Equal(t, 1.0, values["pmsvc_requests_total/OpenSession/ok"])
	require.Equal(t, 1.0, values["pmsvc_requests_total/ReadSignal/permission-denied"])
	require.Equal(t, 1.0, values["pmsvc_restores_total/ok"])
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
