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
	"math"
	"time"
	"unicode"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/batch"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/session"
)

// maxProfileName is the longest accepted profile name.
const maxProfileName = 256

// Caller identifies the client process of a request.
type Caller struct {
	PID  int
	UID  int
	GID  int
	User string
}

// Privileged checks if the caller runs as the owner of the service.
func (s *Service) Privileged(c Caller) bool {
	return c.UID == s.fs.UID()
}

// OpenSession opens a session for the caller, or attaches to its existing one.
func (s *Service) OpenSession(c Caller, profile string) error {
	if err := checkProfile(profile); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	if sess := s.sessions.Get(c.PID); sess != nil {
		if sess.State == session.StateClosing {
			return api.NoSession("session of process %d is closing", c.PID)
		}
		if sess.RefCount >= s.maxRefs {
			return api.NewError(api.KindDuplicateSession,
				"process %d: too many opens of the same session (%d)", c.PID, sess.RefCount)
		}
		sess.RefCount++
		if sess.ProfileName == "" {
			sess.ProfileName = profile
		}
		return s.sessions.Update(sess)
	}

	sess, err := s.sessions.Create(c.PID, c.UID, c.GID, profile)
	if err != nil {
		return err
	}
	sess.WatchID = s.monitor.Watch(c.PID, time.Now())
	if err := s.sessions.Update(sess); err != nil {
		s.monitor.Unwatch(c.PID)
		s.sessions.Remove(c.PID)
		return err
	}

	s.Info("opened session for process %d (uid %d)", c.PID, c.UID)
	return nil
}

// CloseSession detaches from the session of the caller. The last close
// tears the session down.
func (s *Service) CloseSession(c Caller) error {
	s.Lock()
	defer s.Unlock()

	sess := s.sessions.Get(c.PID)
	if sess == nil {
		if s.monitor.TornDown(c.PID) {
			return nil
		}
		return api.NoSession("process %d has no open session", c.PID)
	}
	if sess.State == session.StateClosing {
		return nil
	}

	if sess.RefCount > 1 {
		sess.RefCount--
		return s.sessions.Update(sess)
	}

	sess.RefCount = 0
	err := s.teardown(sess)
	if err == nil {
		s.Info("closed session of process %d", c.PID)
	}
	return err
}

// ReadSignal reads a signal permitted to the caller.
func (s *Service) ReadSignal(c Caller, id api.Identifier) (float64, error) {
	s.Lock()
	defer s.Unlock()

	signals, _, err := s.allowed(c)
	if err != nil {
		return 0, err
	}
	if !contains(signals, id.Name) {
		return 0, api.PermissionDenied("signal %s is not permitted", id.Name)
	}
	if err := platform.CheckSignal(s.platform, id); err != nil {
		return 0, err
	}
	return s.platform.ReadSignal(id.Name, id.Domain, id.Index)
}

// WriteControl writes a control permitted to the caller, taking write
// authority for its session first.
func (s *Service) WriteControl(c Caller, id api.Identifier, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return api.InvalidArgument("invalid setting %g for %s", value, id)
	}

	s.Lock()
	defer s.Unlock()

	sess, err := s.session(c)
	if err != nil {
		return err
	}
	_, controls, err := s.allowed(c)
	if err != nil {
		return err
	}
	if !contains(controls, id.Name) {
		return api.PermissionDenied("control %s is not permitted", id.Name)
	}
	if err := platform.CheckControl(s.platform, id); err != nil {
		return err
	}

	err = s.acquireWrite(sess, []api.Identifier{id})
	if uerr := s.sessions.Update(sess); err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}

	return s.platform.WriteControl(id.Name, id.Domain, id.Index, value)
}

// PushSignals adds signals to the batch of the caller's session.
func (s *Service) PushSignals(c Caller, ids []api.Identifier) error {
	s.Lock()
	defer s.Unlock()

	sess, err := s.batchable(c)
	if err != nil {
		return err
	}
	signals, _, err := s.allowed(c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !contains(signals, id.Name) {
			return api.PermissionDenied("signal %s is not permitted", id.Name)
		}
		if err := platform.CheckSignal(s.platform, id); err != nil {
			return err
		}
	}

	for _, id := range ids {
		if !sess.HasSignal(id) {
			sess.Signals = append(sess.Signals, id)
		}
	}
	return s.sessions.Update(sess)
}

// PushControls adds controls to the batch of the caller's session, taking
// write authority and saving the current settings of the controls.
func (s *Service) PushControls(c Caller, ids []api.Identifier) error {
	s.Lock()
	defer s.Unlock()

	sess, err := s.batchable(c)
	if err != nil {
		return err
	}
	_, controls, err := s.allowed(c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !contains(controls, id.Name) {
			return api.PermissionDenied("control %s is not permitted", id.Name)
		}
		if err := platform.CheckControl(s.platform, id); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}

	err = s.acquireWrite(sess, ids)
	if err == nil {
		for _, id := range ids {
			if !sess.HasControl(id) {
				sess.Controls = append(sess.Controls, id)
			}
		}
	}
	if uerr := s.sessions.Update(sess); err == nil {
		err = uerr
	}
	return err
}

// StartBatch starts a batch server for the pushed signals and controls of
// the caller's session and returns its pid.
func (s *Service) StartBatch(c Caller) (int, error) {
	s.Lock()
	defer s.Unlock()

	sess, err := s.batchable(c)
	if err != nil {
		return 0, err
	}
	if len(sess.Signals) == 0 && len(sess.Controls) == 0 {
		return 0, api.InvalidArgument("process %d: nothing pushed for a batch server", c.PID)
	}
	if s.launcher == nil {
		return 0, api.Internal("batch servers are not supported")
	}

	cfg := &batch.Config{
		ClientPID: sess.PID,
		ClientUID: sess.UID,
		Socket:    batch.SocketPath(s.runRoot, sess.PID),
		Signals:   append([]api.Identifier{}, sess.Signals...),
		Controls:  append([]api.Identifier{}, sess.Controls...),
	}

	// the service must stay responsive while the server gets ready
	s.starting[sess.PID] = true
	s.Unlock()
	pid, err := s.launcher.Launch(cfg)
	s.Lock()
	delete(s.starting, sess.PID)

	if err != nil {
		return 0, err
	}
	if s.sessions.Get(sess.PID) != sess || sess.State == session.StateClosing {
		s.Warn("process %d: session closed while starting batch server %d", c.PID, pid)
		if err := s.launcher.Stop(pid); err != nil {
			s.Error("%v", err)
		}
		return 0, api.NoSession("session of process %d closed", c.PID)
	}

	sess.BatchServer = pid
	if err := s.sessions.Update(sess); err != nil {
		return 0, err
	}

	s.Info("process %d: started batch server %d", c.PID, pid)
	return pid, nil
}

// StopBatch stops the batch server of the caller's session.
func (s *Service) StopBatch(c Caller) error {
	s.Lock()
	defer s.Unlock()

	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if sess.BatchServer == 0 {
		return api.InvalidArgument("process %d has no batch server", c.PID)
	}

	err = s.launcher.Stop(sess.BatchServer)
	sess.BatchServer = 0
	if uerr := s.sessions.Update(sess); err == nil {
		err = uerr
	}
	return err
}

// RestoreControl puts the saved controls of the write session back without
// closing it. Write authority and the saved settings are kept, so controls
// written afterwards, directly or by the batch server, are restored again
// when the session ends.
func (s *Service) RestoreControl(c Caller) error {
	s.Lock()
	defer s.Unlock()

	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if sess.State != session.StateWriteActive {
		return api.InvalidArgument("process %d is not the write session", c.PID)
	}

	v, ok := s.vaults[sess.PID]
	if !ok {
		return api.Internal("process %d: write session without saved controls", c.PID)
	}
	err = v.Apply()
	s.stats.restore(err)
	return err
}

// StartProfile marks the caller's session as running the named profile.
func (s *Service) StartProfile(c Caller, name string) error {
	if err := checkProfile(name); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if sess.ActiveProfile != "" {
		return api.InvalidArgument("process %d: profile %q already started", c.PID, sess.ActiveProfile)
	}
	if sess.ProfileName == "" {
		sess.ProfileName = name
	}
	sess.ActiveProfile = name
	return s.sessions.Update(sess)
}

// StopProfile ends the named profile of the caller's session.
func (s *Service) StopProfile(c Caller, name string) error {
	s.Lock()
	defer s.Unlock()

	sess, err := s.session(c)
	if err != nil {
		return err
	}
	if sess.ActiveProfile == "" || sess.ActiveProfile != name {
		return api.InvalidArgument("process %d: profile %q not started", c.PID, name)
	}
	sess.ActiveProfile = ""
	return s.sessions.Update(sess)
}

// GetGroupAccess returns the allow-lists of a group.
func (s *Service) GetGroupAccess(group string) ([]string, []string, error) {
	s.Lock()
	defer s.Unlock()
	return s.access.GetGroupAccess(group)
}

// SetGroupAccess replaces the allow-lists of a group.
func (s *Service) SetGroupAccess(group string, signals, controls []string) error {
	s.Lock()
	defer s.Unlock()
	return s.access.SetGroupAccess(group, signals, controls)
}

// DeleteGroupAccess removes the allow-lists of a group.
func (s *Service) DeleteGroupAccess(group string) error {
	s.Lock()
	defer s.Unlock()
	return s.access.DeleteGroupAccess(group)
}

// GetAllAccess returns every signal and control of the back-end.
func (s *Service) GetAllAccess() ([]string, []string) {
	s.Lock()
	defer s.Unlock()
	return s.access.GetAllAccess()
}

// GetUserAccess returns the effective allow-lists of user, the caller if
// empty. Only the owner of the service may query other users.
func (s *Service) GetUserAccess(c Caller, user string) ([]string, []string, error) {
	s.Lock()
	defer s.Unlock()

	if user == "" || user == c.User {
		return s.allowed(c)
	}
	if !s.Privileged(c) {
		return nil, nil, api.PermissionDenied("access of user %q is not visible to uid %d", user, c.UID)
	}
	return s.access.GetUserAccess(user)
}

// GetSignalInfo describes the named signals.
func (s *Service) GetSignalInfo(c Caller, names []string) ([]api.SignalInfo, error) {
	s.Lock()
	defer s.Unlock()

	signals, _, err := s.allowed(c)
	if err != nil {
		return nil, err
	}

	infos := make([]api.SignalInfo, 0, len(names))
	for _, name := range names {
		if !contains(signals, name) {
			return nil, api.PermissionDenied("signal %s is not permitted", name)
		}
		info, err := s.platform.SignalInfo(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetControlInfo describes the named controls.
func (s *Service) GetControlInfo(c Caller, names []string) ([]api.ControlInfo, error) {
	s.Lock()
	defer s.Unlock()

	_, controls, err := s.allowed(c)
	if err != nil {
		return nil, err
	}

	infos := make([]api.ControlInfo, 0, len(names))
	for _, name := range names {
		if !contains(controls, name) {
			return nil, api.PermissionDenied("control %s is not permitted", name)
		}
		info, err := s.platform.ControlInfo(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Session returns a copy of the session of pid, or nil.
func (s *Service) Session(pid int) *session.Session {
	s.Lock()
	defer s.Unlock()

	sess := s.sessions.Get(pid)
	if sess == nil {
		return nil
	}
	cp := *sess
	cp.Signals = append([]api.Identifier{}, sess.Signals...)
	cp.Controls = append([]api.Identifier{}, sess.Controls...)
	return &cp
}

// session returns the open session of the caller.
func (s *Service) session(c Caller) (*session.Session, error) {
	sess := s.sessions.Get(c.PID)
	if sess == nil || sess.State == session.StateClosing {
		return nil, api.NoSession("process %d has no open session", c.PID)
	}
	return sess, nil
}

// batchable returns the open session of the caller if its batch can
// still be changed.
func (s *Service) batchable(c Caller) (*session.Session, error) {
	sess, err := s.session(c)
	if err != nil {
		return nil, err
	}
	if sess.BatchServer != 0 || s.starting[sess.PID] {
		return nil, api.InvalidArgument("process %d: batch server already running", c.PID)
	}
	return sess, nil
}

// allowed returns the allow-lists of the caller. The lists are read once
// per request.
func (s *Service) allowed(c Caller) ([]string, []string, error) {
	if c.User == "" {
		return s.access.GetGroupAccess("")
	}
	return s.access.GetUserAccess(c.User)
}

func checkProfile(name string) error {
	if len(name) > maxProfileName {
		return api.InvalidArgument("profile name longer than %d bytes", maxProfileName)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return api.InvalidArgument("profile name %q is not printable", name)
		}
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
