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
	"time"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/session"
	"github.com/intel/pmsvc/pkg/vault"
)

// recover brings the run-state root back in sync with the running system.
// Sessions of exited clients are torn down, the rest are re-adopted.
func (s *Service) recover() error {
	sessions, err := s.sessions.Load()
	if err != nil {
		return err
	}
	holder, err := s.lock.Holder()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, sess := range sessions {
		if sess.BatchServer != 0 {
			// batch servers exit with the daemon that started them
			s.Warn("process %d: dropping batch server %d of earlier instance",
				sess.PID, sess.BatchServer)
			sess.BatchServer = 0
		}

		if !s.procs.Alive(sess.PID) {
			s.Info("process %d is gone, restoring its state", sess.PID)
			sess.RefCount = 0
			if err := s.teardown(sess); err != nil {
				s.Error("failed to recover session of process %d: %v", sess.PID, err)
			}
			continue
		}

		sess.WatchID = s.monitor.Watch(sess.PID, now)
		switch {
		case holder == sess.PID:
			v, err := vault.Open(s.fs, s.platform, s.runRoot, sess.PID)
			if err != nil {
				s.Error("process %d: failed to adopt saved controls: %v", sess.PID, err)
			} else {
				s.vaults[sess.PID] = v
			}
			sess.State = session.StateWriteActive
		case sess.IsWriter():
			s.Warn("process %d: write lock lost, session demoted to read-only", sess.PID)
			sess.Controls = nil
			sess.State = session.StateReadOnly
		default:
			sess.State = session.StateReadOnly
		}

		if err := s.sessions.Update(sess); err != nil {
			s.Error("process %d: %v", sess.PID, err)
		}
		s.Info("re-adopted session of process %d (%s)", sess.PID, sess.State)
	}

	if holder, err = s.lock.Holder(); err != nil {
		return err
	}
	if holder != 0 && s.sessions.Get(holder) == nil {
		s.Warn("write lock held by process %d without a session, releasing it", holder)
		s.reclaim(holder)
	}

	orphans, err := s.fs.List(s.runRoot, vault.FilePrefix, vault.FileSuffix)
	if err != nil {
		return err
	}
	for _, name := range orphans {
		pid := vault.PidOf(name)
		if pid <= 0 || s.sessions.Get(pid) != nil {
			continue
		}
		s.Warn("restoring orphaned saved controls %s", name)
		s.stats.restore(vault.Restore(s.fs, s.platform, vault.Path(s.runRoot, pid)))
	}

	return nil
}

// reclaim takes the write lock back from a holder which is gone. Its saved
// controls are restored even if that fails for some of them.
func (s *Service) reclaim(holder int) {
	if sess := s.sessions.Get(holder); sess != nil {
		sess.RefCount = 0
		if err := s.teardown(sess); err != nil {
			s.Error("failed to tear down stale writer %d: %v", holder, err)
		}
		return
	}

	err := vault.Restore(s.fs, s.platform, vault.Path(s.runRoot, holder))
	s.stats.restore(err)
	if err != nil {
		s.Error("failed to restore controls of stale writer %d: %v", holder, err)
	}
	if err := s.lock.Unlock(holder); err != nil {
		s.Error("failed to release write lock of %d: %v", holder, err)
	}
}

// acquireWrite makes sure sess has write authority and that the current
// settings of controls are saved before any of them is written.
func (s *Service) acquireWrite(sess *session.Session, controls []api.Identifier) error {
	if sess.State == session.StateWriteActive {
		v, ok := s.vaults[sess.PID]
		if !ok {
			var err error
			if v, err = vault.Open(s.fs, s.platform, s.runRoot, sess.PID); err != nil {
				return err
			}
			s.vaults[sess.PID] = v
		}
		return v.Save(controls)
	}

	holder, err := s.lock.Holder()
	if err != nil {
		return err
	}
	if holder != 0 && holder != sess.PID && !s.procs.Alive(holder) {
		s.Info("write lock holder %d is gone, reclaiming", holder)
		s.reclaim(holder)
	}

	sess.State = session.StateWritePending
	holder, err = s.lock.TryLock(sess.PID)
	if err != nil {
		sess.State = session.StateReadOnly
		return err
	}
	if holder != sess.PID {
		sess.State = session.StateReadOnly
		s.stats.denied()
		return api.WriteDenied("write lock held by process %d", holder)
	}

	v, err := vault.Open(s.fs, s.platform, s.runRoot, sess.PID)
	if err == nil {
		err = v.Save(controls)
	}
	if err != nil {
		sess.State = session.StateReadOnly
		if uerr := s.lock.Unlock(sess.PID); uerr != nil {
			s.Error("%v", uerr)
		}
		return err
	}

	s.vaults[sess.PID] = v
	sess.State = session.StateWriteActive
	s.Info("process %d is now the write session", sess.PID)
	return nil
}
