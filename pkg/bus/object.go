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

package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/service"
)

// PIDFn resolves the process behind a bus sender.
type PIDFn func(sender dbus.Sender) (int, error)

// Object is the exported service object. Its exported methods ending in
// a *dbus.Error are the D-Bus methods of Interface.
type Object struct {
	d   Dispatcher
	pid PIDFn
}

// NewObject creates an object dispatching to d, resolving senders with pid.
func NewObject(d Dispatcher, pid PIDFn) *Object {
	return &Object{d: d, pid: pid}
}

// Introspection returns the introspection data of Interface.
func (o *Object) Introspection() introspect.Interface {
	return introspect.Interface{
		Name:    Interface,
		Methods: introspect.Methods(o),
	}
}

func (o *Object) call(sender dbus.Sender, req *service.Request) (*service.Reply, *dbus.Error) {
	pid, err := o.pid(sender)
	if err != nil {
		return nil, Error(err)
	}
	req.PID = pid
	rpl, err := o.d.Dispatch(context.Background(), req)
	if err != nil {
		return nil, Error(err)
	}
	return rpl, nil
}

func (o *Object) OpenSession(sender dbus.Sender, profile string) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpOpenSession, Name: profile})
	return err
}

func (o *Object) CloseSession(sender dbus.Sender) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpCloseSession})
	return err
}

func (o *Object) ReadSignal(sender dbus.Sender, name string, domain, index int32) (float64, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{
		Op: service.OpReadSignal,
		ID: api.Identifier{Name: name, Domain: api.Domain(domain), Index: int(index)},
	})
	if err != nil {
		return 0, err
	}
	return rpl.Value, nil
}

func (o *Object) WriteControl(sender dbus.Sender, name string, domain, index int32, value float64) *dbus.Error {
	_, err := o.call(sender, &service.Request{
		Op:    service.OpWriteControl,
		ID:    api.Identifier{Name: name, Domain: api.Domain(domain), Index: int(index)},
		Value: value,
	})
	return err
}

func (o *Object) PushSignals(sender dbus.Sender, ids []Identifier) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpPushSignals, IDs: FromIdentifiers(ids)})
	return err
}

func (o *Object) PushControls(sender dbus.Sender, ids []Identifier) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpPushControls, IDs: FromIdentifiers(ids)})
	return err
}

func (o *Object) StartBatch(sender dbus.Sender) (int32, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpStartBatch})
	if err != nil {
		return 0, err
	}
	return int32(rpl.PID), nil
}

func (o *Object) StopBatch(sender dbus.Sender) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpStopBatch})
	return err
}

func (o *Object) RestoreControl(sender dbus.Sender) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpRestoreControl})
	return err
}

func (o *Object) StartProfile(sender dbus.Sender, name string) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpStartProfile, Name: name})
	return err
}

func (o *Object) StopProfile(sender dbus.Sender, name string) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpStopProfile, Name: name})
	return err
}

func (o *Object) GetGroupAccess(sender dbus.Sender, group string) ([]string, []string, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpGetGroupAccess, Name: group})
	if err != nil {
		return nil, nil, err
	}
	return nonNil(rpl.Signals), nonNil(rpl.Controls), nil
}

func (o *Object) SetGroupAccess(sender dbus.Sender, group string, signals, controls []string) *dbus.Error {
	_, err := o.call(sender, &service.Request{
		Op:       service.OpSetGroupAccess,
		Name:     group,
		Signals:  signals,
		Controls: controls,
	})
	return err
}

func (o *Object) DeleteGroupAccess(sender dbus.Sender, group string) *dbus.Error {
	_, err := o.call(sender, &service.Request{Op: service.OpDeleteGroupAccess, Name: group})
	return err
}

func (o *Object) GetAllAccess(sender dbus.Sender) ([]string, []string, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpGetAllAccess})
	if err != nil {
		return nil, nil, err
	}
	return nonNil(rpl.Signals), nonNil(rpl.Controls), nil
}

func (o *Object) GetUserAccess(sender dbus.Sender, user string) ([]string, []string, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpGetUserAccess, Name: user})
	if err != nil {
		return nil, nil, err
	}
	return nonNil(rpl.Signals), nonNil(rpl.Controls), nil
}

func (o *Object) GetSignalInfo(sender dbus.Sender, names []string) ([]SignalInfo, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpGetSignalInfo, Names: names})
	if err != nil {
		return nil, err
	}
	infos := make([]SignalInfo, 0, len(rpl.SignalInfo))
	for _, i := range rpl.SignalInfo {
		infos = append(infos, SignalInfo{
			Name:        i.Name,
			Description: i.Description,
			Domain:      int32(i.Domain),
			Aggregation: i.Aggregation,
		})
	}
	return infos, nil
}

func (o *Object) GetControlInfo(sender dbus.Sender, names []string) ([]ControlInfo, *dbus.Error) {
	rpl, err := o.call(sender, &service.Request{Op: service.OpGetControlInfo, Names: names})
	if err != nil {
		return nil, err
	}
	infos := make([]ControlInfo, 0, len(rpl.ControlInfo))
	for _, i := range rpl.ControlInfo {
		infos = append(infos, ControlInfo{
			Name:        i.Name,
			Description: i.Description,
			Domain:      int32(i.Domain),
		})
	}
	return infos, nil
}

// nonNil returns names, or an empty slice if it is nil. D-Bus has no nil arrays.
func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
