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

// Package client is the D-Bus client of the session service. Errors of the
// service are returned as api.Errors of the same kind.
package client

import (
	"github.com/godbus/dbus/v5"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/bus"
)

// BusObject is the part of dbus.BusObject the client uses.
type BusObject interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Client talks to the service over D-Bus.
type Client struct {
	conn *dbus.Conn
	obj  BusObject
}

// Connect connects to the service on the named bus, see bus.Connect.
func Connect(busName string) (*Client, error) {
	conn, err := bus.Connect(busName)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to connect to bus")
	}
	return &Client{
		conn: conn,
		obj:  conn.Object(bus.Name, bus.Path),
	}, nil
}

// New creates a client calling methods of obj.
func New(obj BusObject) *Client {
	return &Client{obj: obj}
}

// Close closes the bus connection of the client, if it owns one.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(method string, args ...interface{}) *dbus.Call {
	return c.obj.Call(bus.Interface+"."+method, 0, args...)
}

func (c *Client) do(method string, args ...interface{}) error {
	return bus.FromError(c.call(method, args...).Err)
}

func (c *Client) store(method string, args []interface{}, rets ...interface{}) error {
	call := c.call(method, args...)
	if call.Err != nil {
		return bus.FromError(call.Err)
	}
	if err := call.Store(rets...); err != nil {
		return api.WrapError(api.KindInternal, err, "invalid reply to %s", method)
	}
	return nil
}

// OpenSession opens or attaches to the session of the calling process.
func (c *Client) OpenSession(profile string) error {
	return c.do("OpenSession", profile)
}

// CloseSession detaches from the session of the calling process.
func (c *Client) CloseSession() error {
	return c.do("CloseSession")
}

// ReadSignal reads a signal.
func (c *Client) ReadSignal(id api.Identifier) (float64, error) {
	var value float64
	err := c.store("ReadSignal", []interface{}{id.Name, int32(id.Domain), int32(id.Index)}, &value)
	return value, err
}

// WriteControl writes a control.
func (c *Client) WriteControl(id api.Identifier, value float64) error {
	return c.do("WriteControl", id.Name, int32(id.Domain), int32(id.Index), value)
}

// PushSignals adds signals to the batch of the session.
func (c *Client) PushSignals(ids []api.Identifier) error {
	return c.do("PushSignals", bus.ToIdentifiers(ids))
}

// PushControls adds controls to the batch of the session.
func (c *Client) PushControls(ids []api.Identifier) error {
	return c.do("PushControls", bus.ToIdentifiers(ids))
}

// StartBatch starts a batch server and returns its pid.
func (c *Client) StartBatch() (int, error) {
	var pid int32
	err := c.store("StartBatch", nil, &pid)
	return int(pid), err
}

// StopBatch stops the batch server of the session.
func (c *Client) StopBatch() error {
	return c.do("StopBatch")
}

// RestoreControl restores the saved controls of the write session.
func (c *Client) RestoreControl() error {
	return c.do("RestoreControl")
}

// StartProfile starts the named profile.
func (c *Client) StartProfile(name string) error {
	return c.do("StartProfile", name)
}

// StopProfile stops the named profile.
func (c *Client) StopProfile(name string) error {
	return c.do("StopProfile", name)
}

// GetGroupAccess returns the allow-lists of a group, the default ones if empty.
func (c *Client) GetGroupAccess(group string) ([]string, []string, error) {
	var signals, controls []string
	err := c.store("GetGroupAccess", []interface{}{group}, &signals, &controls)
	return signals, controls, err
}

// SetGroupAccess replaces the allow-lists of a group.
func (c *Client) SetGroupAccess(group string, signals, controls []string) error {
	if signals == nil {
		signals = []string{}
	}
	if controls == nil {
		controls = []string{}
	}
	return c.do("SetGroupAccess", group, signals, controls)
}

// DeleteGroupAccess removes the allow-lists of a group.
func (c *Client) DeleteGroupAccess(group string) error {
	return c.do("DeleteGroupAccess", group)
}

// GetAllAccess returns every signal and control of the back-end.
func (c *Client) GetAllAccess() ([]string, []string, error) {
	var signals, controls []string
	err := c.store("GetAllAccess", nil, &signals, &controls)
	return signals, controls, err
}

// GetUserAccess returns the effective allow-lists of user, the caller if empty.
func (c *Client) GetUserAccess(user string) ([]string, []string, error) {
	var signals, controls []string
	err := c.store("GetUserAccess", []interface{}{user}, &signals, &controls)
	return signals, controls, err
}

// GetSignalInfo describes the named signals.
func (c *Client) GetSignalInfo(names []string) ([]api.SignalInfo, error) {
	var wire []bus.SignalInfo
	if err := c.store("GetSignalInfo", []interface{}{names}, &wire); err != nil {
		return nil, err
	}
	infos := make([]api.SignalInfo, 0, len(wire))
	for _, w := range wire {
		infos = append(infos, api.SignalInfo{
			Name:        w.Name,
			Description: w.Description,
			Domain:      api.Domain(w.Domain),
			Aggregation: w.Aggregation,
		})
	}
	return infos, nil
}

// GetControlInfo describes the named controls.
func (c *Client) GetControlInfo(names []string) ([]api.ControlInfo, error) {
	var wire []bus.ControlInfo
	if err := c.store("GetControlInfo", []interface{}{names}, &wire); err != nil {
		return nil, err
	}
	infos := make([]api.ControlInfo, 0, len(wire))
	for _, w := range wire {
		infos = append(infos, api.ControlInfo{
			Name:        w.Name,
			Description: w.Description,
			Domain:      api.Domain(w.Domain),
		})
	}
	return infos, nil
}
