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

// Package batch implements the batch server, an auxiliary process which
// reads signals and writes controls in bulk on behalf of a single client
// session, and the client side of its protocol.
package batch

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/intel/pmsvc/pkg/api"
)

const (
	// SocketPrefix is the name prefix of batch server sockets.
	SocketPrefix = "batch-"
	// SocketSuffix is the name suffix of batch server sockets.
	SocketSuffix = ".sock"
	// Command is the argument that runs the daemon as a batch server.
	Command = "batch-server"
)

// Operations of batch requests.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// Config is the configuration a batch server is started with.
type Config struct {
	ClientPID int              `cbor:"client_pid"`
	ClientUID int              `cbor:"client_uid"`
	Socket    string           `cbor:"socket"`
	Signals   []api.Identifier `cbor:"signals"`
	Controls  []api.Identifier `cbor:"controls"`
}

// Ready is the message a batch server sends once it accepts connections.
type Ready struct {
	PID    int    `cbor:"pid"`
	Socket string `cbor:"socket"`
}

// Request is a client request to a batch server.
type Request struct {
	Op     string    `cbor:"op"`
	Values []float64 `cbor:"values,omitempty"`
}

// Response is the reply of a batch server to a request.
type Response struct {
	Values []float64 `cbor:"values,omitempty"`
	Kind   string    `cbor:"kind,omitempty"`
	Error  string    `cbor:"error,omitempty"`
}

// SocketPath returns the socket path of the batch server of pid under root.
func SocketPath(root string, pid int) string {
	return filepath.Join(root, SocketPrefix+strconv.Itoa(pid)+SocketSuffix)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// errorResponse converts an error to a response.
func errorResponse(err error) *Response {
	return &Response{Kind: string(api.KindOf(err)), Error: err.Error()}
}

// responseError converts an error response back to an error.
func responseError(rsp *Response) error {
	if rsp.Kind == "" && rsp.Error == "" {
		return nil
	}
	kind, ok := api.ParseKind(rsp.Kind)
	if !ok {
		kind = api.KindInternal
	}
	return &api.Error{Kind: kind, Context: strings.TrimPrefix(rsp.Error, rsp.Kind+": ")}
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}
