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
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/intel/pmsvc/pkg/api"
)

// Client is a connection to a batch server.
type Client struct {
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to the batch server listening on socket.
func Dial(socket string) (*Client, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, api.WrapError(api.KindInvalidArgument, err, "failed to connect to batch server")
	}
	return &Client{
		conn: conn,
		enc:  newEncoder(conn),
		dec:  newDecoder(conn),
	}, nil
}

// ReadBatch reads all signals of the batch, in the order they were pushed.
func (c *Client) ReadBatch() ([]float64, error) {
	rsp, err := c.call(&Request{Op: OpRead})
	if err != nil {
		return nil, err
	}
	return rsp.Values, nil
}

// WriteBatch writes all controls of the batch, in the order they were pushed.
func (c *Client) WriteBatch(values []float64) error {
	_, err := c.call(&Request{Op: OpWrite, Values: values})
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req *Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to send batch request")
	}
	rsp := &Response{}
	if err := c.dec.Decode(rsp); err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to receive batch response")
	}
	if err := responseError(rsp); err != nil {
		return nil, err
	}
	return rsp, nil
}
