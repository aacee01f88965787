/*
Copyright (c) The ntpd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package control

import (
	"fmt"
	"io"
)

// Client talks to a running daemon's control Server. It only tracks the
// sequence number across calls; all other state lives on the wire.
type Client struct {
	Conn     io.ReadWriter
	sequence uint16
}

// NewClient wraps conn (typically a unix socket dial) in a Client.
func NewClient(conn io.ReadWriter) *Client {
	return &Client{Conn: conn}
}

// ReadSources requests the per-source report. assocID of zero asks for
// every source.
func (c *Client) ReadSources(assocID uint16) (*Msg, error) {
	return c.roundTrip(OpReadSources, assocID)
}

// ReadTracking requests the combined tracking report.
func (c *Client) ReadTracking() (*Msg, error) {
	return c.roundTrip(OpReadTracking, 0)
}

// ActivityReport requests the source-count-by-status summary.
func (c *Client) ActivityReport() (*Msg, error) {
	return c.roundTrip(OpActivityReport, 0)
}

// Online brings assocID back into the polling rotation.
func (c *Client) Online(assocID uint16) error {
	_, err := c.roundTrip(OpOnline, assocID)
	return err
}

// Offline takes assocID out of the polling rotation.
func (c *Client) Offline(assocID uint16) error {
	_, err := c.roundTrip(OpOffline, assocID)
	return err
}

// Burst triggers a short run of extra closely-spaced polls against
// assocID.
func (c *Client) Burst(assocID uint16) error {
	_, err := c.roundTrip(OpBurst, assocID)
	return err
}

// Unconfigure removes assocID entirely.
func (c *Client) Unconfigure(assocID uint16) error {
	_, err := c.roundTrip(OpUnconfigure, assocID)
	return err
}

// Reselect forces an immediate selection pass.
func (c *Client) Reselect() error {
	_, err := c.roundTrip(OpReselect, 0)
	return err
}

// MakeStep forces the next clock correction to apply as a step.
func (c *Client) MakeStep() error {
	_, err := c.roundTrip(OpMakeStep, 0)
	return err
}

// AccessAdd inserts an allow/deny rule for cidr.
func (c *Client) AccessAdd(cidr string, allow bool) error {
	action := "deny"
	if allow {
		action = "allow"
	}
	data := EncodeKV(map[string]string{"cidr": cidr, "action": action})
	_, err := c.roundTripWithData(OpAccessAdd, 0, data)
	return err
}

// AccessDelete removes a previously inserted access rule for cidr.
func (c *Client) AccessDelete(cidr string) error {
	data := EncodeKV(map[string]string{"cidr": cidr})
	_, err := c.roundTripWithData(OpAccessDelete, 0, data)
	return err
}

func (c *Client) roundTrip(op Operation, assocID uint16) (*Msg, error) {
	return c.roundTripWithData(op, assocID, nil)
}

func (c *Client) roundTripWithData(op Operation, assocID uint16, data []byte) (*Msg, error) {
	seq := c.sequence
	c.sequence++
	if err := writeFragmented(c.Conn, op, seq, assocID, false, false, data); err != nil {
		return nil, fmt.Errorf("control: sending request: %w", err)
	}
	msg, err := readFragmented(c.Conn)
	if err != nil {
		return nil, fmt.Errorf("control: reading response: %w", err)
	}
	if msg.HasError() {
		return nil, fmt.Errorf("control: server error: %s", string(msg.Data))
	}
	return msg, nil
}
