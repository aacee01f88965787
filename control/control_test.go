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
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	sources    []SourceReport
	tracking   map[string]string
	activity   map[string]string
	online     []uint16
	offline    []uint16
	burst      []uint16
	unconfig   []uint16
	reselected int
	stepped    int
	accessAdds []string
	accessDels []string
	failWith   error
}

func (f fakeReporter) ReadSources() []SourceReport       { return f.sources }
func (f fakeReporter) ReadTracking() map[string]string   { return f.tracking }
func (f fakeReporter) ActivityReport() map[string]string { return f.activity }

func (f *fakeReporter) Online(assocID uint16) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.online = append(f.online, assocID)
	return nil
}

func (f *fakeReporter) Offline(assocID uint16) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.offline = append(f.offline, assocID)
	return nil
}

func (f *fakeReporter) Burst(assocID uint16) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.burst = append(f.burst, assocID)
	return nil
}

func (f *fakeReporter) Unconfigure(assocID uint16) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.unconfig = append(f.unconfig, assocID)
	return nil
}

func (f *fakeReporter) Reselect() { f.reselected++ }

func (f *fakeReporter) MakeStep() error {
	if f.failWith != nil {
		return f.failWith
	}
	f.stepped++
	return nil
}

func (f *fakeReporter) AccessAdd(cidr string, allow bool) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.accessAdds = append(f.accessAdds, cidr)
	return nil
}

func (f *fakeReporter) AccessDelete(cidr string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.accessDels = append(f.accessDels, cidr)
	return nil
}

func TestEncodeDecodeKVRoundTrips(t *testing.T) {
	in := map[string]string{"offset": "0.000123", "stratum": "2"}
	out, err := DecodeKV(EncodeKV(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestReadTrackingRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{tracking: map[string]string{"offset": "0.0005", "stratum": "2"}}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	msg, err := client.ReadTracking()
	require.NoError(t, err)
	fields, err := DecodeKV(msg.Data)
	require.NoError(t, err)
	require.Equal(t, "0.0005", fields["offset"])
	require.Equal(t, "2", fields["stratum"])
}

func TestReadSourcesFiltersByAssociationID(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{sources: []SourceReport{
		{AssociationID: 1, Fields: map[string]string{"addr": "192.0.2.1"}},
		{AssociationID: 2, Fields: map[string]string{"addr": "192.0.2.2"}},
	}}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	msg, err := client.ReadSources(2)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(msg.Data), "192.0.2.2"))
	require.False(t, strings.Contains(string(msg.Data), "192.0.2.1"))
}

func TestFragmentedMessageLargerThanOneFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	sources := make([]SourceReport, 20)
	for i := range sources {
		sources[i] = SourceReport{AssociationID: uint16(i + 1), Fields: map[string]string{
			"addr": "192.0.2.1", "offset": "0.000001", "note": strings.Repeat("x", 40),
		}}
	}
	reporter := &fakeReporter{sources: sources}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	msg, err := client.ReadSources(0)
	require.NoError(t, err)
	require.Equal(t, 20, strings.Count(string(msg.Data), "assoc_id"))
	require.Greater(t, len(msg.Data), MaxDataPerMsg)
}

func TestOfflineOnlineRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	require.NoError(t, client.Offline(7))
	require.Equal(t, []uint16{7}, reporter.offline)

	clientConn2, serverConn2 := net.Pipe()
	defer clientConn2.Close()
	go func() { srv.handle(serverConn2) }()
	client2 := NewClient(clientConn2)
	require.NoError(t, client2.Online(7))
	require.Equal(t, []uint16{7}, reporter.online)
}

func TestReselectAndMakeStepRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	require.NoError(t, client.Reselect())
	require.Equal(t, 1, reporter.reselected)

	clientConn2, serverConn2 := net.Pipe()
	defer clientConn2.Close()
	go func() { srv.handle(serverConn2) }()
	client2 := NewClient(clientConn2)
	require.NoError(t, client2.MakeStep())
	require.Equal(t, 1, reporter.stepped)
}

func TestAccessAddDeleteRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	require.NoError(t, client.AccessAdd("192.0.2.0/24", false))
	require.Equal(t, []string{"192.0.2.0/24"}, reporter.accessAdds)

	clientConn2, serverConn2 := net.Pipe()
	defer clientConn2.Close()
	go func() { srv.handle(serverConn2) }()
	client2 := NewClient(clientConn2)
	require.NoError(t, client2.AccessDelete("192.0.2.0/24"))
	require.Equal(t, []string{"192.0.2.0/24"}, reporter.accessDels)
}

func TestUnknownAssociationIDReturnsError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reporter := &fakeReporter{failWith: fmt.Errorf("no such source")}
	srv := &Server{Reporter: reporter}
	go func() { srv.handle(serverConn) }()

	client := NewClient(clientConn)
	err := client.Online(99)
	require.Error(t, err)
}
