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
	"strconv"

	log "github.com/sirupsen/logrus"
)

// SourceReport is one source's row in the OpReadSources response, in
// the plain kv shape EncodeKV renders.
type SourceReport struct {
	AssociationID uint16
	Fields        map[string]string
}

// Reporter is what the daemon implements to answer control requests.
// It is defined here, rather than imported, so this package has no
// dependency on the daemon's wiring package.
type Reporter interface {
	ReadSources() []SourceReport
	ReadTracking() map[string]string
	ActivityReport() map[string]string

	Online(assocID uint16) error
	Offline(assocID uint16) error
	Burst(assocID uint16) error
	Unconfigure(assocID uint16) error
	Reselect()
	MakeStep() error

	AccessAdd(cidr string, allow bool) error
	AccessDelete(cidr string) error
}

// Server answers control protocol requests over a listener, typically a
// unix socket bound to an operator-only directory.
type Server struct {
	Listener net.Listener
	Reporter Reporter
}

// NewServer builds a Server over listener, ready for Serve.
func NewServer(listener net.Listener, reporter Reporter) *Server {
	return &Server{Listener: listener, Reporter: reporter}
}

// Serve accepts connections until the listener is closed, handling each
// one synchronously before moving to the next — the report aggregation
// this protocol exposes is cheap enough that a connection-at-a-time
// model needs no worker pool.
func (s *Server) Serve() error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	msg, err := readFragmented(conn)
	if err != nil {
		log.Debugf("control: reading request: %v", err)
		return
	}
	data, err := s.dispatch(msg)
	if err != nil {
		if werr := writeFragmented(conn, msg.Operation(), msg.Sequence, msg.AssociationID, true, true,
			[]byte(err.Error())); werr != nil {
			log.Debugf("control: writing error response: %v", werr)
		}
		return
	}
	if err := writeFragmented(conn, msg.Operation(), msg.Sequence, msg.AssociationID, true, false, data); err != nil {
		log.Debugf("control: writing response: %v", err)
	}
}

func (s *Server) dispatch(msg Msg) ([]byte, error) {
	switch msg.Operation() {
	case OpReadSources:
		return s.encodeSources(msg.AssociationID), nil
	case OpReadTracking:
		return EncodeKV(s.Reporter.ReadTracking()), nil
	case OpActivityReport:
		return EncodeKV(s.Reporter.ActivityReport()), nil
	case OpOnline:
		return nil, s.Reporter.Online(msg.AssociationID)
	case OpOffline:
		return nil, s.Reporter.Offline(msg.AssociationID)
	case OpBurst:
		return nil, s.Reporter.Burst(msg.AssociationID)
	case OpUnconfigure:
		return nil, s.Reporter.Unconfigure(msg.AssociationID)
	case OpReselect:
		s.Reporter.Reselect()
		return nil, nil
	case OpMakeStep:
		return nil, s.Reporter.MakeStep()
	case OpAccessAdd:
		fields, err := DecodeKV(msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.Reporter.AccessAdd(fields["cidr"], fields["action"] != "deny")
	case OpAccessDelete:
		fields, err := DecodeKV(msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.Reporter.AccessDelete(fields["cidr"])
	default:
		return nil, fmt.Errorf("unsupported operation %d", msg.Operation())
	}
}

func (s *Server) encodeSources(assocID uint16) []byte {
	var out []byte
	for _, src := range s.Reporter.ReadSources() {
		if assocID != 0 && src.AssociationID != assocID {
			continue
		}
		fields := make(map[string]string, len(src.Fields)+1)
		for k, v := range src.Fields {
			fields[k] = v
		}
		fields["assoc_id"] = strconv.Itoa(int(src.AssociationID))
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, EncodeKV(fields)...)
	}
	return out
}
