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

package ntpio

import (
	"fmt"
	"net"
	"net/netip"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Packet is one received datagram along with its kernel and destination
// metadata.
type Packet struct {
	Data   []byte
	From   netip.AddrPort
	To     netip.Addr // local address the packet arrived on, if recovered
	RxTime time.Time  // kernel RX timestamp if available, else time.Now() at read
}

// Socket wraps a UDP listening socket with kernel timestamping enabled
// and rate-limited error logging, matching the pattern the teacher's NTP
// responder uses for its listener sockets.
type Socket struct {
	conn      *net.UDPConn
	fd        int
	isV4      bool
	sendLimit *rate.Limiter
	recvLimit *rate.Limiter
}

// Listen opens a UDP socket on addr, enables kernel RX timestamping and
// (IPv4 or IPv6) packet-info control messages so the destination address of
// an inbound datagram can be recovered on a multi-homed host.
func Listen(addr netip.AddrPort) (*Socket, error) {
	udpAddr := net.UDPAddrFromAddrPort(addr)
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ntpio: listen %s: %w", addr, err)
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}

	var fd int
	var sockErr error
	err = rawConn.Control(func(descriptor uintptr) {
		fd = int(descriptor)
		sockErr = enableTimestamping(fd, addr.Addr().Is4())
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	return &Socket{
		conn:      conn,
		fd:        fd,
		isV4:      addr.Addr().Is4(),
		sendLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		recvLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// enableTimestamping turns on SO_TIMESTAMPNS (software RX timestamps)
// and, for IPv4 sockets, IP_PKTINFO so the destination address of an
// inbound datagram can be recovered from ancillary data.
func enableTimestamping(fd int, isV4 bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		return fmt.Errorf("ntpio: SO_TIMESTAMPNS: %w", err)
	}
	if isV4 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return fmt.Errorf("ntpio: IP_PKTINFO: %w", err)
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return fmt.Errorf("ntpio: IPV6_RECVPKTINFO: %w", err)
		}
	}
	return nil
}

// FD returns the underlying socket file descriptor, for registration
// with the scheduler.
func (s *Socket) FD() int { return s.fd }

// Family reports whether this socket is bound to an IPv4 local address,
// so a dual-stack daemon can route an outbound request through the
// socket matching the destination's address family.
func (s *Socket) Family() bool {
	addr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return false
	}
	return addr.IP.To4() != nil
}

// Close closes the socket.
func (s *Socket) Close() error { return s.conn.Close() }

// Recv reads one datagram plus its kernel timestamp and, when available,
// its destination address. It never blocks longer than is needed for
// exactly one readable datagram, since it is only ever invoked from the
// scheduler after a poll readiness notification.
func (s *Socket) Recv() (Packet, error) {
	buf := make([]byte, 2048)
	oob := make([]byte, 256)

	n, oobn, _, from, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		if s.recvLimit.Allow() {
			log.Warningf("ntpio: recvmsg on fd %d: %v", s.fd, err)
		}
		return Packet{}, err
	}

	pkt := Packet{Data: buf[:n], RxTime: time.Now()}
	if fromAddr, ok := sockaddrToAddrPort(from); ok {
		pkt.From = fromAddr
	}
	if rx, ok := rxTimestampFromOOB(oob[:oobn]); ok {
		pkt.RxTime = rx
	}
	if to, ok := destinationFromOOB(oob[:oobn], s.isV4); ok {
		pkt.To = to
	}
	return pkt, nil
}

// SendTo writes data to addr, rate-limiting the "no route"/failure log
// line so a transient routing blip doesn't flood the log.
func (s *Socket) SendTo(data []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(data, addr)
	if err != nil && s.sendLimit.Allow() {
		log.Warningf("ntpio: send to %s failed: %v", addr, err)
	}
	return err
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

// rxTimestampFromOOB extracts a SO_TIMESTAMPNS control message, the
// software RX timestamp the kernel attaches to each datagram.
func rxTimestampFromOOB(oob []byte) (time.Time, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, false
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPNS {
			if len(m.Data) < int(unsafe.Sizeof(unix.Timespec{})) {
				continue
			}
			ts := (*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
			return time.Unix(int64(ts.Sec), int64(ts.Nsec)), true
		}
	}
	return time.Time{}, false
}

// destinationFromOOB extracts the local destination address from the
// IP_PKTINFO/IPV6_PKTINFO control message, letting a multi-homed server
// pick the right source address for its reply without a second routing
// lookup. Parsing is delegated to x/net/ipv4 and x/net/ipv6's control
// message decoders rather than hand-rolled offsets into the ancillary
// data, since the layout differs between the two families.
func destinationFromOOB(oob []byte, isV4 bool) (netip.Addr, bool) {
	if isV4 {
		var cm ipv4.ControlMessage
		if err := cm.Parse(oob); err != nil || cm.Dst == nil {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(cm.Dst.To4())
		return addr, ok
	}
	var cm ipv6.ControlMessage
	if err := cm.Parse(oob); err != nil || cm.Dst == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(cm.Dst.To16())
	return addr, ok
}
