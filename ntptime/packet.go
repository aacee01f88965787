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

package ntptime

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketSizeBytes is the length of a base NTP packet with no extension
// fields or MAC.
const PacketSizeBytes = 48

// Leap indicator values.
const (
	LeapNone         = 0
	LeapInsert       = 1
	LeapDelete       = 2
	LeapNotInSync    = 3
	versionMin uint8 = 1
	versionMax uint8 = 4
)

// Association modes.
const (
	ModeReserved = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

// KissCode reference identifiers used by stratum-0 server replies.
const (
	KissRATE = "RATE"
	KissDENY = "DENY"
	KissRSTR = "RSTR"
)

// Packet is the 48-byte NTP packet header, laid out exactly as it
// appears on the wire (RFC 5905 Figure 8).
type Packet struct {
	Settings       uint8 // LI (2 bits) | VN (3 bits) | Mode (3 bits)
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	RefTimeSec     uint32
	RefTimeFrac    uint32
	OrigTimeSec    uint32
	OrigTimeFrac   uint32
	RxTimeSec      uint32
	RxTimeFrac     uint32
	TxTimeSec      uint32
	TxTimeFrac     uint32
}

// LeapIndicator extracts LI from Settings.
func (p *Packet) LeapIndicator() uint8 { return p.Settings >> 6 }

// Version extracts VN from Settings.
func (p *Packet) Version() uint8 { return (p.Settings >> 3) & 0x7 }

// Mode extracts the mode field from Settings.
func (p *Packet) Mode() uint8 { return p.Settings & 0x7 }

// SetSettings packs LI/VN/Mode into Settings.
func (p *Packet) SetSettings(li, version, mode uint8) {
	p.Settings = li<<6 | (version&0x7)<<3 | (mode & 0x7)
}

// ValidSettingsFormat reports whether the LI/VN/Mode byte describes a
// packet this implementation can process.
func (p *Packet) ValidSettingsFormat() bool {
	v := p.Version()
	return v >= versionMin && v <= versionMax
}

// RefTime returns the reference timestamp as an ntptime.Timestamp.
func (p *Packet) RefTime() Timestamp {
	return Timestamp(uint64(p.RefTimeSec)<<32 | uint64(p.RefTimeFrac))
}

// OrigTime returns the originate timestamp.
func (p *Packet) OrigTime() Timestamp {
	return Timestamp(uint64(p.OrigTimeSec)<<32 | uint64(p.OrigTimeFrac))
}

// RxTime returns the receive timestamp.
func (p *Packet) RxTime() Timestamp {
	return Timestamp(uint64(p.RxTimeSec)<<32 | uint64(p.RxTimeFrac))
}

// TxTime returns the transmit timestamp.
func (p *Packet) TxTime() Timestamp {
	return Timestamp(uint64(p.TxTimeSec)<<32 | uint64(p.TxTimeFrac))
}

// SetRefTime sets the reference timestamp fields.
func (p *Packet) SetRefTime(t Timestamp) { p.RefTimeSec, p.RefTimeFrac = t.Seconds(), t.Fraction() }

// SetOrigTime sets the originate timestamp fields.
func (p *Packet) SetOrigTime(t Timestamp) { p.OrigTimeSec, p.OrigTimeFrac = t.Seconds(), t.Fraction() }

// SetRxTime sets the receive timestamp fields.
func (p *Packet) SetRxTime(t Timestamp) { p.RxTimeSec, p.RxTimeFrac = t.Seconds(), t.Fraction() }

// SetTxTime sets the transmit timestamp fields.
func (p *Packet) SetTxTime(t Timestamp) { p.TxTimeSec, p.TxTimeFrac = t.Seconds(), t.Fraction() }

// Bytes serializes the packet to its 48-byte wire form.
func (p *Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(PacketSizeBytes)
	if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
		return nil, fmt.Errorf("encoding ntp packet: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToPacket decodes the first PacketSizeBytes of data into a Packet.
func BytesToPacket(data []byte) (*Packet, error) {
	if len(data) < PacketSizeBytes {
		return nil, fmt.Errorf("ntp packet too short: got %d bytes, want at least %d", len(data), PacketSizeBytes)
	}
	p := &Packet{}
	if err := binary.Read(bytes.NewReader(data[:PacketSizeBytes]), binary.BigEndian, p); err != nil {
		return nil, fmt.Errorf("decoding ntp packet: %w", err)
	}
	return p, nil
}

// ReferenceIDString renders a stratum-1 four-character reference
// identifier (e.g. "GPS\x00") as a printable string.
func ReferenceIDString(id uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return string(bytes.TrimRight(b, "\x00"))
}

// ReferenceIDFromString packs up to 4 ASCII characters into a reference
// identifier in the layout stratum-1 servers use.
func ReferenceIDFromString(s string) uint32 {
	b := make([]byte, 4)
	copy(b, s)
	return binary.BigEndian.Uint32(b)
}
