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
	"encoding/binary"
	"unsafe"
)

// hostOrder is the byte order of the machine this code runs on. NTP wire
// fields are always big endian; this is only needed where a fixed-point
// value is combined with host-endian data outside the wire codec.
var hostOrder binary.ByteOrder = binary.LittleEndian

var isBigEndianHost bool

func init() {
	var i uint16 = 0x0100
	ptr := unsafe.Pointer(&i)
	if *(*byte)(ptr) == 0x01 {
		isBigEndianHost = true
		hostOrder = binary.BigEndian
	}
}
