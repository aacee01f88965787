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

package refclock

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// GPSSerial is a Driver reading NMEA 0183 $GPZDA (time and date)
// sentences off a serial GPS receiver, the common low-cost stratum-0
// reference for a small ntpd deployment.
type GPSSerial struct {
	device     string
	port       serial.Port
	reader     *bufio.Reader
	dispersion float64
}

// OpenGPSSerial opens device at baud and returns a ready-to-poll driver.
// dispersion is the driver's stated accuracy in seconds, since NMEA's
// one-second time resolution makes the receiver itself the dominant
// error term.
func OpenGPSSerial(device string, baud int, dispersion float64) (*GPSSerial, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("refclock: opening %s: %w", device, err)
	}
	return &GPSSerial{
		device:     device,
		port:       port,
		reader:     bufio.NewReader(port),
		dispersion: dispersion,
	}, nil
}

// Stratum reports GPS as a stratum-0 primary reference.
func (g *GPSSerial) Stratum() uint8 { return 0 }

// Close releases the serial port.
func (g *GPSSerial) Close() error { return g.port.Close() }

// Poll blocks reading lines until a parseable $GPZDA sentence arrives,
// timestamping it against the local clock the moment the line completes.
func (g *GPSSerial) Poll() (Sample, error) {
	for {
		line, err := g.reader.ReadString('\n')
		if err != nil {
			return Sample{}, fmt.Errorf("refclock: reading %s: %w", g.device, err)
		}
		localNow := time.Now()
		line = strings.TrimSpace(line)
		gpsTime, ok := parseGPZDA(line)
		if !ok {
			continue
		}
		return Sample{
			Offset:     gpsTime.Sub(localNow).Seconds(),
			Dispersion: g.dispersion,
			At:         localNow,
		}, nil
	}
}

// parseGPZDA extracts the UTC instant from a $GPZDA sentence of the
// form "$GPZDA,hhmmss.ss,dd,mm,yyyy,xx,yy*CS". The checksum is not
// verified; a malformed sentence simply fails to parse and is skipped.
func parseGPZDA(line string) (time.Time, bool) {
	if !strings.HasPrefix(line, "$GPZDA") && !strings.HasPrefix(line, "$GNZDA") {
		return time.Time{}, false
	}
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return time.Time{}, false
	}
	hms := fields[1]
	day, err1 := strconv.Atoi(fields[2])
	month, err2 := strconv.Atoi(fields[3])
	year, err3 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || err3 != nil || len(hms) < 6 {
		return time.Time{}, false
	}
	hour, errH := strconv.Atoi(hms[0:2])
	minute, errM := strconv.Atoi(hms[2:4])
	secFloat, errS := strconv.ParseFloat(hms[4:], 64)
	if errH != nil || errM != nil || errS != nil {
		return time.Time{}, false
	}
	sec := int(secFloat)
	nsec := int((secFloat - float64(sec)) * 1e9)
	return time.Date(year, time.Month(month), day, hour, minute, sec, nsec, time.UTC), true
}
