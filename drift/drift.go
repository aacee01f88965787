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

package drift

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// File is the on-disk drift file: one line, the last disciplined
// frequency offset in parts per million, matching the classic ntpd
// driftfile format closely enough for an operator to eyeball it.
type File struct {
	Path string
}

// New returns a File bound to path. path is not touched until Load or
// Save is called.
func New(path string) *File {
	return &File{Path: path}
}

// Load reads the stored frequency offset in PPM. A missing file is not
// an error; it just means the daemon has never saved one, and the
// caller should start the servo from zero.
func (f *File) Load() (float64, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("drift: reading %s: %w", f.Path, err)
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return 0, nil
	}
	ppm, err := strconv.ParseFloat(strings.Fields(line)[0], 64)
	if err != nil {
		return 0, fmt.Errorf("drift: parsing %s: %w", f.Path, err)
	}
	return ppm, nil
}

// Save writes ppm to the drift file atomically: write to a temp file in
// the same directory, then rename over the target, so a crash mid-write
// never leaves a half-written file for the next startup to parse.
func (f *File) Save(ppm float64) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".drift-*")
	if err != nil {
		return fmt.Errorf("drift: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := fmt.Fprintf(tmp, "%.6f\n", ppm); err != nil {
		tmp.Close()
		return fmt.Errorf("drift: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("drift: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("drift: renaming %s to %s: %w", tmpPath, f.Path, err)
	}
	return nil
}

// PeriodicSaver saves the current frequency offset on a fixed interval
// so an unclean shutdown loses at most one interval's worth of learning.
// source is typically (*localclock.Discipline).FrequencyPPM.
type PeriodicSaver struct {
	File     *File
	Interval time.Duration
	Source   func() float64
}

// Save performs one save, logging but not returning write failures —
// a drift file save is best-effort and must never take the clock
// discipline loop down with it.
func (p *PeriodicSaver) Save() {
	if err := p.File.Save(p.Source()); err != nil {
		log.Warningf("drift: periodic save failed: %v", err)
	}
}
