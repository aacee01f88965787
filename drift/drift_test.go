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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZero(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing"))
	ppm, err := f.Load()
	require.NoError(t, err)
	require.Zero(t, ppm)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "drift"))
	require.NoError(t, f.Save(12.345678))
	ppm, err := f.Load()
	require.NoError(t, err)
	require.InDelta(t, 12.345678, ppm, 1e-6)
}

func TestSaveOverwritesPreviousValue(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "drift"))
	require.NoError(t, f.Save(1))
	require.NoError(t, f.Save(-2.5))
	ppm, err := f.Load()
	require.NoError(t, err)
	require.InDelta(t, -2.5, ppm, 1e-6)
}

func TestPeriodicSaverUsesSource(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "drift"))
	p := PeriodicSaver{File: f, Source: func() float64 { return 7.5 }}
	p.Save()
	ppm, err := f.Load()
	require.NoError(t, err)
	require.InDelta(t, 7.5, ppm, 1e-6)
}
