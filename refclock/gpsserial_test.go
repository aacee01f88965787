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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseGPZDAValidSentence(t *testing.T) {
	got, ok := parseGPZDA("$GPZDA,143042.00,15,06,2024,00,00*6E")
	require.True(t, ok)
	want := time.Date(2024, time.June, 15, 14, 30, 42, 0, time.UTC)
	require.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestParseGPZDARejectsOtherSentences(t *testing.T) {
	_, ok := parseGPZDA("$GPGGA,143042.00,...")
	require.False(t, ok)
}

func TestParseGPZDARejectsMalformedSentence(t *testing.T) {
	_, ok := parseGPZDA("$GPZDA,bad,15,06,2024,00,00")
	require.False(t, ok)
}

func TestParseGPZDAAcceptsGNTalkerID(t *testing.T) {
	_, ok := parseGPZDA("$GNZDA,000000.00,01,01,2024,00,00*4B")
	require.True(t, ok)
}
