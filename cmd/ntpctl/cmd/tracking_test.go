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

package cmd

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreclock/ntpd/reference"
)

func TestLeapName(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{strconv.Itoa(int(reference.LeapNormal)), "normal"},
		{strconv.Itoa(int(reference.LeapPendingInsert)), "pending insert"},
		{strconv.Itoa(int(reference.LeapPendingDelete)), "pending delete"},
		{strconv.Itoa(int(reference.LeapInProgress)), "in progress"},
		{"", "normal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, leapName(tt.code))
	}
}
