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

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys")
	content := "# comment\n1 SHA1 secretone\n2 sha256 secrettwo\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "sha1", keys[1].Algorithm)
	require.Equal(t, "sha256", keys[2].Algorithm)
	require.Equal(t, []byte("secrettwo"), keys[2].Secret)
}

func TestLoadKeyFileRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.WriteFile(path, []byte("1 SHA1\n"), 0o600))
	_, err := LoadKeyFile(path)
	require.Error(t, err)
}
