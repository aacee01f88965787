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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadKeyFile reads the conventional "keyid algorithm secret" key file
// format (one entry per line, '#' starts a comment), returning keys
// indexed by ID.
func LoadKeyFile(path string) (map[uint32]*Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: opening key file %s: %w", path, err)
	}
	defer f.Close()

	keys := make(map[uint32]*Key)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("engine: key file %s line %d: want 3 fields, got %d", path, lineNo, len(fields))
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("engine: key file %s line %d: bad key id %q: %w", path, lineNo, fields[0], err)
		}
		keys[uint32(id)] = &Key{
			ID:        uint32(id),
			Algorithm: strings.ToLower(fields[1]),
			Secret:    []byte(fields[2]),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("engine: reading key file %s: %w", path, err)
	}
	return keys, nil
}
