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
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

// Key is a symmetric authentication key, matching the "keyid algorithm
// secret" lines of a conventional NTP key file. Autokey/PKI-based
// authentication is out of scope.
type Key struct {
	ID        uint32
	Algorithm string // "sha1" or "sha256"
	Secret    []byte
}

func (k *Key) newHash() (hash.Hash, error) {
	switch k.Algorithm {
	case "", "sha1":
		return hmac.New(sha1.New, k.Secret), nil
	case "sha256":
		return hmac.New(sha256.New, k.Secret), nil
	default:
		return nil, fmt.Errorf("engine: unsupported MAC algorithm %q", k.Algorithm)
	}
}

// Sign appends a key-id + digest MAC to packetBytes (which must be
// exactly the 48-byte base packet) and returns the combined wire form.
func (k *Key) Sign(packetBytes []byte) ([]byte, error) {
	h, err := k.newHash()
	if err != nil {
		return nil, err
	}
	h.Write(packetBytes)
	digest := h.Sum(nil)

	out := make([]byte, len(packetBytes)+4+len(digest))
	copy(out, packetBytes)
	binary.BigEndian.PutUint32(out[len(packetBytes):], k.ID)
	copy(out[len(packetBytes)+4:], digest)
	return out, nil
}

// Verify checks that wireBytes carries a valid MAC for this key over its
// leading 48-byte base packet.
func (k *Key) Verify(wireBytes []byte) bool {
	const base = 48
	if len(wireBytes) < base+4 {
		return false
	}
	keyID := binary.BigEndian.Uint32(wireBytes[base : base+4])
	if keyID != k.ID {
		return false
	}
	h, err := k.newHash()
	if err != nil {
		return false
	}
	h.Write(wireBytes[:base])
	expected := h.Sum(nil)
	got := wireBytes[base+4:]
	if len(got) != len(expected) {
		return false
	}
	return hmac.Equal(expected, got)
}
