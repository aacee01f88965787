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

package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func writeFrame(w io.Writer, h Head, data []byte) error {
	h.Count = uint16(len(data))
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return fmt.Errorf("control: encoding head: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("control: encoding data: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r io.Reader) (Head, []byte, error) {
	raw := make([]byte, HeadSizeBytes+MaxDataPerMsg)
	n, err := r.Read(raw)
	if err != nil {
		return Head{}, nil, err
	}
	if n < HeadSizeBytes {
		return Head{}, nil, fmt.Errorf("control: short frame (%d bytes)", n)
	}
	var h Head
	if err := binary.Read(bytes.NewReader(raw[:HeadSizeBytes]), binary.BigEndian, &h); err != nil {
		return Head{}, nil, fmt.Errorf("control: decoding head: %w", err)
	}
	end := HeadSizeBytes + int(h.Count)
	if end > n {
		return Head{}, nil, fmt.Errorf("control: frame claims %d bytes of data, got %d", h.Count, n-HeadSizeBytes)
	}
	data := make([]byte, h.Count)
	copy(data, raw[HeadSizeBytes:end])
	return h, data, nil
}

// writeFragmented splits data across one or more frames of at most
// MaxDataPerMsg bytes, setting the More flag on every frame but the
// last.
func writeFragmented(w io.Writer, op Operation, sequence, assocID uint16, response, isError bool, data []byte) error {
	if len(data) == 0 {
		return writeFrame(w, newHead(op, sequence, assocID, response, false, isError), nil)
	}
	for offset := 0; offset < len(data); offset += MaxDataPerMsg {
		end := offset + MaxDataPerMsg
		if end > len(data) {
			end = len(data)
		}
		more := end < len(data)
		h := newHead(op, sequence, assocID, response, more, isError)
		h.Offset = uint16(offset)
		if err := writeFrame(w, h, data[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// readFragmented reads frames until one without the More flag arrives,
// concatenating their Data sections in order.
func readFragmented(r io.Reader) (*Msg, error) {
	var data []byte
	var last Head
	for {
		h, chunk, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		last = h
		if !h.HasMore() {
			break
		}
	}
	return &Msg{Head: last, Data: data}, nil
}
