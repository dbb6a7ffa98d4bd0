// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import "fmt"

// Stored payloads carry a one byte header.
const (
	headerRaw  byte = 0
	headerZstd byte = 1
)

func (s *Store) encode(value []byte) []byte {
	if s.threshold > 0 && len(value) > s.threshold {
		out := make([]byte, 1, len(value)/2+1)
		out[0] = headerZstd

		return s.encoder.EncodeAll(value, out)
	}

	out := make([]byte, len(value)+1)
	out[0] = headerRaw
	copy(out[1:], value)

	return out
}

func (s *Store) decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("stored payload is missing its header")
	}

	switch data[0] {
	case headerRaw:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])

		return out, nil
	case headerZstd:
		out, err := s.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload header %d", data[0])
	}
}
