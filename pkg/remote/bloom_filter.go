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

package remote

import (
	"crypto/md5" //nolint:gosec // the existence filter protocol defines MD5
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidBloomFilter is returned for filters whose fields contradict each
// other. Such filters are treated as absent.
var ErrInvalidBloomFilter = errors.New("invalid bloom filter")

// BloomFilter tests membership of document resource names in the set the
// server still holds for a target.
type BloomFilter struct {
	bitmap    []byte
	hashCount int
	bitCount  uint64
}

func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("%w: padding %d", ErrInvalidBloomFilter, padding)
	}

	if hashCount < 0 {
		return nil, fmt.Errorf("%w: hash count %d", ErrInvalidBloomFilter, hashCount)
	}

	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("%w: hash count 0 with a non-empty bitmap", ErrInvalidBloomFilter)
	}

	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("%w: padding %d with an empty bitmap", ErrInvalidBloomFilter, padding)
	}

	return &BloomFilter{
		bitmap:    bitmap,
		hashCount: hashCount,
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
	}, nil
}

// BloomFilterFromWire validates a filter received from the server.
func BloomFilterFromWire(w *WireBloomFilter) (*BloomFilter, error) {
	return NewBloomFilter(w.Bits.Bitmap, w.Bits.Padding, w.HashCount)
}

func (b *BloomFilter) BitCount() uint64 { return b.bitCount }

func (b *BloomFilter) indexes(value string) []uint64 {
	sum := md5.Sum([]byte(value)) //nolint:gosec
	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16])

	out := make([]uint64, b.hashCount)
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % b.bitCount
	}

	return out
}

// MightContain reports false only if value is certainly not in the set.
func (b *BloomFilter) MightContain(value string) bool {
	if b.bitCount == 0 {
		return false
	}

	for _, idx := range b.indexes(value) {
		if b.bitmap[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}

	return true
}

// BuildBloomFilter creates the wire form of a filter holding values. It is
// used by backends and tests.
func BuildBloomFilter(values []string, bitCount uint64, hashCount int) *WireBloomFilter {
	if bitCount == 0 {
		return &WireBloomFilter{}
	}

	size := (bitCount + 7) / 8
	padding := int(size*8 - bitCount)
	b := &BloomFilter{bitmap: make([]byte, size), hashCount: hashCount, bitCount: bitCount}

	for _, v := range values {
		for _, idx := range b.indexes(v) {
			b.bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return &WireBloomFilter{Bits: WireBitSequence{Bitmap: b.bitmap, Padding: padding}, HashCount: hashCount}
}
