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

package model

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision, independent of any
// time zone. It is the unit used for document versions and write times.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// Now returns the current wall clock time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromTime converts a time.Time into a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// ParseTimestamp parses an RFC 3339 timestamp with optional fractional seconds.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	return TimestampFromTime(t), nil
}

// Time converts the Timestamp to a UTC time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Compare returns -1, 0 or 1 when t is before, equal to or after other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	default:
		return 0
	}
}

// Micros returns the timestamp as microseconds since the epoch.
func (t Timestamp) Micros() int64 {
	return t.Seconds*1_000_000 + int64(t.Nanos)/1_000
}

// String renders the timestamp in RFC 3339 format.
func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// SnapshotVersion is the server timestamp through which a document or a
// target is known to be up to date.
type SnapshotVersion struct {
	Timestamp Timestamp `json:"timestamp"`
}

// MinVersion is the version that sorts before every server assigned version.
var MinVersion = SnapshotVersion{}

// NewSnapshotVersion wraps a timestamp as a SnapshotVersion.
func NewSnapshotVersion(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{Timestamp: ts}
}

// VersionFromMicros builds a SnapshotVersion from microseconds since the epoch.
func VersionFromMicros(micros int64) SnapshotVersion {
	return SnapshotVersion{Timestamp: Timestamp{
		Seconds: micros / 1_000_000,
		Nanos:   int32((micros % 1_000_000) * 1_000),
	}}
}

// Compare orders two versions.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}

// Equal reports whether two versions are identical.
func (v SnapshotVersion) Equal(other SnapshotVersion) bool {
	return v.Compare(other) == 0
}

// IsMin reports whether v is the minimum version.
func (v SnapshotVersion) IsMin() bool {
	return v.Equal(MinVersion)
}

// Micros returns the version as microseconds since the epoch.
func (v SnapshotVersion) Micros() int64 {
	return v.Timestamp.Micros()
}

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.Timestamp.Seconds, v.Timestamp.Nanos)
}
