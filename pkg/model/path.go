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
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned when a path string cannot be parsed.
var ErrInvalidPath = errors.New("invalid path")

// compareSegments orders two path segments. Segments of the form __id<n>__
// compare by n and sort before every other segment.
func compareSegments(a, b string) int {
	aNum, aIsNum := numericSegment(a)
	bNum, bIsNum := numericSegment(b)

	switch {
	case aIsNum && bIsNum:
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		default:
			return 0
		}
	case aIsNum:
		return -1
	case bIsNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func numericSegment(s string) (int64, bool) {
	if len(s) <= len("__id__") || !strings.HasPrefix(s, "__id") || !strings.HasSuffix(s, "__") {
		return 0, false
	}

	n, err := strconv.ParseInt(s[4:len(s)-2], 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

func compareSegmentLists(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareSegments(a[i], b[i]); c != 0 {
			return c
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// ResourcePath is a slash separated path to a collection or a document.
type ResourcePath struct {
	segments []string
}

// EmptyPath is the root path.
var EmptyPath = ResourcePath{}

// NewResourcePath builds a path from individual segments.
func NewResourcePath(segments ...string) ResourcePath {
	out := make([]string, len(segments))
	copy(out, segments)

	return ResourcePath{segments: out}
}

// ParseResourcePath parses a slash separated path. Empty segments are
// rejected.
func ParseResourcePath(path string) (ResourcePath, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return EmptyPath, nil
	}

	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return ResourcePath{}, fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPath, path)
		}
	}

	return ResourcePath{segments: segments}, nil
}

// MustParseResourcePath parses path and panics on error. Intended for tests and
// literals.
func MustParseResourcePath(path string) ResourcePath {
	p, err := ParseResourcePath(path)
	if err != nil {
		panic(err)
	}

	return p
}

func (p ResourcePath) Len() int { return len(p.segments) }

func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }

func (p ResourcePath) Segment(i int) string { return p.segments[i] }

func (p ResourcePath) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)

	return out
}

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}

	return p.segments[len(p.segments)-1]
}

// Child returns a new path with the given segments appended.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segments))
	out = append(out, p.segments...)
	out = append(out, segments...)

	return ResourcePath{segments: out}
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}

	return ResourcePath{segments: p.segments[:len(p.segments)-1]}
}

// IsPrefixOf reports whether p is a prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}

	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}

	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p.segments) == len(other.segments) && p.IsPrefixOf(other)
}

func (p ResourcePath) Compare(other ResourcePath) int {
	return compareSegmentLists(p.segments, other.segments)
}

// CanonicalString returns the slash joined representation.
func (p ResourcePath) CanonicalString() string {
	return strings.Join(p.segments, "/")
}

func (p ResourcePath) String() string { return p.CanonicalString() }

// FieldPath addresses a (possibly nested) field inside a document.
type FieldPath struct {
	segments []string
}

const keyFieldName = "__name__"

// KeyFieldPath is the special path that refers to the document key.
var KeyFieldPath = FieldPath{segments: []string{keyFieldName}}

var simpleFieldName = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// NewFieldPath builds a field path from raw segments.
func NewFieldPath(segments ...string) FieldPath {
	out := make([]string, len(segments))
	copy(out, segments)

	return FieldPath{segments: out}
}

// ParseFieldPath parses a dot separated field path. Backtick quoting is
// supported for segments containing dots or other special characters.
func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return FieldPath{}, fmt.Errorf("%w: empty field path", ErrInvalidPath)
	}

	var (
		segments []string
		current  strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(path); i++ {
		c := path[i]

		switch {
		case c == '\\' && inQuotes:
			if i+1 >= len(path) {
				return FieldPath{}, fmt.Errorf("%w: trailing escape in %q", ErrInvalidPath, path)
			}

			i++
			current.WriteByte(path[i])
		case c == '`':
			inQuotes = !inQuotes
		case c == '.' && !inQuotes:
			if current.Len() == 0 {
				return FieldPath{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
			}

			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	if inQuotes {
		return FieldPath{}, fmt.Errorf("%w: unterminated backtick in %q", ErrInvalidPath, path)
	}

	if current.Len() == 0 {
		return FieldPath{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
	}

	segments = append(segments, current.String())

	return FieldPath{segments: segments}, nil
}

// MustParseFieldPath parses path and panics on error.
func MustParseFieldPath(path string) FieldPath {
	p, err := ParseFieldPath(path)
	if err != nil {
		panic(err)
	}

	return p
}

func (p FieldPath) Len() int { return len(p.segments) }

func (p FieldPath) IsEmpty() bool { return len(p.segments) == 0 }

func (p FieldPath) Segment(i int) string { return p.segments[i] }

func (p FieldPath) FirstSegment() string {
	if len(p.segments) == 0 {
		return ""
	}

	return p.segments[0]
}

func (p FieldPath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}

	return p.segments[len(p.segments)-1]
}

// IsKeyField reports whether p refers to the document key.
func (p FieldPath) IsKeyField() bool {
	return len(p.segments) == 1 && p.segments[0] == keyFieldName
}

func (p FieldPath) Child(segment string) FieldPath {
	out := make([]string, 0, len(p.segments)+1)
	out = append(out, p.segments...)
	out = append(out, segment)

	return FieldPath{segments: out}
}

// PopFirst drops the first segment.
func (p FieldPath) PopFirst() FieldPath {
	if len(p.segments) == 0 {
		return p
	}

	return FieldPath{segments: p.segments[1:]}
}

// PopLast drops the last segment.
func (p FieldPath) PopLast() FieldPath {
	if len(p.segments) == 0 {
		return p
	}

	return FieldPath{segments: p.segments[:len(p.segments)-1]}
}

func (p FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}

	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}

	return true
}

func (p FieldPath) Equal(other FieldPath) bool {
	return len(p.segments) == len(other.segments) && p.IsPrefixOf(other)
}

func (p FieldPath) Compare(other FieldPath) int {
	return compareSegmentLists(p.segments, other.segments)
}

// CanonicalString renders the path with dots, quoting segments that are not
// plain identifiers.
func (p FieldPath) CanonicalString() string {
	parts := make([]string, len(p.segments))

	for i, s := range p.segments {
		if simpleFieldName.MatchString(s) {
			parts[i] = s

			continue
		}

		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "`", "\\`")
		parts[i] = "`" + escaped + "`"
	}

	return strings.Join(parts, ".")
}

func (p FieldPath) String() string { return p.CanonicalString() }
