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
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedValue is returned by ValueOf for Go values that have no
// document representation.
var ErrUnsupportedValue = errors.New("unsupported value type")

// ValueKind is the storage variant of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
)

// TypeOrder is the cross-type sort order of values.
type TypeOrder int

const (
	NullOrder TypeOrder = iota
	BooleanOrder
	NumberOrder
	TimestampOrder
	ServerTimestampOrder
	StringOrder
	BytesOrder
	ReferenceOrder
	GeoPointOrder
	ArrayOrder
	MapOrder
)

// Field names used to encode a pending server timestamp as a map value.
const (
	serverTimestampTypeKey     = "__type__"
	serverTimestampTypeValue   = "server_timestamp"
	serverTimestampLocalTime   = "__local_write_time__"
	serverTimestampPreviousKey = "__previous_value__"
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is an immutable document field value. The zero Value is null.
// Arrays and maps held by a Value are never mutated after construction.
type Value struct {
	kind    ValueKind
	boolean bool
	integer int64
	double  float64
	str     string
	bytes   []byte
	ts      Timestamp
	geo     GeoPoint
	array   []Value
	fields  map[string]Value
}

func NullValue() Value { return Value{} }

func BooleanValue(b bool) Value { return Value{kind: KindBoolean, boolean: b} }

func IntegerValue(i int64) Value { return Value{kind: KindInteger, integer: i} }

func DoubleValue(d float64) Value { return Value{kind: KindDouble, double: d} }

func TimestampValue(ts Timestamp) Value { return Value{kind: KindTimestamp, ts: ts} }

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func BytesValue(b []byte) Value {
	out := make([]byte, len(b))
	copy(out, b)

	return Value{kind: KindBytes, bytes: out}
}

func ReferenceValue(key DocumentKey) Value { return Value{kind: KindReference, str: key.String()} }

func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

// ArrayValue builds an array value. The slice is copied.
func ArrayValue(values ...Value) Value {
	out := make([]Value, len(values))
	copy(out, values)

	return Value{kind: KindArray, array: out}
}

// MapValue builds a map value. The map is copied.
func MapValue(fields map[string]Value) Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return Value{kind: KindMap, fields: out}
}

// ServerTimestampValue is the local placeholder for a server timestamp
// transform that the server has not resolved yet.
func ServerTimestampValue(localWriteTime Timestamp, previous *Value) Value {
	fields := map[string]Value{
		serverTimestampTypeKey:   StringValue(serverTimestampTypeValue),
		serverTimestampLocalTime: TimestampValue(localWriteTime),
	}

	if previous != nil {
		prev := *previous
		// Only the value before the first pending server timestamp is kept.
		if prev.IsServerTimestamp() {
			if p, ok := prev.ServerTimestampPreviousValue(); ok {
				fields[serverTimestampPreviousKey] = p
			}
		} else {
			fields[serverTimestampPreviousKey] = prev
		}
	}

	return Value{kind: KindMap, fields: fields}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }

func (v Value) IsInteger() bool { return v.kind == KindInteger }

func (v Value) IsDouble() bool { return v.kind == KindDouble }

func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.double) }

func (v Value) IsArray() bool { return v.kind == KindArray }

func (v Value) IsMap() bool { return v.kind == KindMap && !v.IsServerTimestamp() }

func (v Value) IsReference() bool { return v.kind == KindReference }

// IsServerTimestamp reports whether v is a pending server timestamp.
func (v Value) IsServerTimestamp() bool {
	if v.kind != KindMap {
		return false
	}

	t, ok := v.fields[serverTimestampTypeKey]

	return ok && t.kind == KindString && t.str == serverTimestampTypeValue
}

// ServerTimestampLocalWriteTime returns the local write time of a pending
// server timestamp.
func (v Value) ServerTimestampLocalWriteTime() Timestamp {
	return v.fields[serverTimestampLocalTime].ts
}

// ServerTimestampPreviousValue returns the field value that the pending server
// timestamp replaced, if any.
func (v Value) ServerTimestampPreviousValue() (Value, bool) {
	p, ok := v.fields[serverTimestampPreviousKey]

	return p, ok
}

func (v Value) AsBool() bool { return v.boolean }

func (v Value) AsInteger() int64 { return v.integer }

// AsDouble returns the numeric value as float64 for both number kinds.
func (v Value) AsDouble() float64 {
	if v.kind == KindInteger {
		return float64(v.integer)
	}

	return v.double
}

func (v Value) AsTimestamp() Timestamp { return v.ts }

func (v Value) AsString() string { return v.str }

func (v Value) AsBytes() []byte { return v.bytes }

func (v Value) AsGeoPoint() GeoPoint { return v.geo }

// AsReference returns the referenced document key.
func (v Value) AsReference() DocumentKey { return DocumentKey{path: v.str} }

// ArrayValues returns the elements of an array value. Callers must not modify
// the returned slice.
func (v Value) ArrayValues() []Value { return v.array }

// MapFields returns the fields of a map value. Callers must not modify the
// returned map.
func (v Value) MapFields() map[string]Value { return v.fields }

// TypeOrder returns the cross-type sort bucket of v.
func (v Value) TypeOrder() TypeOrder {
	switch v.kind {
	case KindNull:
		return NullOrder
	case KindBoolean:
		return BooleanOrder
	case KindInteger, KindDouble:
		return NumberOrder
	case KindTimestamp:
		return TimestampOrder
	case KindString:
		return StringOrder
	case KindBytes:
		return BytesOrder
	case KindReference:
		return ReferenceOrder
	case KindGeoPoint:
		return GeoPointOrder
	case KindArray:
		return ArrayOrder
	case KindMap:
		if v.IsServerTimestamp() {
			return ServerTimestampOrder
		}

		return MapOrder
	default:
		panic(fmt.Sprintf("unknown value kind %d", v.kind))
	}
}

// Equal reports value equality. Integers never equal doubles, NaN equals NaN
// and 0.0 does not equal -0.0.
func (v Value) Equal(other Value) bool {
	if v.TypeOrder() != other.TypeOrder() {
		return false
	}

	switch v.TypeOrder() {
	case NullOrder:
		return true
	case BooleanOrder:
		return v.boolean == other.boolean
	case NumberOrder:
		return numberEquals(v, other)
	case TimestampOrder:
		return v.ts.Compare(other.ts) == 0
	case ServerTimestampOrder:
		return v.ServerTimestampLocalWriteTime().Compare(other.ServerTimestampLocalWriteTime()) == 0
	case StringOrder, ReferenceOrder:
		return v.str == other.str
	case BytesOrder:
		return bytes.Equal(v.bytes, other.bytes)
	case GeoPointOrder:
		return v.geo == other.geo
	case ArrayOrder:
		if len(v.array) != len(other.array) {
			return false
		}

		for i := range v.array {
			if !v.array[i].Equal(other.array[i]) {
				return false
			}
		}

		return true
	case MapOrder:
		if len(v.fields) != len(other.fields) {
			return false
		}

		for k, fv := range v.fields {
			ov, ok := other.fields[k]
			if !ok || !fv.Equal(ov) {
				return false
			}
		}

		return true
	}

	return false
}

func numberEquals(a, b Value) bool {
	switch {
	case a.kind == KindInteger && b.kind == KindInteger:
		return a.integer == b.integer
	case a.kind == KindDouble && b.kind == KindDouble:
		if math.IsNaN(a.double) && math.IsNaN(b.double) {
			return true
		}

		return a.double == b.double && math.Signbit(a.double) == math.Signbit(b.double)
	default:
		return false
	}
}

// Compare orders two values, first by type order and then within the type.
func (v Value) Compare(other Value) int {
	lo, ro := v.TypeOrder(), other.TypeOrder()
	if lo != ro {
		return compareInts(int64(lo), int64(ro))
	}

	switch lo {
	case NullOrder:
		return 0
	case BooleanOrder:
		return compareBools(v.boolean, other.boolean)
	case NumberOrder:
		return compareNumbers(v, other)
	case TimestampOrder:
		return v.ts.Compare(other.ts)
	case ServerTimestampOrder:
		return v.ServerTimestampLocalWriteTime().Compare(other.ServerTimestampLocalWriteTime())
	case StringOrder:
		return strings.Compare(v.str, other.str)
	case BytesOrder:
		return bytes.Compare(v.bytes, other.bytes)
	case ReferenceOrder:
		return v.AsReference().Compare(other.AsReference())
	case GeoPointOrder:
		if c := compareFloats(v.geo.Latitude, other.geo.Latitude); c != 0 {
			return c
		}

		return compareFloats(v.geo.Longitude, other.geo.Longitude)
	case ArrayOrder:
		for i := 0; i < len(v.array) && i < len(other.array); i++ {
			if c := v.array[i].Compare(other.array[i]); c != 0 {
				return c
			}
		}

		return compareInts(int64(len(v.array)), int64(len(other.array)))
	case MapOrder:
		return compareMaps(v.fields, other.fields)
	}

	return 0
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// compareFloats sorts NaN before every other number.
func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)

	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return compareInts(a.integer, b.integer)
	}

	return compareFloats(a.AsDouble(), b.AsDouble())
}

func sortedFieldNames(fields map[string]Value) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

func compareMaps(a, b map[string]Value) int {
	ak, bk := sortedFieldNames(a), sortedFieldNames(b)

	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}

		if c := a[ak[i]].Compare(b[bk[i]]); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(ak)), int64(len(bk)))
}

// ArrayContains reports whether the array value v holds an element equal to
// element.
func (v Value) ArrayContains(element Value) bool {
	for _, e := range v.array {
		if e.Equal(element) {
			return true
		}
	}

	return false
}

// CanonicalID renders a stable textual form used in query canonical ids.
func (v Value) CanonicalID() string {
	var b strings.Builder
	v.writeCanonical(&b)

	return b.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBoolean:
		b.WriteString(strconv.FormatBool(v.boolean))
	case KindInteger:
		b.WriteString(strconv.FormatInt(v.integer, 10))
	case KindDouble:
		b.WriteString(strconv.FormatFloat(v.double, 'g', -1, 64))
	case KindTimestamp:
		fmt.Fprintf(b, "time(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindString:
		b.WriteString(v.str)
	case KindBytes:
		b.WriteString(base64.StdEncoding.EncodeToString(v.bytes))
	case KindReference:
		b.WriteString(v.str)
	case KindGeoPoint:
		fmt.Fprintf(b, "geo(%s,%s)",
			strconv.FormatFloat(v.geo.Latitude, 'g', -1, 64),
			strconv.FormatFloat(v.geo.Longitude, 'g', -1, 64))
	case KindArray:
		b.WriteByte('[')

		for i, e := range v.array {
			if i > 0 {
				b.WriteByte(',')
			}

			e.writeCanonical(b)
		}

		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')

		for i, k := range sortedFieldNames(v.fields) {
			if i > 0 {
				b.WriteByte(',')
			}

			b.WriteString(k)
			b.WriteByte(':')
			v.fields[k].writeCanonical(b)
		}

		b.WriteByte('}')
	}
}

func (v Value) String() string { return v.CanonicalID() }

// Interface converts v into plain Go values. Pending server timestamps
// convert to nil.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBoolean:
		return v.boolean
	case KindInteger:
		return v.integer
	case KindDouble:
		return v.double
	case KindTimestamp:
		return v.ts.Time()
	case KindString:
		return v.str
	case KindBytes:
		return v.AsBytes()
	case KindReference:
		return v.AsReference()
	case KindGeoPoint:
		return v.geo
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, e := range v.array {
			out[i] = e.Interface()
		}

		return out
	case KindMap:
		if v.IsServerTimestamp() {
			return nil
		}

		out := make(map[string]interface{}, len(v.fields))
		for k, e := range v.fields {
			out[k] = e.Interface()
		}

		return out
	}

	return nil
}

// ValueOf converts a plain Go value into a Value.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case bool:
		return BooleanValue(t), nil
	case int:
		return IntegerValue(int64(t)), nil
	case int8:
		return IntegerValue(int64(t)), nil
	case int16:
		return IntegerValue(int64(t)), nil
	case int32:
		return IntegerValue(int64(t)), nil
	case int64:
		return IntegerValue(t), nil
	case uint8:
		return IntegerValue(int64(t)), nil
	case uint16:
		return IntegerValue(int64(t)), nil
	case uint32:
		return IntegerValue(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, t)
		}

		return IntegerValue(int64(t)), nil
	case float32:
		return DoubleValue(float64(t)), nil
	case float64:
		return DoubleValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BytesValue(t), nil
	case time.Time:
		return TimestampValue(TimestampFromTime(t)), nil
	case Timestamp:
		return TimestampValue(t), nil
	case GeoPoint:
		return GeoPointValue(t.Latitude, t.Longitude), nil
	case DocumentKey:
		return ReferenceValue(t), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}

			out[i] = v
		}

		return Value{kind: KindArray, array: out}, nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}

			out[k] = v
		}

		return Value{kind: KindMap, fields: out}, nil
	}

	return valueOfReflect(x)
}

func valueOfReflect(x interface{}) (Value, error) {
	rv := reflect.ValueOf(x)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}

			out[i] = v
		}

		return Value{kind: KindArray, array: out}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map keys must be strings, got %s", ErrUnsupportedValue, rv.Type())
		}

		out := make(map[string]Value, rv.Len())
		iter := rv.MapRange()

		for iter.Next() {
			v, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}

			out[iter.Key().String()] = v
		}

		return Value{kind: KindMap, fields: out}, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return NullValue(), nil
		}

		return ValueOf(rv.Elem().Interface())
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}
