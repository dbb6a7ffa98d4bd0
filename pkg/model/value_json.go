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
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Values use the REST "typed value" JSON encoding, e.g.
// {"integerValue":"5"} or {"mapValue":{"fields":{...}}}. Integers travel as
// strings and non finite doubles as "NaN", "Infinity" and "-Infinity".

type arrayJSON struct {
	Values []Value `json:"values"`
}

type mapJSON struct {
	Fields map[string]Value `json:"fields"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var out map[string]interface{}

	switch v.kind {
	case KindNull:
		out = map[string]interface{}{"nullValue": "NULL_VALUE"}
	case KindBoolean:
		out = map[string]interface{}{"booleanValue": v.boolean}
	case KindInteger:
		out = map[string]interface{}{"integerValue": strconv.FormatInt(v.integer, 10)}
	case KindDouble:
		switch {
		case math.IsNaN(v.double):
			out = map[string]interface{}{"doubleValue": "NaN"}
		case math.IsInf(v.double, 1):
			out = map[string]interface{}{"doubleValue": "Infinity"}
		case math.IsInf(v.double, -1):
			out = map[string]interface{}{"doubleValue": "-Infinity"}
		default:
			out = map[string]interface{}{"doubleValue": v.double}
		}
	case KindTimestamp:
		out = map[string]interface{}{"timestampValue": v.ts.String()}
	case KindString:
		out = map[string]interface{}{"stringValue": v.str}
	case KindBytes:
		out = map[string]interface{}{"bytesValue": base64.StdEncoding.EncodeToString(v.bytes)}
	case KindReference:
		out = map[string]interface{}{"referenceValue": v.str}
	case KindGeoPoint:
		out = map[string]interface{}{"geoPointValue": v.geo}
	case KindArray:
		values := v.array
		if values == nil {
			values = []Value{}
		}

		out = map[string]interface{}{"arrayValue": arrayJSON{Values: values}}
	case KindMap:
		fields := v.fields
		if fields == nil {
			fields = map[string]Value{}
		}

		out = map[string]interface{}{"mapValue": mapJSON{Fields: fields}}
	default:
		return nil, fmt.Errorf("cannot encode value kind %d", v.kind)
	}

	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}

	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one type field, got %d", len(raw))
	}

	for field, body := range raw {
		decoded, err := decodeTypedValue(field, body)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", field, err)
		}

		*v = decoded
	}

	return nil
}

func decodeTypedValue(field string, body json.RawMessage) (Value, error) {
	switch field {
	case "nullValue":
		return NullValue(), nil
	case "booleanValue":
		var b bool
		if err := json.Unmarshal(body, &b); err != nil {
			return Value{}, err
		}

		return BooleanValue(b), nil
	case "integerValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			var i int64
			if err2 := json.Unmarshal(body, &i); err2 != nil {
				return Value{}, err
			}

			return IntegerValue(i), nil
		}

		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, err
		}

		return IntegerValue(i), nil
	case "doubleValue":
		var s string
		if err := json.Unmarshal(body, &s); err == nil {
			switch s {
			case "NaN":
				return DoubleValue(math.NaN()), nil
			case "Infinity":
				return DoubleValue(math.Inf(1)), nil
			case "-Infinity":
				return DoubleValue(math.Inf(-1)), nil
			}

			d, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Value{}, err
			}

			return DoubleValue(d), nil
		}

		var d float64
		if err := json.Unmarshal(body, &d); err != nil {
			return Value{}, err
		}

		return DoubleValue(d), nil
	case "timestampValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Value{}, err
		}

		ts, err := ParseTimestamp(s)
		if err != nil {
			return Value{}, err
		}

		return TimestampValue(ts), nil
	case "stringValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Value{}, err
		}

		return StringValue(s), nil
	case "bytesValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Value{}, err
		}

		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, err
		}

		return Value{kind: KindBytes, bytes: b}, nil
	case "referenceValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return Value{}, err
		}

		key, err := ParseDocumentKey(s)
		if err != nil {
			return Value{}, err
		}

		return ReferenceValue(key), nil
	case "geoPointValue":
		var g GeoPoint
		if err := json.Unmarshal(body, &g); err != nil {
			return Value{}, err
		}

		return GeoPointValue(g.Latitude, g.Longitude), nil
	case "arrayValue":
		var a arrayJSON
		if err := json.Unmarshal(body, &a); err != nil {
			return Value{}, err
		}

		if a.Values == nil {
			a.Values = []Value{}
		}

		return Value{kind: KindArray, array: a.Values}, nil
	case "mapValue":
		var m mapJSON
		if err := json.Unmarshal(body, &m); err != nil {
			return Value{}, err
		}

		if m.Fields == nil {
			m.Fields = map[string]Value{}
		}

		return Value{kind: KindMap, fields: m.Fields}, nil
	default:
		return Value{}, fmt.Errorf("unknown value type %q", field)
	}
}
