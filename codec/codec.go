/*
Package codec implements the bidirectional mapping between typed domain
values (datom.Value) and the storage layer's (raw, type-tag) pair (spec.md
§4.1).

PURPOSE:
  Every value that crosses into or out of a datoms row goes through Encode
  or Decode. Coerce is the transactor's entry point: it takes whatever the
  caller handed a :db/add term (a Go int, string, time.Time, uuid.UUID, a
  datom.Value already, ...) and turns it into the Value the attribute's
  declared value-type demands, or fails with datom.ErrTypeDisagreement.

NUMERIC SEMANTICS:
  Instants are microseconds since the Unix epoch (negative values are valid,
  pre-1970 instants). Long and double share type-tag 5 (spec.md §6); the
  disambiguation lives in which concrete Go type Encode hands the driver —
  int64 for long, float64 for double — matching how SQLite's manifest
  typing records the storage class of the cell, which mattn/go-sqlite3
  then returns verbatim from Scan.

STRING INTERNING:
  Encode does not itself intern strings; the storage kernel interns by
  storing each distinct string once in the fulltext pool (for fulltext
  attributes) or relying on the underlying engine's page-level dedup for
  plain strings. Encode's contract is only that equal Values encode to
  equal raw representations, which is what makes interning possible
  upstream.

SEE ALSO:
  - datom: the Value type this package encodes/decodes.
  - transactor: the only caller of Coerce.
  - store/sqlite: the only caller of Encode/Decode (every other path uses
    datom.Value directly).
*/
package codec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomdb/loom/datom"
)

// Encode produces the (raw, tag) pair an engine row should store for v.
// raw is always one of: int64, float64, string, or []byte — types
// database/sql drivers accept directly as bind parameters.
func Encode(v datom.Value) (raw any, tag datom.TypeTag, err error) {
	switch v.Type() {
	case datom.TypeRef:
		return int64(v.Ref()), datom.TagRef, nil
	case datom.TypeBoolean:
		if v.Bool() {
			return int64(1), datom.TagBoolean, nil
		}
		return int64(0), datom.TagBoolean, nil
	case datom.TypeInstant:
		return v.Instant().UnixMicro(), datom.TagInstant, nil
	case datom.TypeLong:
		return v.Long(), datom.TagNumber, nil
	case datom.TypeDouble:
		return v.Double(), datom.TagNumber, nil
	case datom.TypeString:
		return v.Str(), datom.TagString, nil
	case datom.TypeUUID:
		id := v.UUID()
		b := make([]byte, 16)
		copy(b, id[:])
		return b, datom.TagUUID, nil
	case datom.TypeKeyword:
		return v.Keyword().String(), datom.TagKeyword, nil
	default:
		return nil, 0, fmt.Errorf("%w: unencodable value type %v", datom.ErrBadValuePair, v.Type())
	}
}

// Decode reconstructs a Value from the (raw, tag) pair an engine row
// returned. Fails with datom.ErrBadValuePair (wrapped in
// *datom.BadValuePairError) for any combination Encode could never have
// produced.
func Decode(raw any, tag datom.TypeTag) (datom.Value, error) {
	switch tag {
	case datom.TagRef:
		i, ok := asInt64(raw)
		if !ok {
			return datom.Value{}, badPair(tag, "ref requires integer storage")
		}
		return datom.RefValue(datom.Eid(i)), nil

	case datom.TagBoolean:
		i, ok := asInt64(raw)
		if !ok {
			return datom.Value{}, badPair(tag, "boolean requires integer storage")
		}
		return datom.BoolValue(i != 0), nil

	case datom.TagInstant:
		i, ok := asInt64(raw)
		if !ok {
			return datom.Value{}, badPair(tag, "instant requires integer storage")
		}
		return datom.InstantValue(time.UnixMicro(i)), nil

	case datom.TagNumber:
		if i, ok := asInt64(raw); ok {
			return datom.LongValue(i), nil
		}
		if f, ok := raw.(float64); ok {
			return datom.DoubleValue(f), nil
		}
		return datom.Value{}, badPair(tag, "number requires integer or real storage")

	case datom.TagString:
		s, ok := raw.(string)
		if !ok {
			return datom.Value{}, badPair(tag, "string requires text storage")
		}
		return datom.StringValue(s), nil

	case datom.TagUUID:
		b, ok := raw.([]byte)
		if !ok || len(b) != 16 {
			return datom.Value{}, badPair(tag, "uuid requires a 16-byte blob")
		}
		id, err := uuid.FromBytes(b)
		if err != nil {
			return datom.Value{}, badPair(tag, "malformed uuid blob: "+err.Error())
		}
		return datom.UUIDValue(id), nil

	case datom.TagKeyword:
		s, ok := raw.(string)
		if !ok {
			return datom.Value{}, badPair(tag, "keyword requires text storage")
		}
		kw, err := datom.ParseKeyword(s)
		if err != nil {
			return datom.Value{}, badPair(tag, err.Error())
		}
		return datom.KeywordValue(kw), nil

	default:
		return datom.Value{}, badPair(tag, "unknown type tag")
	}
}

// Coerce converts an arbitrary caller-supplied value (as produced by
// transactor input normalization) into a datom.Value of the attribute's
// declared type. Integers widen to double when the attribute is
// db.type/double, an int64 is read as microseconds since the Unix epoch
// for db.type/instant, and a string or 16-byte slice is parsed as a uuid
// for db.type/uuid; no other cross-type coercion is permitted.
func Coerce(raw any, expected datom.ValueType) (datom.Value, error) {
	if v, ok := raw.(datom.Value); ok {
		if v.Type() != expected {
			return datom.Value{}, typeDisagreement(raw, expected)
		}
		return v, nil
	}

	switch expected {
	case datom.TypeRef:
		if e, ok := asEid(raw); ok {
			return datom.RefValue(e), nil
		}
	case datom.TypeBoolean:
		if b, ok := raw.(bool); ok {
			return datom.BoolValue(b), nil
		}
	case datom.TypeInstant:
		switch t := raw.(type) {
		case time.Time:
			return datom.InstantValue(t), nil
		case int64:
			return datom.InstantValue(time.UnixMicro(t)), nil
		}
	case datom.TypeLong:
		if i, ok := asInt64(raw); ok {
			return datom.LongValue(i), nil
		}
	case datom.TypeDouble:
		if f, ok := asFloat64(raw); ok {
			return datom.DoubleValue(f), nil
		}
	case datom.TypeString:
		if s, ok := raw.(string); ok {
			return datom.StringValue(s), nil
		}
	case datom.TypeUUID:
		switch u := raw.(type) {
		case uuid.UUID:
			return datom.UUIDValue(u), nil
		case string:
			id, err := uuid.Parse(u)
			if err == nil {
				return datom.UUIDValue(id), nil
			}
		case []byte:
			if len(u) == 16 {
				id, err := uuid.FromBytes(u)
				if err == nil {
					return datom.UUIDValue(id), nil
				}
			}
		}
	case datom.TypeKeyword:
		switch k := raw.(type) {
		case datom.Keyword:
			return datom.KeywordValue(k), nil
		case string:
			kw, err := datom.ParseKeyword(k)
			if err == nil {
				return datom.KeywordValue(kw), nil
			}
		}
	}

	return datom.Value{}, typeDisagreement(raw, expected)
}

func typeDisagreement(raw any, expected datom.ValueType) error {
	return fmt.Errorf("%w: %v (%T) is not assignable to %v", datom.ErrTypeDisagreement, raw, raw, expected)
}

func badPair(tag datom.TypeTag, reason string) error {
	return &datom.BadValuePairError{Tag: tag, Reason: reason}
}

func asInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case datom.Eid:
		return int64(v), true
	default:
		return 0, false
	}
}

func asFloat64(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		i, ok := asInt64(raw)
		return float64(i), ok
	}
}

func asEid(raw any) (datom.Eid, bool) {
	switch v := raw.(type) {
	case datom.Eid:
		return v, true
	case int64:
		return datom.Eid(v), true
	case int:
		return datom.Eid(v), true
	default:
		return 0, false
	}
}
