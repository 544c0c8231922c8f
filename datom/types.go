/*
Package datom defines the core vocabulary shared by every other package in
this module: entity identifiers, typed values, the datom quintuple itself,
attribute schema flags, and partitions.

PURPOSE:
  Nothing in this package talks to storage or enforces invariants — it is
  the plain-old-data layer that codec, partition, schema, store and
  transactor all build on. Keeping it dependency-free avoids import cycles
  between the packages that need to agree on what a datom is.

KEY CONCEPTS:
  - Eid: a 64-bit entity identifier. Attributes are entities too, so an
    attribute id and an entity id are the same type.
  - Value: a tagged union over the eight supported value-type variants.
  - Datom: the immutable quintuple (E, A, V, Tx, Added).
  - AttributeFlags: the schema-as-data flags carried by an attribute entity.

SEE ALSO:
  - codec: bidirectional mapping between Value and the storage representation.
  - schema: the registry that associates an Eid with its AttributeFlags.
*/
package datom

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Eid is a 64-bit entity identifier. Zero is reserved and never assigned.
// Positive ids come from a partition; negative ids are transaction-local
// temp-ids and never persist.
type Eid int64

func (e Eid) IsTempID() bool { return e < 0 }

// ValueType enumerates the supported variants of a typed value.
type ValueType int

const (
	TypeRef ValueType = iota
	TypeBoolean
	TypeInstant
	TypeLong
	TypeDouble
	TypeString
	TypeUUID
	TypeKeyword
)

func (t ValueType) String() string {
	switch t {
	case TypeRef:
		return "db.type/ref"
	case TypeBoolean:
		return "db.type/boolean"
	case TypeInstant:
		return "db.type/instant"
	case TypeLong:
		return "db.type/long"
	case TypeDouble:
		return "db.type/double"
	case TypeString:
		return "db.type/string"
	case TypeUUID:
		return "db.type/uuid"
	case TypeKeyword:
		return "db.type/keyword"
	default:
		return fmt.Sprintf("db.type/unknown(%d)", int(t))
	}
}

// TypeTag is the small integer persisted alongside a value's raw encoding.
// This mapping is a wire-format invariant (spec.md §6) and must never change.
type TypeTag uint8

const (
	TagRef      TypeTag = 0
	TagBoolean  TypeTag = 1
	TagInstant  TypeTag = 4
	TagNumber   TypeTag = 5 // shared by long and double; raw storage class disambiguates
	TagString   TypeTag = 10
	TagUUID     TypeTag = 11
	TagKeyword  TypeTag = 13
)

// Keyword is a namespaced symbol, e.g. :person/email or :db/ident.
type Keyword struct {
	Namespace string
	Name      string
}

func NewKeyword(namespace, name string) Keyword {
	return Keyword{Namespace: namespace, Name: name}
}

func (k Keyword) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

func (k Keyword) IsZero() bool { return k.Namespace == "" && k.Name == "" }

// Well-known idents used by the schema machine and bootstrap (spec.md §9).
var (
	KeywordIdent        = NewKeyword("db", "ident")
	KeywordValueType    = NewKeyword("db", "valueType")
	KeywordCardinality  = NewKeyword("db", "cardinality")
	KeywordUnique       = NewKeyword("db", "unique")
	KeywordIndexed      = NewKeyword("db", "index")
	KeywordFulltext     = NewKeyword("db", "fulltext")
	KeywordIsComponent  = NewKeyword("db", "isComponent")
	KeywordNoHistory    = NewKeyword("db", "noHistory")
	KeywordDoc          = NewKeyword("db", "doc")
	KeywordTxInstant    = NewKeyword("db", "txInstant")

	KeywordCardinalityOne  = NewKeyword("db.cardinality", "one")
	KeywordCardinalityMany = NewKeyword("db.cardinality", "many")

	KeywordUniqueValue    = NewKeyword("db.unique", "value")
	KeywordUniqueIdentity = NewKeyword("db.unique", "identity")

	PartitionDB   = "db.part/db"
	PartitionUser = "db.part/user"
	PartitionTx   = "db.part/tx"
)

// ParseKeyword parses "namespace/name" or "name" into a Keyword.
func ParseKeyword(s string) (Keyword, error) {
	if s == "" {
		return Keyword{}, fmt.Errorf("%w: empty keyword", ErrBadValuePair)
	}
	ns, name, found := cut(s, '/')
	if !found {
		return Keyword{Name: s}, nil
	}
	if ns == "" || name == "" {
		return Keyword{}, fmt.Errorf("%w: malformed keyword %q", ErrBadValuePair, s)
	}
	return Keyword{Namespace: ns, Name: name}, nil
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// Value is a tagged union over the value-type variants a datom can carry.
// Zero value is not meaningful; always construct via the New*Value helpers.
type Value struct {
	vtype ValueType
	ref   Eid
	b     bool
	i     int64
	f     float64
	s     string
	u     uuid.UUID
	t     time.Time
	kw    Keyword
}

func (v Value) Type() ValueType { return v.vtype }

func RefValue(e Eid) Value                  { return Value{vtype: TypeRef, ref: e} }
func BoolValue(b bool) Value                { return Value{vtype: TypeBoolean, b: b} }
func InstantValue(t time.Time) Value        { return Value{vtype: TypeInstant, t: t.UTC()} }
func LongValue(i int64) Value               { return Value{vtype: TypeLong, i: i} }
func DoubleValue(f float64) Value           { return Value{vtype: TypeDouble, f: f} }
func StringValue(s string) Value            { return Value{vtype: TypeString, s: s} }
func UUIDValue(u uuid.UUID) Value           { return Value{vtype: TypeUUID, u: u} }
func KeywordValue(k Keyword) Value          { return Value{vtype: TypeKeyword, kw: k} }

func (v Value) Ref() Eid          { return v.ref }
func (v Value) Bool() bool        { return v.b }
func (v Value) Instant() time.Time { return v.t }
func (v Value) Long() int64       { return v.i }
func (v Value) Double() float64   { return v.f }
func (v Value) Str() string       { return v.s }
func (v Value) UUID() uuid.UUID   { return v.u }
func (v Value) Keyword() Keyword  { return v.kw }

// Equal reports whether two values have the same type and content.
func (v Value) Equal(other Value) bool {
	if v.vtype != other.vtype {
		return false
	}
	switch v.vtype {
	case TypeRef:
		return v.ref == other.ref
	case TypeBoolean:
		return v.b == other.b
	case TypeInstant:
		return v.t.Equal(other.t)
	case TypeLong:
		return v.i == other.i
	case TypeDouble:
		return v.f == other.f
	case TypeString:
		return v.s == other.s
	case TypeUUID:
		return v.u == other.u
	case TypeKeyword:
		return v.kw == other.kw
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.vtype {
	case TypeRef:
		return fmt.Sprintf("#ref %d", v.ref)
	case TypeBoolean:
		return fmt.Sprintf("%t", v.b)
	case TypeInstant:
		return v.t.Format(time.RFC3339Nano)
	case TypeLong:
		return fmt.Sprintf("%d", v.i)
	case TypeDouble:
		return fmt.Sprintf("%g", v.f)
	case TypeString:
		return v.s
	case TypeUUID:
		return v.u.String()
	case TypeKeyword:
		return ":" + v.kw.String()
	default:
		return "<invalid value>"
	}
}

// Cardinality is whether an attribute can hold one or many values per entity.
type Cardinality int

const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// UniqueKind is whether an attribute value must be globally unique, and if
// so, whether it also identifies an entity for upsert purposes.
type UniqueKind int

const (
	UniqueNone UniqueKind = iota
	UniqueValue
	UniqueIdentity
)

// AttributeFlags is the complete schema-as-data description of an attribute.
type AttributeFlags struct {
	Ident       Keyword
	ValueType   ValueType
	Cardinality Cardinality
	Unique      UniqueKind
	Indexed     bool
	Fulltext    bool
	IsComponent bool
	NoHistory   bool
	Doc         string
}

// Datom is the immutable quintuple (E, A, V, Tx, Added).
type Datom struct {
	E     Eid
	A     Eid
	V     Value
	Tx    Eid
	Added bool
}

// Partition is a named half-open range of entity ids, plus whether
// excision (hard deletion) is permitted from it.
type Partition struct {
	Name          string
	Start         Eid
	End           Eid
	AllowExcision bool
}

func (p Partition) Contains(e Eid) bool { return e >= p.Start && e < p.End }
