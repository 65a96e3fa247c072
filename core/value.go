package core

// value.go - the in-memory representation every stored object is built
// from. Dynamic-typed polymorphism over object variants becomes a Go
// tagged sum, Value, with one struct per variant:
//
//	Value = Primitive(kind, bytes) | Ref(kind, hash)
//	      | Seq(Ordered|Unordered|Set, [Value]) | Map([(Value,Value)])
//	      | Object([(name,Value)])
//
// Every cross-object link is carried by hash value inside a Ref, never by
// Go pointer, so the graph walker in auth.go and the Chum exporter can
// terminate on cycles by tracking visited hashes rather than relying on
// reference identity.

import "fmt"

// ValueKind tags which Value variant a given node is.
type ValueKind int

const (
	KindPrimitive ValueKind = iota
	KindRef
	KindSeq
	KindMap
	KindObject
)

// ReferenceKind is the tag carried by a Ref, naming which address space the
// linked hash lives in.
type ReferenceKind string

const (
	RefObj  ReferenceKind = "obj"
	RefId   ReferenceKind = "id"
	RefClob ReferenceKind = "clob"
	RefBlob ReferenceKind = "blob"
)

// SeqMode distinguishes the three sequence framings the wire form supports.
type SeqMode string

const (
	SeqOrdered   SeqMode = "ordered"
	SeqUnordered SeqMode = "unordered"
	SeqSet       SeqMode = "set"
)

// PrimitiveKind names the textual form a Primitive round-trips through.
type PrimitiveKind string

const (
	PrimString PrimitiveKind = "string"
	PrimInt    PrimitiveKind = "int"
	PrimUint   PrimitiveKind = "uint"
	PrimFloat  PrimitiveKind = "float"
	PrimBool   PrimitiveKind = "bool"
	PrimBytes  PrimitiveKind = "bytes"
)

// Value is the sealed interface every variant implements.
type Value interface {
	valueKind() ValueKind
}

// Primitive is a scalar that round-trips via its natural textual form.
type Primitive struct {
	PKind PrimitiveKind
	Text  string // canonical textual representation, already validated
}

func (Primitive) valueKind() ValueKind { return KindPrimitive }

// NewString, NewInt, NewUint, NewBool, NewBytesHex are Primitive constructors
// used throughout the object constructors in objects.go.
func NewString(s string) Primitive { return Primitive{PKind: PrimString, Text: s} }
func NewInt(i int64) Primitive {
	return Primitive{PKind: PrimInt, Text: fmt.Sprintf("%d", i)}
}
func NewUint(u uint64) Primitive {
	return Primitive{PKind: PrimUint, Text: fmt.Sprintf("%d", u)}
}
func NewBool(b bool) Primitive {
	if b {
		return Primitive{PKind: PrimBool, Text: "true"}
	}
	return Primitive{PKind: PrimBool, Text: "false"}
}
func NewBytesHex(hexStr string) Primitive { return Primitive{PKind: PrimBytes, Text: hexStr} }

// Ref is a hash-valued link tagged with which address space it resolves in.
type Ref struct {
	RKind ReferenceKind
	Hash  Hash
}

func (Ref) valueKind() ValueKind { return KindRef }

// Seq is a homogeneous sequence of child values framed per Mode.
type Seq struct {
	Mode  SeqMode
	Items []Value
}

func (Seq) valueKind() ValueKind { return KindSeq }

// MapEntry is one key/value pair of a Map, in emission order (the order is
// preserved verbatim — Map is an ordered-mapping framing).
type MapEntry struct {
	Key   Value
	Value Value
}

// MapVal is an ordered mapping of Value keys to Value values.
type MapVal struct {
	Entries []MapEntry
}

func (MapVal) valueKind() ValueKind { return KindMap }

// FieldValue is one named field of an Object, in recipe rule order.
type FieldValue struct {
	Name  string
	Value Value
}

// ObjectVal is a nested field frame: an object's fields, each named and
// ordered per its recipe. Top-level stored objects are always an ObjectVal
// carrying a Type tag (see objects.go's Object wrapper).
type ObjectVal struct {
	Fields []FieldValue
}

func (ObjectVal) valueKind() ValueKind { return KindObject }

// Get returns the value of the named field and true, or the zero Value and
// false if the field is absent (covers optional fields).
func (o ObjectVal) Get(name string) (Value, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}
