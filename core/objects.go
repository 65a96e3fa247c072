package core

// objects.go - the domain object types built on top of Value/Recipe:
// Person, Group, Instance, Keys, Access, IdAccess, and the Chum audit
// record. Grounded on core/common_structs.go's plain-struct-plus-accessor
// shape and core/content_types.go's type-tag-per-kind convention.

import "fmt"

// Keys holds a person or instance's public signing and encryption key
// material. Unversioned: keys are replaced by writing a new Keys object
// and updating the referencing field, never edited in place.
type Keys struct {
	PublicSigningHex    string
	PublicEncryptionHex string
}

var keysRecipe = &Recipe{
	TypeName:  "Keys",
	Versioned: false,
	Rules: []FieldRule{
		{Name: "publicSigning", Kind: KindPrimitive},
		{Name: "publicEncryption", Kind: KindPrimitive},
	},
}

func (k Keys) ToObject() Object {
	return Object{Type: keysRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "publicSigning", Value: NewBytesHex(k.PublicSigningHex)},
		{Name: "publicEncryption", Value: NewBytesHex(k.PublicEncryptionHex)},
	}}}
}

func KeysFromObject(obj Object) (Keys, error) {
	sig, ok := obj.Value.Get("publicSigning")
	if !ok {
		return Keys{}, wrapKind(KindDecode, fmt.Errorf("Keys: missing publicSigning"))
	}
	enc, ok := obj.Value.Get("publicEncryption")
	if !ok {
		return Keys{}, wrapKind(KindDecode, fmt.Errorf("Keys: missing publicEncryption"))
	}
	return Keys{PublicSigningHex: sig.(Primitive).Text, PublicEncryptionHex: enc.(Primitive).Text}, nil
}

// Person is versioned, ID-keyed by e-mail.
type Person struct {
	Email string
	Name  string
	Keys  Hash // Ref to a stored Keys object
}

var personRecipe = &Recipe{
	TypeName:  "Person",
	Versioned: true,
	Rules: []FieldRule{
		{Name: "email", Kind: KindPrimitive, IsID: true},
		{Name: "name", Kind: KindPrimitive},
		{Name: "keys", Kind: KindRef, RefKind: RefObj},
	},
	CRDTConfig: map[string]CRDTStrategy{
		"name": StrategyLWW,
		"keys": StrategyLWW,
	},
}

func (p Person) ToObject() Object {
	return Object{Type: personRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "email", Value: NewString(p.Email)},
		{Name: "name", Value: NewString(p.Name)},
		{Name: "keys", Value: Ref{RKind: RefObj, Hash: p.Keys}},
	}}}
}

func PersonFromObject(obj Object) (Person, error) {
	email, _ := obj.Value.Get("email")
	name, _ := obj.Value.Get("name")
	keys, ok := obj.Value.Get("keys")
	if !ok {
		return Person{}, wrapKind(KindDecode, fmt.Errorf("Person: missing keys"))
	}
	return Person{
		Email: email.(Primitive).Text,
		Name:  name.(Primitive).Text,
		Keys:  keys.(Ref).Hash,
	}, nil
}

// Group is versioned, ID-keyed by name; Members lists the person/group
// ID-hashes belonging to it.
type Group struct {
	Name    string
	Members []Hash
}

var groupRecipe = &Recipe{
	TypeName:  "Group",
	Versioned: true,
	Rules: []FieldRule{
		{Name: "name", Kind: KindPrimitive, IsID: true},
		{Name: "members", Kind: KindSeq},
	},
	CRDTConfig: map[string]CRDTStrategy{
		"members": StrategySetUnion,
	},
}

func (g Group) ToObject() Object {
	items := make([]Value, len(g.Members))
	for i, m := range g.Members {
		items[i] = Ref{RKind: RefId, Hash: m}
	}
	return Object{Type: groupRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "name", Value: NewString(g.Name)},
		{Name: "members", Value: Seq{Mode: SeqSet, Items: items}},
	}}}
}

func GroupFromObject(obj Object) (Group, error) {
	name, _ := obj.Value.Get("name")
	membersV, ok := obj.Value.Get("members")
	if !ok {
		return Group{}, wrapKind(KindDecode, fmt.Errorf("Group: missing members"))
	}
	seq := membersV.(Seq)
	members := make([]Hash, len(seq.Items))
	for i, it := range seq.Items {
		members[i] = it.(Ref).Hash
	}
	return Group{Name: name.(Primitive).Text, Members: members}, nil
}

// Instance is versioned, ID-keyed by name plus owning person ID-hash.
type Instance struct {
	Name          string
	OwnerPersonID Hash
	Keys          Hash
}

var instanceRecipe = &Recipe{
	TypeName:  "Instance",
	Versioned: true,
	Rules: []FieldRule{
		{Name: "name", Kind: KindPrimitive, IsID: true},
		{Name: "ownerPersonId", Kind: KindRef, RefKind: RefId, IsID: true},
		{Name: "keys", Kind: KindRef, RefKind: RefObj},
	},
	CRDTConfig: map[string]CRDTStrategy{
		"keys": StrategyLWW,
	},
}

func (i Instance) ToObject() Object {
	return Object{Type: instanceRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "name", Value: NewString(i.Name)},
		{Name: "ownerPersonId", Value: Ref{RKind: RefId, Hash: i.OwnerPersonID}},
		{Name: "keys", Value: Ref{RKind: RefObj, Hash: i.Keys}},
	}}}
}

func InstanceFromObject(obj Object) (Instance, error) {
	name, _ := obj.Value.Get("name")
	owner, ok := obj.Value.Get("ownerPersonId")
	if !ok {
		return Instance{}, wrapKind(KindDecode, fmt.Errorf("Instance: missing ownerPersonId"))
	}
	keys, ok := obj.Value.Get("keys")
	if !ok {
		return Instance{}, wrapKind(KindDecode, fmt.Errorf("Instance: missing keys"))
	}
	return Instance{
		Name:          name.(Primitive).Text,
		OwnerPersonID: owner.(Ref).Hash,
		Keys:          keys.(Ref).Hash,
	}, nil
}

// Access grants access to a single version hash (an unversioned object, or
// a fixed version of a versioned one) to a set of Person/Group ID-hashes.
type Access struct {
	Target   Ref // RefObj (unversioned) or RefId (current-state access)
	Grantees []Hash
}

var accessRecipe = &Recipe{
	TypeName:  "Access",
	Versioned: false,
	Rules: []FieldRule{
		{Name: "target", Kind: KindRef},
		{Name: "grantees", Kind: KindSeq},
	},
}

func (a Access) ToObject() Object {
	items := make([]Value, len(a.Grantees))
	for i, g := range a.Grantees {
		items[i] = Ref{RKind: RefId, Hash: g}
	}
	return Object{Type: accessRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "target", Value: a.Target},
		{Name: "grantees", Value: Seq{Mode: SeqSet, Items: items}},
	}}}
}

// IdAccess grants access to an entire identity's version history (every
// version node reachable from its current head) to a set of Person/Group
// ID-hashes.
type IdAccess struct {
	TargetIDHash Hash
	Grantees     []Hash
}

var idAccessRecipe = &Recipe{
	TypeName:  "IdAccess",
	Versioned: false,
	Rules: []FieldRule{
		{Name: "target", Kind: KindRef, RefKind: RefId},
		{Name: "grantees", Kind: KindSeq},
	},
}

func (a IdAccess) ToObject() Object {
	items := make([]Value, len(a.Grantees))
	for i, g := range a.Grantees {
		items[i] = Ref{RKind: RefId, Hash: g}
	}
	return Object{Type: idAccessRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "target", Value: Ref{RKind: RefId, Hash: a.TargetIDHash}},
		{Name: "grantees", Value: Seq{Mode: SeqSet, Items: items}},
	}}}
}

// TransferBucket names one of the Chum record's eight counters.
type TransferBucket string

const (
	BucketAtoBObjects   TransferBucket = "atob_objects"
	BucketAtoBIdObjects TransferBucket = "atob_idobjects"
	BucketAtoBBlob      TransferBucket = "atob_blob"
	BucketAtoBClob      TransferBucket = "atob_clob"
	BucketBtoAObjects   TransferBucket = "btoa_objects"
	BucketBtoAIdObjects TransferBucket = "btoa_idobjects"
	BucketBtoABlob      TransferBucket = "btoa_blob"
	BucketBtoAClob      TransferBucket = "btoa_clob"
)

// AllBuckets lists the eight transfer accumulators in a fixed order, used
// both to zero-initialize counters and to emit the Chum object's fields
// deterministically.
var AllBuckets = []TransferBucket{
	BucketAtoBObjects, BucketAtoBIdObjects, BucketAtoBBlob, BucketAtoBClob,
	BucketBtoAObjects, BucketBtoAIdObjects, BucketBtoABlob, BucketBtoAClob,
}

// ChumRecord is the versioned audit object written identically by both
// peers at the end of a session. InstanceAName/PersonAID are always the
// lexicographically smaller of the two peers' identities so the computed
// hash matches regardless of which side constructs it first.
type ChumRecord struct {
	Name          string
	InstanceAName string
	InstanceBName string
	PersonAID     Hash
	PersonBID     Hash
	Counts        map[TransferBucket]uint64
	Errors        []string
}

var chumRecordRecipe = &Recipe{
	TypeName:  "Chum",
	Versioned: true,
	Rules: []FieldRule{
		{Name: "name", Kind: KindPrimitive, IsID: true},
		{Name: "instanceAName", Kind: KindPrimitive},
		{Name: "instanceBName", Kind: KindPrimitive},
		{Name: "personAId", Kind: KindRef, RefKind: RefId},
		{Name: "personBId", Kind: KindRef, RefKind: RefId},
		{Name: "counts", Kind: KindMap},
		{Name: "errors", Kind: KindSeq},
	},
}

func (c ChumRecord) ToObject() Object {
	entries := make([]MapEntry, 0, len(AllBuckets))
	for _, b := range AllBuckets {
		entries = append(entries, MapEntry{Key: NewString(string(b)), Value: NewUint(c.Counts[b])})
	}
	errs := make([]Value, len(c.Errors))
	for i, e := range c.Errors {
		errs[i] = NewString(e)
	}
	return Object{Type: chumRecordRecipe.TypeName, Value: ObjectVal{Fields: []FieldValue{
		{Name: "name", Value: NewString(c.Name)},
		{Name: "instanceAName", Value: NewString(c.InstanceAName)},
		{Name: "instanceBName", Value: NewString(c.InstanceBName)},
		{Name: "personAId", Value: Ref{RKind: RefId, Hash: c.PersonAID}},
		{Name: "personBId", Value: Ref{RKind: RefId, Hash: c.PersonBID}},
		{Name: "counts", Value: MapVal{Entries: entries}},
		{Name: "errors", Value: Seq{Mode: SeqOrdered, Items: errs}},
	}}}
}

// InitialRecipes returns the recipe set every instance registers at
// creation: the domain types above plus the internal VersionNode type.
func InitialRecipes() []*Recipe {
	return []*Recipe{
		keysRecipe, personRecipe, groupRecipe, instanceRecipe,
		accessRecipe, idAccessRecipe, chumRecordRecipe, versionNodeRecipe,
	}
}
