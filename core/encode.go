package core

// encode.go - canonical encoder/decoder.
//
// No library in the retrieved corpus implements this: the nearest analogues
// (RLP in github.com/ethereum/go-ethereum, JSON via encoding/json) both
// produce a byte layout their own library owns, and an object's address
// must be the SHA-256 digest of this system's own self-describing,
// recipe-ordered textual framing — adopting either would change the bytes
// an address is computed over, which is the one thing that cannot change
// out from under the encoder. This file is therefore built on the standard
// library only; see DESIGN.md for the corpus search that led here.
//
// Grammar (every tag closes with the matching </x>, content between a
// primitive/ref tag's '>' and its closing tag is always already escaped so
// it never contains a literal '<'):
//
//	object     := "<o t=\"" type "\">" field* "</o>"
//	idobject   := "<i t=\"" type "\">" field* "</i>"
//	field      := "<f n=\"" name "\">" value "</f>"
//	value      := primitive | ref | seq | map | object
//	primitive  := "<p k=\"" kind "\">" escaped-text "</p>"
//	ref        := "<r k=\"" kind "\">" hex-hash "</r>"
//	seq        := "<s m=\"" mode "\">" value* "</s>"
//	mapv       := "<m>" entry* "</m>"
//	entry      := "<e><k>" value "</k><v>" value "</v></e>"

import (
	"fmt"
	"sort"
	"strings"
)

// Object is a fully addressed stored object: a type tag plus its field
// values. Objects handed to Encode may list their fields in any order:
// Encode writes the recipe's rule order and takes each value from
// obj.Value by name, erroring if a non-optional rule has no field.
type Object struct {
	Type  string
	Value ObjectVal
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func unescapeText(s string) string {
	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
	return r.Replace(s)
}

// Encode produces the canonical bytes for obj per its recipe's rule order.
// It is deterministic and total over well-typed objects: the same (obj,
// recipe) pair always yields the same bytes.
func Encode(reg *RecipeRegistry, obj Object) ([]byte, error) {
	recipe, err := reg.mustLookup(obj.Type)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(`<o t="`)
	b.WriteString(escapeText(obj.Type))
	b.WriteString(`">`)
	if err := encodeFields(reg, &b, recipe.Rules, obj.Value, false); err != nil {
		return nil, err
	}
	b.WriteString(`</o>`)
	return []byte(b.String()), nil
}

// IDEncode produces the ID-projection bytes for obj: only ID-flagged rules,
// in recipe order, wrapped in the distinct "<i>" outer frame so an ID-hash
// can never collide with a version hash.
func IDEncode(reg *RecipeRegistry, obj Object) ([]byte, error) {
	recipe, err := reg.mustLookup(obj.Type)
	if err != nil {
		return nil, err
	}
	if !recipe.Versioned {
		return nil, wrapKind(KindDecode, fmt.Errorf("idencode: %q is not versioned", obj.Type))
	}
	var b strings.Builder
	b.WriteString(`<i t="`)
	b.WriteString(escapeText(obj.Type))
	b.WriteString(`">`)
	if err := encodeFields(reg, &b, recipe.IDRules(), obj.Value, true); err != nil {
		return nil, err
	}
	b.WriteString(`</i>`)
	return []byte(b.String()), nil
}

func encodeFields(reg *RecipeRegistry, b *strings.Builder, rules []FieldRule, obj ObjectVal, idMode bool) error {
	for _, rule := range rules {
		v, ok := obj.Get(rule.Name)
		if !ok {
			if rule.Optional || idMode {
				continue
			}
			return wrapKind(KindDecode, fmt.Errorf("encode: missing required field %q", rule.Name))
		}
		b.WriteString(`<f n="`)
		b.WriteString(escapeText(rule.Name))
		b.WriteString(`">`)
		if err := encodeValue(reg, b, v); err != nil {
			return err
		}
		b.WriteString(`</f>`)
	}
	return nil
}

func encodeValue(reg *RecipeRegistry, b *strings.Builder, v Value) error {
	switch t := v.(type) {
	case Primitive:
		b.WriteString(`<p k="`)
		b.WriteString(string(t.PKind))
		b.WriteString(`">`)
		b.WriteString(escapeText(t.Text))
		b.WriteString(`</p>`)
	case Ref:
		b.WriteString(`<r k="`)
		b.WriteString(string(t.RKind))
		b.WriteString(`">`)
		b.WriteString(t.Hash.Hex())
		b.WriteString(`</r>`)
	case Seq:
		mode := t.Mode
		items := t.Items
		if mode == SeqUnordered || mode == SeqSet {
			items = sortedValues(reg, items)
		}
		b.WriteString(`<s m="`)
		b.WriteString(string(mode))
		b.WriteString(`">`)
		for _, item := range items {
			if err := encodeValue(reg, b, item); err != nil {
				return err
			}
		}
		b.WriteString(`</s>`)
	case MapVal:
		entries := make([]MapEntry, len(t.Entries))
		copy(entries, t.Entries)
		b.WriteString(`<m>`)
		for _, e := range entries {
			b.WriteString(`<e><k>`)
			if err := encodeValue(reg, b, e.Key); err != nil {
				return err
			}
			b.WriteString(`</k><v>`)
			if err := encodeValue(reg, b, e.Value); err != nil {
				return err
			}
			b.WriteString(`</v></e>`)
		}
		b.WriteString(`</m>`)
	case ObjectVal:
		// A nested object value with no independent type tag of its own:
		// encode its fields directly in field-insertion order since nested
		// object values (as opposed to top-level Objects) carry no recipe
		// of their own in this wire form.
		b.WriteString(`<o t="">`)
		for _, f := range t.Fields {
			b.WriteString(`<f n="`)
			b.WriteString(escapeText(f.Name))
			b.WriteString(`">`)
			if err := encodeValue(reg, b, f.Value); err != nil {
				return err
			}
			b.WriteString(`</f>`)
		}
		b.WriteString(`</o>`)
	default:
		return wrapKind(KindDecode, fmt.Errorf("encode: unknown value type %T", v))
	}
	return nil
}

// sortedValues produces a deterministic ordering for unordered sequences:
// sort by each item's own re-encoding. This guarantees two peers holding
// the same set in different insertion orders produce byte-identical output.
func sortedValues(reg *RecipeRegistry, items []Value) []Value {
	type keyed struct {
		key string
		v   Value
	}
	ks := make([]keyed, len(items))
	for i, v := range items {
		var b strings.Builder
		_ = encodeValue(reg, &b, v)
		ks[i] = keyed{key: b.String(), v: v}
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
	out := make([]Value, len(ks))
	for i, k := range ks {
		out[i] = k.v
	}
	return out
}

// decoder is a forward-only cursor over canonical bytes: a single pass with
// a mutable position, never backtracking.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) errf(format string, args ...any) error {
	return wrapKind(KindDecode, fmt.Errorf("decode at byte %d: %s", d.pos, fmt.Sprintf(format, args...)))
}

func (d *decoder) eof() bool { return d.pos >= len(d.buf) }

// expect consumes the literal s at the cursor or fails.
func (d *decoder) expect(s string) error {
	if d.pos+len(s) > len(d.buf) || string(d.buf[d.pos:d.pos+len(s)]) != s {
		return d.errf("expected %q", s)
	}
	d.pos += len(s)
	return nil
}

// readUntil scans forward to the next occurrence of delim, returning the
// text consumed (not including delim) and advancing the cursor past it.
func (d *decoder) readUntil(delim byte) (string, error) {
	idx := d.pos
	for idx < len(d.buf) && d.buf[idx] != delim {
		idx++
	}
	if idx >= len(d.buf) {
		return "", d.errf("unterminated token, expected %q", string(delim))
	}
	s := string(d.buf[d.pos:idx])
	d.pos = idx + 1
	return s, nil
}

// readAttr parses `attr="value"` immediately at the cursor.
func (d *decoder) readAttr(attr string) (string, error) {
	if err := d.expect(attr + `="`); err != nil {
		return "", err
	}
	return d.readUntil('"')
}

// peekTagName returns the tag name starting at '<' without consuming anything,
// or "" if the cursor isn't at a '<'.
func (d *decoder) peekTagName() string {
	if d.eof() || d.buf[d.pos] != '<' {
		return ""
	}
	i := d.pos + 1
	start := i
	if i < len(d.buf) && d.buf[i] == '/' {
		i++
		start = i
	}
	for i < len(d.buf) && d.buf[i] != ' ' && d.buf[i] != '>' {
		i++
	}
	return string(d.buf[start:i])
}

func (d *decoder) isClosing() bool {
	return !d.eof() && d.pos+1 < len(d.buf) && d.buf[d.pos] == '<' && d.buf[d.pos+1] == '/'
}

// Decode parses canonical bytes into an Object, validating against the
// recipe registry. It fails unless every byte is consumed and unless the
// encoded type is known to the registry.
func Decode(reg *RecipeRegistry, data []byte) (Object, error) {
	d := &decoder{buf: data}
	obj, err := decodeTopLevel(reg, d, false)
	if err != nil {
		return Object{}, err
	}
	if !d.eof() {
		return Object{}, d.errf("trailing bytes after top-level object")
	}
	return obj, nil
}

// DecodeIDObject parses the ID-projection wire form ("<i>...</i>").
func DecodeIDObject(reg *RecipeRegistry, data []byte) (Object, error) {
	d := &decoder{buf: data}
	obj, err := decodeTopLevel(reg, d, true)
	if err != nil {
		return Object{}, err
	}
	if !d.eof() {
		return Object{}, d.errf("trailing bytes after top-level id-object")
	}
	return obj, nil
}

func decodeTopLevel(reg *RecipeRegistry, d *decoder, idMode bool) (Object, error) {
	tag := "o"
	if idMode {
		tag = "i"
	}
	if err := d.expect("<" + tag + ` t="`); err != nil {
		return Object{}, err
	}
	typeName, err := d.readUntil('"')
	if err != nil {
		return Object{}, err
	}
	typeName = unescapeText(typeName)
	if err := d.expect(">"); err != nil {
		return Object{}, err
	}
	recipe, err := reg.mustLookup(typeName)
	if err != nil {
		return Object{}, err
	}
	rules := recipe.Rules
	if idMode {
		rules = recipe.IDRules()
	}
	fields, err := decodeFields(reg, d, rules)
	if err != nil {
		return Object{}, err
	}
	if err := d.expect("</" + tag + ">"); err != nil {
		return Object{}, err
	}
	return Object{Type: typeName, Value: ObjectVal{Fields: fields}}, nil
}

func decodeFields(reg *RecipeRegistry, d *decoder, rules []FieldRule) ([]FieldValue, error) {
	byName := make(map[string]FieldRule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}
	var out []FieldValue
	for d.peekTagName() == "f" {
		if err := d.expect(`<f n="`); err != nil {
			return nil, err
		}
		name, err := d.readUntil('"')
		if err != nil {
			return nil, err
		}
		name = unescapeText(name)
		if _, ok := byName[name]; !ok {
			return nil, d.errf("field %q not present in recipe", name)
		}
		if err := d.expect(">"); err != nil {
			return nil, err
		}
		v, err := decodeValue(reg, d)
		if err != nil {
			return nil, err
		}
		if err := d.expect("</f>"); err != nil {
			return nil, err
		}
		out = append(out, FieldValue{Name: name, Value: v})
	}
	return out, nil
}

func decodeValue(reg *RecipeRegistry, d *decoder) (Value, error) {
	switch tag := d.peekTagName(); tag {
	case "p":
		if err := d.expect(`<p k="`); err != nil {
			return nil, err
		}
		kind, err := d.readUntil('"')
		if err != nil {
			return nil, err
		}
		if err := d.expect(">"); err != nil {
			return nil, err
		}
		text, err := d.readUntil('<')
		if err != nil {
			return nil, err
		}
		d.pos-- // readUntil consumed the '<'; put it back for expect below
		if err := d.expect("</p>"); err != nil {
			return nil, err
		}
		return Primitive{PKind: PrimitiveKind(kind), Text: unescapeText(text)}, nil
	case "r":
		if err := d.expect(`<r k="`); err != nil {
			return nil, err
		}
		kind, err := d.readUntil('"')
		if err != nil {
			return nil, err
		}
		if err := d.expect(">"); err != nil {
			return nil, err
		}
		hexStr, err := d.readUntil('<')
		if err != nil {
			return nil, err
		}
		d.pos--
		if err := d.expect("</r>"); err != nil {
			return nil, err
		}
		h, err := ParseHash(hexStr)
		if err != nil {
			return nil, wrapKind(KindDecode, err)
		}
		return Ref{RKind: ReferenceKind(kind), Hash: h}, nil
	case "s":
		if err := d.expect(`<s m="`); err != nil {
			return nil, err
		}
		mode, err := d.readUntil('"')
		if err != nil {
			return nil, err
		}
		if err := d.expect(">"); err != nil {
			return nil, err
		}
		var items []Value
		for !d.isClosing() {
			item, err := decodeValue(reg, d)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if err := d.expect("</s>"); err != nil {
			return nil, err
		}
		return Seq{Mode: SeqMode(mode), Items: items}, nil
	case "m":
		if err := d.expect("<m>"); err != nil {
			return nil, err
		}
		var entries []MapEntry
		for d.peekTagName() == "e" {
			if err := d.expect("<e><k>"); err != nil {
				return nil, err
			}
			k, err := decodeValue(reg, d)
			if err != nil {
				return nil, err
			}
			if err := d.expect("</k><v>"); err != nil {
				return nil, err
			}
			v, err := decodeValue(reg, d)
			if err != nil {
				return nil, err
			}
			if err := d.expect("</v></e>"); err != nil {
				return nil, err
			}
			entries = append(entries, MapEntry{Key: k, Value: v})
		}
		if err := d.expect("</m>"); err != nil {
			return nil, err
		}
		return MapVal{Entries: entries}, nil
	case "o":
		if err := d.expect(`<o t="">`); err != nil {
			return nil, err
		}
		var fields []FieldValue
		for d.peekTagName() == "f" {
			if err := d.expect(`<f n="`); err != nil {
				return nil, err
			}
			name, err := d.readUntil('"')
			if err != nil {
				return nil, err
			}
			if err := d.expect(">"); err != nil {
				return nil, err
			}
			v, err := decodeValue(reg, d)
			if err != nil {
				return nil, err
			}
			if err := d.expect("</f>"); err != nil {
				return nil, err
			}
			fields = append(fields, FieldValue{Name: unescapeText(name), Value: v})
		}
		if err := d.expect("</o>"); err != nil {
			return nil, err
		}
		return ObjectVal{Fields: fields}, nil
	default:
		return nil, d.errf("unexpected tag %q", tag)
	}
}
