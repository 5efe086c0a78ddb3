// Package nada implements the tagged union of runtime values described in
// spec.md 3 ("Nada value"): primitive public values, primitive secret
// values (shares), and compound values (Array/Tuple/NTuple/Object).
//
// Per Design Note 9 ("prefer a tagged union ... rather than per-operation
// trait objects"), Type and Value are both plain tagged structs, not an
// interface-per-variant hierarchy; this keeps dispatch in the VM's hot path
// a branch on an integer tag rather than a dynamic interface-method call.
package nada

import "fmt"

// Kind tags the variant of a Type/Value.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Primitive public.
	KindInteger
	KindUnsignedInteger
	KindBoolean
	KindEcdsaDigestMessage
	KindEcdsaPublicKey
	KindStoreID

	// Primitive secret.
	KindSecretInteger
	KindSecretUnsignedInteger
	KindSecretBoolean
	KindSecretBlob
	KindEcdsaPrivateKeyShare
	KindEcdsaSignatureShare

	// Compound.
	KindArray
	KindTuple
	KindNTuple
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindUnsignedInteger:
		return "UnsignedInteger"
	case KindBoolean:
		return "Boolean"
	case KindEcdsaDigestMessage:
		return "EcdsaDigestMessage"
	case KindEcdsaPublicKey:
		return "EcdsaPublicKey"
	case KindStoreID:
		return "StoreId"
	case KindSecretInteger:
		return "SecretInteger"
	case KindSecretUnsignedInteger:
		return "SecretUnsignedInteger"
	case KindSecretBoolean:
		return "SecretBoolean"
	case KindSecretBlob:
		return "SecretBlob"
	case KindEcdsaPrivateKeyShare:
		return "EcdsaPrivateKeyShare"
	case KindEcdsaSignatureShare:
		return "EcdsaSignatureShare"
	case KindArray:
		return "Array"
	case KindTuple:
		return "Tuple"
	case KindNTuple:
		return "NTuple"
	case KindObject:
		return "Object"
	default:
		return "Unknown"
	}
}

// IsPrimitive reports whether the kind occupies exactly one memory slot
// (spec.md 3's "compound types are flattened ... leaf" distinction).
func (k Kind) IsPrimitive() bool {
	switch k {
	case KindArray, KindTuple, KindNTuple, KindObject, KindUnknown:
		return false
	default:
		return true
	}
}

// IsSecret reports whether values of this kind are share-backed and must
// never be round-tripped in cleartext.
func (k Kind) IsSecret() bool {
	switch k {
	case KindSecretInteger, KindSecretUnsignedInteger, KindSecretBoolean,
		KindSecretBlob, KindEcdsaPrivateKeyShare, KindEcdsaSignatureShare:
		return true
	default:
		return false
	}
}

// Type describes the structural shape of a Value: a Kind plus, for
// compound kinds, the children's types (and, for Array, a declared size).
type Type struct {
	Kind Kind

	// Array only.
	Element *Type
	Size    int

	// Tuple only.
	Left, Right *Type

	// NTuple only.
	Fields []Type

	// Object only: insertion-ordered name -> type.
	Names []string
	Types []Type
}

// NewPrimitiveType builds a Type for a primitive Kind.
func NewPrimitiveType(k Kind) Type {
	if !k.IsPrimitive() {
		panic(fmt.Sprintf("nada: %s is not a primitive kind", k))
	}
	return Type{Kind: k}
}

// NewArrayType builds an Array{element, size} Type.
func NewArrayType(element Type, size int) Type {
	return Type{Kind: KindArray, Element: &element, Size: size}
}

// NewTupleType builds a Tuple{left, right} Type.
func NewTupleType(left, right Type) Type {
	return Type{Kind: KindTuple, Left: &left, Right: &right}
}

// NewNTupleType builds an NTuple{fields...} Type.
func NewNTupleType(fields ...Type) Type {
	return Type{Kind: KindNTuple, Fields: fields}
}

// NewObjectType builds an Object{name->type} Type, preserving insertion order.
func NewObjectType(names []string, types []Type) Type {
	if len(names) != len(types) {
		panic("nada: object type names/types length mismatch")
	}
	return Type{Kind: KindObject, Names: names, Types: types}
}

// AddressCount returns how many consecutive protocol-address slots a value
// of this type occupies: 1 for primitives, 1+sum(children) for compounds
// (the leading 1 is the header slot), per spec.md 3 ("Protocol address").
func (t Type) AddressCount() int {
	switch t.Kind {
	case KindArray:
		return 1 + t.Element.AddressCount()*t.Size
	case KindTuple:
		return 1 + t.Left.AddressCount() + t.Right.AddressCount()
	case KindNTuple:
		n := 1
		for _, f := range t.Fields {
			n += f.AddressCount()
		}
		return n
	case KindObject:
		n := 1
		for _, f := range t.Types {
			n += f.AddressCount()
		}
		return n
	default:
		return 1
	}
}

// Equal reports structural type equality.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindArray:
		return t.Size == o.Size && t.Element.Equal(*o.Element)
	case KindTuple:
		return t.Left.Equal(*o.Left) && t.Right.Equal(*o.Right)
	case KindNTuple:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if !t.Fields[i].Equal(o.Fields[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(t.Names) != len(o.Names) {
			return false
		}
		for i := range t.Names {
			if t.Names[i] != o.Names[i] || !t.Types[i].Equal(o.Types[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (t Type) String() string {
	switch t.Kind {
	case KindArray:
		return fmt.Sprintf("Array{%s, %d}", t.Element, t.Size)
	case KindTuple:
		return fmt.Sprintf("Tuple{%s, %s}", t.Left, t.Right)
	case KindNTuple:
		return fmt.Sprintf("NTuple%v", t.Fields)
	case KindObject:
		return fmt.Sprintf("Object%v", t.Names)
	default:
		return t.Kind.String()
	}
}
