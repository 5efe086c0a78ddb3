package nada

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/shamir"
)

var (
	// ErrKindMismatch is returned when a Value's Kind disagrees with its Type.
	ErrKindMismatch = errors.New("nada: value kind does not match declared type")
	// ErrArraySizeMismatch is returned when Array element count != Type.Size.
	ErrArraySizeMismatch = errors.New("nada: array element count does not match type size")
	// ErrNotPublic is returned when a secret-kinded Value is asked for its cleartext.
	ErrNotPublic = errors.New("nada: value is secret, not public")
	// ErrNotSecret is returned when a public-kinded Value is asked for its share.
	ErrNotSecret = errors.New("nada: value is public, not secret")
)

// Value is a single tagged runtime value: one of the primitive public types,
// one of the primitive secret (share-backed) types, or a compound of other
// Values. Exactly one of the payload fields below is meaningful, selected by
// Type.Kind.
type Value struct {
	Type Type

	// Public primitive payload (Integer, UnsignedInteger, EcdsaDigestMessage,
	// EcdsaPublicKey, StoreId all reduce to a big.Int or raw bytes).
	publicInt   *big.Int
	publicBool  bool
	publicBytes []byte

	// Secret primitive payload: this party's share of the value. SecretBlob
	// carries one share per chunk plus the original byte length.
	share      field.Element
	shares     []field.Element
	blobLength int

	// Compound payload.
	elements []Value       // Array, NTuple positional children
	left     *Value        // Tuple
	right    *Value        // Tuple
	fields   map[string]Value // Object, keyed by Type.Names
}

// NewInteger builds a public signed-integer Value.
func NewInteger(v *big.Int) Value {
	return Value{Type: NewPrimitiveType(KindInteger), publicInt: v}
}

// NewUnsignedInteger builds a public unsigned-integer Value.
func NewUnsignedInteger(v *big.Int) Value {
	if v.Sign() < 0 {
		panic("nada: unsigned integer value is negative")
	}
	return Value{Type: NewPrimitiveType(KindUnsignedInteger), publicInt: v}
}

// NewBoolean builds a public boolean Value.
func NewBoolean(b bool) Value {
	return Value{Type: NewPrimitiveType(KindBoolean), publicBool: b}
}

// NewEcdsaDigestMessage builds a public 32-byte digest Value.
func NewEcdsaDigestMessage(digest []byte) Value {
	return Value{Type: NewPrimitiveType(KindEcdsaDigestMessage), publicBytes: digest}
}

// NewEcdsaPublicKey builds a public compressed-point Value.
func NewEcdsaPublicKey(point []byte) Value {
	return Value{Type: NewPrimitiveType(KindEcdsaPublicKey), publicBytes: point}
}

// NewStoreID builds a public opaque store-identifier Value.
func NewStoreID(id []byte) Value {
	return Value{Type: NewPrimitiveType(KindStoreID), publicBytes: id}
}

// NewSecretShare builds a secret primitive Value (SecretInteger,
// SecretUnsignedInteger, SecretBoolean, or an ECDSA key/signature share) from
// this party's single field-element share.
func NewSecretShare(kind Kind, share field.Element) Value {
	if kind == KindSecretBlob {
		panic("nada: use NewSecretBlob for SecretBlob values")
	}
	return Value{Type: NewPrimitiveType(kind), share: share}
}

// NewSecretBlob builds a SecretBlob Value from its per-chunk shares and the
// original (unchunked) byte length, per spec.md 4.1's blob-chunking scheme.
func NewSecretBlob(shares []field.Element, unencodedLength int) Value {
	return Value{Type: NewPrimitiveType(KindSecretBlob), shares: shares, blobLength: unencodedLength}
}

// NewArray builds a compound Array Value whose size is len(elements).
func NewArray(elementType Type, elements []Value) (Value, error) {
	for i, e := range elements {
		if !e.Type.Equal(elementType) {
			return Value{}, fmt.Errorf("%w: element %d has type %s, want %s", ErrKindMismatch, i, e.Type, elementType)
		}
	}
	return Value{
		Type:     NewArrayType(elementType, len(elements)),
		elements: elements,
	}, nil
}

// NewTuple builds a compound Tuple Value.
func NewTuple(left, right Value) Value {
	return Value{
		Type:  NewTupleType(left.Type, right.Type),
		left:  &left,
		right: &right,
	}
}

// NewNTuple builds a compound NTuple Value from positional children.
func NewNTuple(elements ...Value) Value {
	types := make([]Type, len(elements))
	for i, e := range elements {
		types[i] = e.Type
	}
	return Value{Type: NewNTupleType(types...), elements: elements}
}

// NewObject builds a compound Object Value from insertion-ordered
// name/value pairs.
func NewObject(names []string, values []Value) (Value, error) {
	if len(names) != len(values) {
		return Value{}, fmt.Errorf("%w: object names/values length mismatch", ErrKindMismatch)
	}
	types := make([]Type, len(values))
	fields := make(map[string]Value, len(values))
	for i, v := range values {
		types[i] = v.Type
		fields[names[i]] = v
	}
	return Value{
		Type:   NewObjectType(names, types),
		fields: fields,
	}, nil
}

// Int returns the cleartext big.Int payload of a public Integer or
// UnsignedInteger Value.
func (v Value) Int() (*big.Int, error) {
	if v.Type.Kind != KindInteger && v.Type.Kind != KindUnsignedInteger {
		return nil, fmt.Errorf("%w: %s", ErrNotPublic, v.Type.Kind)
	}
	return v.publicInt, nil
}

// Bool returns the cleartext payload of a public Boolean Value.
func (v Value) Bool() (bool, error) {
	if v.Type.Kind != KindBoolean {
		return false, fmt.Errorf("%w: %s", ErrNotPublic, v.Type.Kind)
	}
	return v.publicBool, nil
}

// Bytes returns the cleartext payload of an EcdsaDigestMessage,
// EcdsaPublicKey, or StoreId Value.
func (v Value) Bytes() ([]byte, error) {
	switch v.Type.Kind {
	case KindEcdsaDigestMessage, KindEcdsaPublicKey, KindStoreID:
		return v.publicBytes, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotPublic, v.Type.Kind)
	}
}

// Share returns this party's field-element share of a secret primitive
// Value other than SecretBlob.
func (v Value) Share() (field.Element, error) {
	if !v.Type.Kind.IsSecret() || v.Type.Kind == KindSecretBlob {
		return field.Element{}, fmt.Errorf("%w: %s", ErrNotSecret, v.Type.Kind)
	}
	return v.share, nil
}

// BlobShares returns the per-chunk shares and original byte length of a
// SecretBlob Value.
func (v Value) BlobShares() ([]field.Element, int, error) {
	if v.Type.Kind != KindSecretBlob {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotSecret, v.Type.Kind)
	}
	return v.shares, v.blobLength, nil
}

// Elements returns the positional children of an Array or NTuple Value.
func (v Value) Elements() ([]Value, error) {
	if v.Type.Kind != KindArray && v.Type.Kind != KindNTuple {
		return nil, fmt.Errorf("%w: %s", ErrKindMismatch, v.Type.Kind)
	}
	return v.elements, nil
}

// Parts returns the left/right children of a Tuple Value.
func (v Value) Parts() (Value, Value, error) {
	if v.Type.Kind != KindTuple {
		return Value{}, Value{}, fmt.Errorf("%w: %s", ErrKindMismatch, v.Type.Kind)
	}
	return *v.left, *v.right, nil
}

// Field returns the named child of an Object Value.
func (v Value) Field(name string) (Value, error) {
	if v.Type.Kind != KindObject {
		return Value{}, fmt.Errorf("%w: %s", ErrKindMismatch, v.Type.Kind)
	}
	f, ok := v.fields[name]
	if !ok {
		return Value{}, fmt.Errorf("nada: object has no field %q", name)
	}
	return f, nil
}

// RevealWith reconstructs a secret primitive Value into its public
// counterpart Value given the other parties' shares, via the supplied
// Combiner. It does not handle SecretBlob; use RevealBlobWith for that.
func RevealWith(cmb *shamir.Combiner, shares []shamir.Share, kind Kind) (Value, error) {
	el, err := cmb.Reconstruct(shares)
	if err != nil {
		return Value{}, err
	}
	switch kind {
	case KindSecretInteger:
		return NewInteger(el.DecodeInteger()), nil
	case KindSecretUnsignedInteger:
		return NewUnsignedInteger(el.BigInt()), nil
	case KindSecretBoolean:
		return NewBoolean(el.DecodeBoolean()), nil
	default:
		return Value{}, fmt.Errorf("%w: reveal not defined for %s", ErrKindMismatch, kind)
	}
}
