package nada

import "fmt"

// Jar is a named collection of Values bound for (or received from) a single
// party, per spec.md 3 ("Party jar"): the unit in which program inputs are
// supplied and outputs are delivered.
type Jar struct {
	Party  string
	values map[string]Value
	order  []string
}

// NewJar builds an empty Jar for the given party identifier.
func NewJar(party string) *Jar {
	return &Jar{Party: party, values: make(map[string]Value)}
}

// Set binds name to v, overwriting any previous binding for name.
func (j *Jar) Set(name string, v Value) {
	if _, exists := j.values[name]; !exists {
		j.order = append(j.order, name)
	}
	j.values[name] = v
}

// Get returns the Value bound to name.
func (j *Jar) Get(name string) (Value, bool) {
	v, ok := j.values[name]
	return v, ok
}

// Names returns the bound names in insertion order.
func (j *Jar) Names() []string {
	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// Len returns the number of bound values.
func (j *Jar) Len() int { return len(j.values) }

// RequireTyped returns the Value bound to name, erroring if it is absent or
// its type does not match want. Used by the runtime's input-binding step
// (spec.md 7's InvalidInputs class) to validate a jar against a program's
// declared input schema before execution starts.
func (j *Jar) RequireTyped(name string, want Type) (Value, error) {
	v, ok := j.values[name]
	if !ok {
		return Value{}, fmt.Errorf("nada: jar %q missing value %q", j.Party, name)
	}
	if !v.Type.Equal(want) {
		return Value{}, fmt.Errorf("nada: jar %q value %q has type %s, want %s", j.Party, name, v.Type, want)
	}
	return v, nil
}
