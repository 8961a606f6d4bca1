// Package jsonx holds strict JSON binding helpers for low-trust request
// bodies.
package jsonx

import "encoding/json"

// Field[T] tracks key presence, distinguishing a missing key from an explicit
// null:
//   - IsSet() == true  => the key appeared (even as null)
//   - IsNull() == true => the key appeared and was JSON null
type Field[T any] struct {
	set bool
	val *T
}

func (o Field[T]) IsSet() bool  { return o.set }
func (o Field[T]) IsNull() bool { return o.set && o.val == nil }
func (o Field[T]) Value() *T    { return o.val }

func (o *Field[T]) UnmarshalJSON(b []byte) error {
	if string(trimSpace(b)) == "null" {
		o.set, o.val = true, nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.set, o.val = true, &v
	return nil
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\n' || b[i] == '\t' || b[i] == '\r') {
		i++
	}
	j := len(b) - 1
	for j >= i && (b[j] == ' ' || b[j] == '\n' || b[j] == '\t' || b[j] == '\r') {
		j--
	}
	return b[i : j+1]
}
