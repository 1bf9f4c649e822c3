// Package helpers holds fail-fast checks used by constructors.
package helpers

import "reflect"

// StrPanic panics with msg if s is empty; otherwise returns s.
func StrPanic(s string, msg string) string {
	if s == "" {
		panic(msg)
	}
	return s
}

// NilPanic panics with msg if v is nil, including typed nil pointers, maps,
// slices, channels, funcs and interfaces; otherwise returns v.
func NilPanic[T any](v T, msg string) T {
	if isNil(v) {
		panic(msg)
	}
	return v
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
