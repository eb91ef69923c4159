package config

import (
	"reflect"
)

// DeepMerge copies the non-zero fields of src into dst, recursing into
// structs. Slices from src are appended to dst. Both must be pointers to the
// same struct type. A zero field in src never overrides dst, so a boolean
// can only be turned on this way.
func DeepMerge(dst, src any) {
	dstVal := reflect.ValueOf(dst)
	srcVal := reflect.ValueOf(src)

	if dstVal.Kind() != reflect.Ptr || srcVal.Kind() != reflect.Ptr {
		return
	}
	if dstVal.IsNil() || srcVal.IsNil() || dstVal.Type() != srcVal.Type() {
		return
	}

	mergeValues(dstVal.Elem(), srcVal.Elem())
}

func mergeValues(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			mergeValues(dst.Field(i), src.Field(i))
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(reflect.AppendSlice(dst, src))
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
