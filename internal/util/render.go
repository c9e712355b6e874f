package util

import (
	"github.com/loykin/kmsconverge/pkg/env"
)

// RenderAnyTemplate walks decoded config structures (map[string]any, []any)
// and renders every string value against the facts. Strings that fail to
// render are kept unchanged.
func RenderAnyTemplate(in interface{}, f *env.Facts) interface{} {
	var fn func(v interface{}) interface{}
	fn = func(v interface{}) interface{} {
		switch t := v.(type) {
		case map[string]interface{}:
			m := make(map[string]interface{}, len(t))
			for k, vv := range t {
				m[k] = fn(vv)
			}
			return m
		case []interface{}:
			arr := make([]interface{}, len(t))
			for i := range t {
				arr[i] = fn(t[i])
			}
			return arr
		case string:
			if f == nil {
				return t
			}
			return f.RenderOr(t)
		default:
			return v
		}
	}
	return fn(in)
}
