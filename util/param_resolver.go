package util

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{{\s*([^{}]+?)\s*}}`)

// ResolveTemplate replaces {{path}} tokens with values looked up in data.
// Paths are dotted (metadata.plan) or jsonpath ($.metadata.plan); tokens
// that do not resolve render as an empty string.
func ResolveTemplate(text string, data map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		match := tokenPattern.FindStringSubmatch(token)
		if len(match) < 2 {
			return ""
		}
		value, ok := Lookup(data, match[1])
		if !ok || value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}

func Lookup(data map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	value, err := jsonpath.JsonPathLookup(data, path)
	if err != nil {
		return nil, false
	}
	return value, true
}

// ResolveParams renders every string in params, recursing into maps and lists.
func ResolveParams(params map[string]any, data map[string]any) map[string]any {
	output := make(map[string]any, len(params))
	resolveParams(data, params, output)
	return output
}

func resolveParams(data map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		output[k] = resolveValue(data, v)
	}
}

func resolveList(data map[string]any, list []any) []any {
	output := make([]any, 0, len(list))
	for _, v := range list {
		output = append(output, resolveValue(data, v))
	}
	return output
}

func resolveValue(data map[string]any, v any) any {
	if str, ok := v.(string); ok {
		return ResolveTemplate(str, data)
	}
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		resolveParams(data, m, out)
		return out
	}
	if l, ok := asList(v); ok {
		return resolveList(data, l)
	}
	return v
}

var mapType = reflect.TypeOf(map[string]any{})
var listType = reflect.TypeOf([]any{})

// asMap also accepts named map types such as decoded bson documents.
func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.Map && rv.Type().ConvertibleTo(mapType) {
		return rv.Convert(mapType).Interface().(map[string]any), true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().ConvertibleTo(listType) {
		return rv.Convert(listType).Interface().([]any), true
	}
	return nil, false
}
