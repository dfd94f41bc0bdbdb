package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveTemplate(t *testing.T) {
	data := map[string]any{
		"firstName": "Jane",
		"email":     "jane@example.com",
		"metadata":  map[string]any{"plan": "pro", "seats": 3},
	}
	require.Equal(t, "Hi Jane, your pro plan has 3 seats",
		ResolveTemplate("Hi {{firstName}}, your {{ metadata.plan }} plan has {{metadata.seats}} seats", data))
	require.Equal(t, "Hi , welcome", ResolveTemplate("Hi {{lastName}}, welcome", data))
	require.Equal(t, "jane@example.com", ResolveTemplate("{{$.email}}", data))
	require.Equal(t, "no tokens", ResolveTemplate("no tokens", data))
}

func TestResolveParams(t *testing.T) {
	data := map[string]any{"firstName": "Jane", "metadata": map[string]any{"plan": "pro"}}
	params := map[string]any{
		"greeting": "hello {{firstName}}",
		"nested":   map[string]any{"plan": "{{metadata.plan}}", "n": 1},
		"list":     []any{"{{firstName}}", 2, []any{"{{metadata.plan}}"}},
	}
	out := ResolveParams(params, data)
	require.Equal(t, "hello Jane", out["greeting"])
	require.Equal(t, map[string]any{"plan": "pro", "n": 1}, out["nested"])
	require.Equal(t, []any{"Jane", 2, []any{"pro"}}, out["list"])
	require.Equal(t, "hello {{firstName}}", params["greeting"], "input is not modified")
}

type namedDoc map[string]any
type namedList []any

func TestResolveParamsNamedTypes(t *testing.T) {
	data := map[string]any{"firstName": "Jane"}
	out := ResolveParams(map[string]any{
		"doc":  namedDoc{"name": "{{firstName}}"},
		"list": namedList{"{{firstName}}"},
	}, data)
	require.Equal(t, map[string]any{"name": "Jane"}, out["doc"])
	require.Equal(t, []any{"Jane"}, out["list"])
}
