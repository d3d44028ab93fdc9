// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedParams(t *testing.T) {
	p := New()

	//	Scope: "/": { "x":10, "y": 20, "z": 40 }
	//	Scope: "/a": { "y": 30 }
	//	Scope: "/a/b": { "x": 100 }
	p.Set("/", "x", 10).Set("/", "y", 20).SetRoot("z", 40)
	p.Set("/a", "y", 30)
	p.Set("/a/b/", "x", 100)

	value, found := p.Get("/a/b", "x")
	assert.True(t, found)
	assert.Equal(t, 100, value)

	value, found = p.Get("/a/b", "y")
	assert.True(t, found)
	assert.Equal(t, 30, value)

	value, found = p.Get("/a/b", "z")
	assert.True(t, found)
	assert.Equal(t, 40, value)

	_, found = p.Get("/a/b", "w")
	assert.False(t, found)

	value, found = p.Get("/d/e/f", "z")
	assert.True(t, found)
	assert.Equal(t, 40, value)

	// Relative scopes are relative to the root.
	value, found = p.Get("a", "y")
	assert.True(t, found)
	assert.Equal(t, 30, value)

	want := []struct {
		scope string
		key   string
		value int
	}{
		{"/", "x", 10},
		{"/", "y", 20},
		{"/", "z", 40},
		{"/a", "y", 30},
		{"/a/b", "x", 100},
	}
	var got []struct {
		scope string
		key   string
		value int
	}
	p.Enumerate(func(scope, key string, value any) {
		got = append(got, struct {
			scope string
			key   string
			value int
		}{scope, key, value.(int)})
	})
	assert.Equal(t, want, got)

	require.Panics(t, func() { p.Set("a", "x", 1) })

	// Clone is independent.
	p2 := p.Clone()
	p2.SetRoot("x", 11)
	value, _ = p.Get("/", "x")
	assert.Equal(t, 10, value)
}

func TestGetParamOr(t *testing.T) {
	p := New().SetRoot("epsilon", 1e-6).SetRoot("iterations", 2).SetRoot("name", "sagan").SetRoot("unset", nil)
	p.Set("/value", "iterations", 3.0)

	assert.Equal(t, 1e-6, GetParamOr(p, "/query", "epsilon", 1e-12))
	assert.Equal(t, 2, GetParamOr(p, "/query", "iterations", 1))
	assert.Equal(t, 3, GetParamOr(p, "/value", "iterations", 1), "float64 converted to int")
	assert.Equal(t, float32(2), GetParamOr(p, "/", "iterations", float32(1)), "int converted to float32")
	assert.Equal(t, 7, GetParamOr(p, "/", "missing", 7))
	assert.Equal(t, 7, GetParamOr(p, "/", "unset", 7))
	assert.Equal(t, 7, GetParamOr[int](nil, "/", "iterations", 7))
	require.Panics(t, func() { GetParamOr(p, "/", "name", 1) })
}

func TestSplitAndJoinScope(t *testing.T) {
	scope, name := SplitScope("/value/spectral_norm_epsilon")
	assert.Equal(t, "/value", scope)
	assert.Equal(t, "spectral_norm_epsilon", name)

	scope, name = SplitScope("/sagan_seed")
	assert.Equal(t, RootScope, scope)
	assert.Equal(t, "sagan_seed", name)

	scope, name = SplitScope("sagan_seed")
	assert.Equal(t, "", scope)
	assert.Equal(t, "sagan_seed", name)

	assert.Equal(t, "/query", JoinScope("/", "query"))
	assert.Equal(t, "/attention/query", JoinScope("/attention", "query"))
	assert.Equal(t, "/attention/query", JoinScope("/attention/", "query"))
}
