// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds hyperparameters that are "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the given scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "spectral_norm_epsilon": 1e-12, "sagan_seed": 3 }
//	Scope: "/value": { "spectral_norm_epsilon": 1e-6 }
//
//	Params.Get("/value", "spectral_norm_epsilon") -> 1e-6
//	Params.Get("/query", "spectral_norm_epsilon") -> 1e-12
//	Params.Get("/query", "sagan_seed") -> 3
//
// Layers read their configuration from a Params with GetParamOr, using their own scope, so a setting
// can be changed for the whole model or only for one of the projections.
//
// "/" (== ScopeSeparator) separates parts of the scope path, and the root scope is referred
// to as "/". Every scope name must start with a ScopeSeparator.
package params

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
)

const (
	// ScopeSeparator separates the parts of a scope path.
	ScopeSeparator = "/"

	// RootScope is the scope of the parameters visible everywhere.
	RootScope = ScopeSeparator
)

// Params provides a mapping from string to any data type that is scoped. It is safe for concurrent use.
type Params struct {
	mu         sync.RWMutex
	scopeToMap map[string]map[string]any
}

// New create an empty Params.
func New() *Params {
	return &Params{scopeToMap: make(map[string]map[string]any)}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	newParams := New()
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = make(map[string]any, len(dataMap))
		for key, value := range dataMap {
			newParams.scopeToMap[scope][key] = value
		}
	}
	return newParams
}

// Set sets the value for the given key, in the given scope. It returns itself, so calls can be cascaded.
//
// It panics if the scope doesn't start with ScopeSeparator.
func (p *Params) Set(scope, key string, value any) *Params {
	if !strings.HasPrefix(scope, ScopeSeparator) {
		exceptions.Panicf("params: scope %q must start with %q", scope, ScopeSeparator)
	}
	scope = normalizeScope(scope)
	p.mu.Lock()
	defer p.mu.Unlock()
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
	return p
}

// SetRoot sets the value for the given key in the root scope.
func (p *Params) SetRoot(key string, value any) *Params {
	return p.Set(RootScope, key, value)
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	if p == nil {
		return nil, false
	}
	scope = normalizeScope(scope)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		if dataMap, ok := p.scopeToMap[scope]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
		if scope == RootScope {
			return nil, false
		}
		scope, _ = SplitScope(scope)
	}
}

// Enumerate calls fn for all parameters, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	p.mu.RLock()
	type entry struct {
		scope, key string
		value      any
	}
	var entries []entry
	for scope, dataMap := range p.scopeToMap {
		for key, value := range dataMap {
			entries = append(entries, entry{scope, key, value})
		}
	}
	p.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].scope != entries[j].scope {
			return entries[i].scope < entries[j].scope
		}
		return entries[i].key < entries[j].key
	})
	for _, e := range entries {
		fn(e.scope, e.key, e.value)
	}
}

// normalizeScope removes a trailing separator, except for the root scope, and makes relative
// scopes (including "") relative to the root scope.
func normalizeScope(scope string) string {
	if !strings.HasPrefix(scope, ScopeSeparator) {
		scope = ScopeSeparator + scope
	}
	if len(scope) > 1 && strings.HasSuffix(scope, ScopeSeparator) {
		scope = scope[:len(scope)-len(ScopeSeparator)]
	}
	return scope
}

// SplitScope splits a path like "/value/spectral_norm_epsilon" into its scope ("/value") and
// name ("spectral_norm_epsilon"). A path without a leading ScopeSeparator has no scope ("").
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// JoinScope appends a sub-scope name to a scope.
func JoinScope(scope, name string) string {
	scope = normalizeScope(scope)
	if scope == RootScope {
		return RootScope + name
	}
	return scope + ScopeSeparator + name
}

// GetParamOr returns the value for the given key, searching from scope up to the root scope, or if the
// key is not found (or set to nil), it returns the given default value.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// If that also fails, it panics with an explaining error.
//
// A nil Params always returns the default value.
func GetParamOr[T any](p *Params, scope, key string, defaultValue T) T {
	valueAny, found := p.Get(scope, key)
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(defaultValue)
	if typeOfT == nil || !v.CanConvert(typeOfT) {
		exceptions.Panicf("GetParamOr[%T](scope=%q, key=%q): value (%T) %#v cannot be converted to %T",
			defaultValue, scope, key, valueAny, valueAny, defaultValue)
	}
	return v.Convert(typeOfT).Interface().(T)
}
