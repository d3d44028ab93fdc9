// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/sagan/pkg/ml/params"
	"github.com/gomlx/sagan/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the root scope of p. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates p accordingly and returns the list of parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// One can also provide a scope for the parameters: "/value/spectral_norm_epsilon=1e-6"
// will work, as long as a default "spectral_norm_epsilon" is defined in the root scope.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from the file, one or more per line, and lines
// starting with "#" are comments.
func ParseSettings(p *params.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(p, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(p *params.Params, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		return parseSettingsFile(p, strings.TrimPrefix(setting, "file:"), paramsSet)
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"",
			setting)
	}
	paramPath, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	paramScope, paramName := params.SplitScope(paramPath)
	if strings.Contains(paramName, params.ScopeSeparator) || (paramScope == "" && strings.Contains(paramPath, params.ScopeSeparator)) {
		return paramsSet, errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, params.ScopeSeparator)
	}
	if paramScope == "" {
		paramScope = params.RootScope
	}
	defaultValue, found := p.Get(params.RootScope, paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root scope",
			paramPath, paramScope, paramName)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	p.Set(paramScope, paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(p *params.Params, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return paramsSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseSetting(p, setting, paramsSet)
			if err != nil {
				return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalNumber[int](valueStr)
	case int64:
		return unmarshalNumber[int64](valueStr)
	case uint64:
		return unmarshalNumber[uint64](valueStr)
	case float64:
		return unmarshalNumber[float64](valueStr)
	case float32:
		return unmarshalNumber[float32](valueStr)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return unmarshalList[int](valueStr)
	case []float64:
		return unmarshalList[float64](valueStr)
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func unmarshalNumber[T int | int64 | uint64 | float32 | float64](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
	return v, err
}

func unmarshalList[T int | float64](valueStr string) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := unmarshalNumber[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in the root scope of p.
//
// The flag should be created before the call to `flag.Parse()`.
//
// Example usage:
//
//	func main() {
//		p := createDefaultParams()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseSettings(p, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintModifiedSettings(p, paramsSet))
//		...
//	}
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Set hyperparameters of the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`,
		params.ScopeSeparator))
	p.Enumerate(func(scope, key string, value any) {
		if scope != params.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints all hyperparameters as a table.
func SprintSettings(p *params.Params) string {
	table := newTable("Parameter", "Type", "Value")
	p.Enumerate(func(scope, key string, value any) {
		table.Row(params.JoinScope(scope, key), fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return table.String()
}

// SprintModifiedSettings pretty-prints the values of the parameters in paramsSet (as returned by
// ParseSettings), each listed once.
func SprintModifiedSettings(p *params.Params, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
		paramScope, paramName := params.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = params.RootScope
		}
		value, found := p.Get(paramScope, paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
