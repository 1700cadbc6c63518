// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "learning_rate=1e-5;num_train_epochs=3;...".
//
// The keys are the JSON names of the fields of target, which must be a pointer to a struct
// (e.g. *convai.Args). The current values of target define the type to which each value is
// parsed. Fields holding a null pointer (e.g. "manual_seed") accept a number.
//
// For numbers, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads the settings from a file, with new-lines working as ";" and lines
// starting with "#" taken as comments.
//
// It returns the keys set, in order, or an error if a key is unknown or a value can't be parsed.
func ParseSettings(target any, settings string) (paramsSet []string, err error) {
	current, err := jsonFields(target)
	if err != nil {
		return nil, err
	}
	patch := make(map[string]json.RawMessage)
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(current, patch, setting, paramsSet)
		if err != nil {
			return nil, err
		}
	}
	if len(patch) == 0 {
		return paramsSet, nil
	}
	// Apply the values one at a time, so errors name the offending key.
	for _, key := range paramsSet {
		value, found := patch[key]
		if !found {
			continue
		}
		data, _ := json.Marshal(map[string]json.RawMessage{key: value})
		if err := json.Unmarshal(data, target); err != nil {
			return nil, errors.Wrapf(err, "failed to parse value %s for setting %q (default value is %s)",
				value, key, current[key])
		}
		delete(patch, key)
	}
	return paramsSet, nil
}

func parseSetting(current, patch map[string]json.RawMessage, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath := fsutil.MustReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(current, patch, s, paramsSet)
				if err != nil {
					return nil, err
				}
			}
		}
		return paramsSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	key = strings.TrimSpace(key)
	defaultValue, known := current[key]
	if !known {
		keys := maps.Keys(current)
		slices.Sort(keys)
		return nil, errors.Errorf("unknown setting %q, valid keys are %q", key, keys)
	}
	var value json.RawMessage
	switch trimmed := bytes.TrimSpace(defaultValue); {
	case len(trimmed) > 0 && trimmed[0] == '"':
		value, _ = json.Marshal(valueStr)
	case bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")):
		value = json.RawMessage(strings.TrimSpace(valueStr))
	case len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{'):
		value = json.RawMessage(valueStr)
	default:
		// Numbers and null pointers to numbers.
		value = json.RawMessage(strings.ReplaceAll(strings.TrimSpace(valueStr), "_", ""))
	}
	if !json.Valid(value) {
		return nil, errors.Errorf("failed to parse value %q for setting %q (default value is %s)", valueStr, key, defaultValue)
	}
	patch[key] = value
	return append(paramsSet, key), nil
}

// jsonFields returns the JSON encoding of each field of target.
func jsonFields(target any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(target)
	if err != nil {
		return nil, errors.Wrapf(err, "can't encode settings target %T", target)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "settings target %T is not a struct", target)
	}
	return fields, nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the settings of target and their defaults.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		args := convai.DefaultArgs()
//		settings := commandline.CreateSettingsFlag(args, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseSettings(args, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintModifiedSettings(args, paramsSet))
//		...
//	}
func CreateSettingsFlag(target any, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set model arguments. ` +
			`It should be a list of elements "key=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available keys that can be set:`,
	}
	fields, err := jsonFields(target)
	if err == nil {
		keys := maps.Keys(fields)
		slices.Sort(keys)
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%q: default value is %s", key, fields[key]))
		}
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints all the settings of target into a string.
func SprintSettings(target any) string {
	fields, err := jsonFields(target)
	if err != nil {
		return err.Error()
	}
	keys := maps.Keys(fields)
	slices.Sort(keys)
	var parts []string
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("\t%q: %s", key, fields[key]))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the settings in paramsSet (as returned by ParseSettings).
func SprintModifiedSettings(target any, paramsSet []string) string {
	fields, err := jsonFields(target)
	if err != nil {
		return err.Error()
	}
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	var parts []string
	for _, key := range slices.Compact(paramsSet) {
		if value, found := fields[key]; found {
			parts = append(parts, fmt.Sprintf("\t%q: %s", key, value))
		}
	}
	return strings.Join(parts, "\n")
}
