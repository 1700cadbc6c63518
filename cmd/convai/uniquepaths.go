// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// shortNames returns for each model directory the shortest name that distinguishes it from the
// others: the path component where they differ, or "first...last" differing components when
// they differ in more than one place.
func shortNames(dirs ...string) []string {
	if len(dirs) == 1 {
		return []string{filepath.Base(filepath.Clean(dirs[0]))}
	}
	parts := make([][]string, len(dirs))
	for ii, dir := range dirs {
		parts[ii] = strings.Split(filepath.Clean(dir), string(filepath.Separator))
	}
	names := make([]string, len(dirs))
	for ii, components := range parts {
		var diffs []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[diffs[0]]
		default:
			names[ii] = components[diffs[0]] + "..." + components[diffs[len(diffs)-1]]
		}
	}
	return names
}
