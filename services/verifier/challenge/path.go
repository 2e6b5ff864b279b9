// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package challenge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPathNotFound is returned when a path does not address a value.
var ErrPathNotFound = errors.New("path not found")

// pathStep is one hop of a parsed path.
type pathStep struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

// parsePath parses paths like "a.b[2].c", "items[].sku" and "m[0][1]".
func parsePath(path string) ([]pathStep, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var steps []pathStep
	for _, seg := range strings.Split(path, ".") {
		key, rest, _ := strings.Cut(seg, "[")
		if key == "" && len(steps) == 0 {
			return nil, fmt.Errorf("path %q must start with a key", path)
		}
		if key != "" {
			steps = append(steps, pathStep{key: key})
		}
		if rest == "" {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("path %q: unexpected %q", path, rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated index", path)
			}
			inner := rest[1:end]
			if inner == "" {
				steps = append(steps, pathStep{wildcard: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("path %q: bad index %q", path, inner)
				}
				steps = append(steps, pathStep{isIndex: true, index: n})
			}
			rest = rest[end+1:]
		}
	}
	return steps, nil
}

// Select returns every value addressed by path in a decoded JSON document.
// "[]" fans out over all elements of an array.
func Select(doc any, path string) ([]any, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	current := []any{doc}
	for _, st := range steps {
		var next []any
		for _, v := range current {
			switch {
			case st.key != "":
				obj, ok := v.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
				}
				child, ok := obj[st.key]
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
				}
				next = append(next, child)
			case st.wildcard:
				arr, ok := v.([]any)
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
				}
				next = append(next, arr...)
			default:
				arr, ok := v.([]any)
				if !ok || st.index >= len(arr) {
					return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
				}
				next = append(next, arr[st.index])
			}
		}
		current = next
	}
	return current, nil
}

// Resolve returns the single value at a path without wildcards.
func Resolve(doc any, path string) (any, error) {
	if strings.Contains(path, "[]") {
		return nil, fmt.Errorf("path %q: wildcard not allowed", path)
	}
	values, err := Select(doc, path)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}
