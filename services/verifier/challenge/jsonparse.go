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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// JSONQuery asks for the leaf value at Path.
type JSONQuery struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// JSONParsePayload is the public data of speed_json_parse.
// The expected submission maps query ID to the leaf value.
type JSONParsePayload struct {
	Instructions string         `json:"instructions"`
	Document     map[string]any `json:"document"`
	Queries      []JSONQuery    `json:"queries"`
}

var vocabulary = []string{
	"alpha", "beacon", "cargo", "delta", "ember", "falcon", "garnet",
	"harbor", "indigo", "juniper", "kelvin", "lumen", "meridian", "nectar",
	"orbit", "prism", "quartz", "raven", "sierra", "tundra", "umber",
	"vertex", "willow", "xenon", "yonder", "zephyr",
}

const maxDocumentAttempts = 100

// leaf is a generated scalar with the path that addresses it.
type leaf struct {
	path  string
	level int
	value any
}

// jsonParse builds a nested document and p.Queries distinct leaf queries.
func (g *Generator) jsonParse(p config.JSONParsePolicy) (JSONParsePayload, map[string]json.RawMessage, error) {
	for attempt := 0; attempt < maxDocumentAttempts; attempt++ {
		depth := g.between(p.MinDepth, p.MaxDepth)
		var leaves []leaf
		doc := g.object(1, depth, "", &leaves)
		if len(leaves) < p.Queries {
			continue
		}

		chosen, raws, err := g.pickLeaves(leaves, p.Queries)
		if err != nil {
			return JSONParsePayload{}, nil, err
		}
		if len(chosen) < p.Queries {
			continue
		}
		payload := JSONParsePayload{
			Instructions: "Extract the value at each path. Keys are joined with '.', array positions use [n] and are zero based. Answer with an object mapping query id to the value.",
			Document:     doc,
			Queries:      make([]JSONQuery, 0, len(chosen)),
		}
		answers := make(map[string]json.RawMessage, len(chosen))
		for i, lf := range chosen {
			id := fmt.Sprintf("q%d", i+1)
			payload.Queries = append(payload.Queries, JSONQuery{ID: id, Path: lf.path})
			answers[id] = raws[i]
		}
		return payload, answers, nil
	}
	return JSONParsePayload{}, nil, fmt.Errorf("could not generate a document with %d leaves", p.Queries)
}

// pickLeaves prefers leaves at level 3 or deeper, then fills from the rest.
// Bool leaves are never queried and no two picked leaves share a value, so
// a constant guess scores at most one query. Returns fewer than n leaves
// when the document has too few distinct candidates.
func (g *Generator) pickLeaves(leaves []leaf, n int) ([]leaf, []json.RawMessage, error) {
	g.rng.Shuffle(len(leaves), func(i, j int) { leaves[i], leaves[j] = leaves[j], leaves[i] })
	picked := make([]leaf, 0, n)
	raws := make([]json.RawMessage, 0, n)
	used := make(map[string]bool, n)
	take := func(deep bool) error {
		for _, lf := range leaves {
			if len(picked) == n {
				return nil
			}
			if (lf.level >= 3) != deep {
				continue
			}
			if _, isBool := lf.value.(bool); isBool {
				continue
			}
			raw, err := json.Marshal(lf.value)
			if err != nil {
				return fmt.Errorf("encode leaf %s: %w", lf.path, err)
			}
			if used[string(raw)] {
				continue
			}
			used[string(raw)] = true
			picked = append(picked, lf)
			raws = append(raws, raw)
		}
		return nil
	}
	if err := take(true); err != nil {
		return nil, nil, err
	}
	if err := take(false); err != nil {
		return nil, nil, err
	}
	g.rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
		raws[i], raws[j] = raws[j], raws[i]
	})
	return picked, raws, nil
}

// node returns a container while level <= depth, else a scalar.
func (g *Generator) node(level, depth int, path string, leaves *[]leaf) any {
	if level > depth {
		return g.scalar(level, path, leaves)
	}
	if g.rng.IntN(100) < 65 {
		return g.object(level, depth, path, leaves)
	}
	return g.array(level, depth, path, leaves)
}

// object builds a map. Its first child always descends so the document
// reaches the full depth.
func (g *Generator) object(level, depth int, path string, leaves *[]leaf) map[string]any {
	n := g.between(2, 3)
	perm := g.rng.Perm(len(vocabulary))
	obj := make(map[string]any, n)
	for i := 0; i < n; i++ {
		key := vocabulary[perm[i]]
		child := key
		if path != "" {
			child = path + "." + key
		}
		obj[key] = g.child(i == 0, level, depth, child, leaves)
	}
	return obj
}

// array builds a slice with the same spine rule as object.
func (g *Generator) array(level, depth int, path string, leaves *[]leaf) []any {
	n := g.between(2, 4)
	arr := make([]any, n)
	for i := 0; i < n; i++ {
		arr[i] = g.child(i == 0, level, depth, path+"["+strconv.Itoa(i)+"]", leaves)
	}
	return arr
}

func (g *Generator) child(spine bool, level, depth int, path string, leaves *[]leaf) any {
	if spine || g.rng.IntN(2) == 0 {
		return g.node(level+1, depth, path, leaves)
	}
	return g.scalar(level+1, path, leaves)
}

// scalar emits an int, string or (rarely) bool leaf and records it. Bools
// only pad the document; pickLeaves never queries them.
func (g *Generator) scalar(level int, path string, leaves *[]leaf) any {
	var v any
	switch r := g.rng.IntN(8); {
	case r < 4:
		v = int64(g.rng.IntN(10000))
	case r < 7:
		v = vocabulary[g.rng.IntN(len(vocabulary))] + "-" + strconv.Itoa(g.rng.IntN(1000))
	default:
		v = g.rng.IntN(2) == 0
	}
	*leaves = append(*leaves, leaf{path: path, level: level, value: v})
	return v
}
