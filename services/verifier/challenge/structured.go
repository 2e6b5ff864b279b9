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
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// ConstraintKind names a structured-output rule.
type ConstraintKind string

const (
	KindRequiredField ConstraintKind = "required_field"
	KindArrayLength   ConstraintKind = "array_length"
	KindSumEquals     ConstraintKind = "sum_equals"
	KindDateAfter     ConstraintKind = "date_after"
	KindCountEquals   ConstraintKind = "count_equals"
	KindStringPrefix  ConstraintKind = "string_prefix"
	KindRange         ConstraintKind = "range"
)

// Constraint is one rule the submitted object must satisfy.
//
// # Fields
//
// Field addresses the value under test; "items[].x" applies the rule to
// every element. Only the parameters of the constraint's Kind are set:
//
//   - array_length: Length
//   - sum_equals: Of (values summed; Field must equal the sum)
//   - date_after: After (literal date) or AfterField (another field)
//   - count_equals: Where, Equals, Count (elements of Field whose Where equals Equals)
//   - string_prefix: Prefix
//   - range: Min, Max (inclusive)
type Constraint struct {
	ID          string         `json:"id"`
	Kind        ConstraintKind `json:"kind"`
	Hard        bool           `json:"hard"`
	Field       string         `json:"field"`
	Length      int            `json:"length,omitempty"`
	Of          string         `json:"of,omitempty"`
	After       string         `json:"after,omitempty"`
	AfterField  string         `json:"after_field,omitempty"`
	Where       string         `json:"where,omitempty"`
	Equals      string         `json:"equals,omitempty"`
	Count       int            `json:"count,omitempty"`
	Prefix      string         `json:"prefix,omitempty"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	Description string         `json:"description"`
}

// ConstraintSet is the answer key of structured_output. The constraints are
// also public; the examinee must produce an object that satisfies them.
type ConstraintSet struct {
	Constraints []Constraint `json:"constraints"`
}

// StructuredPayload is the public data of structured_output.
type StructuredPayload struct {
	Instructions string            `json:"instructions"`
	Schema       map[string]string `json:"schema"`
	Constraints  []Constraint      `json:"constraints"`
}

// orderSchema describes the target object. Dates are RFC 3339 full dates.
var orderSchema = map[string]string{
	"order_id":           "string",
	"customer.name":      "string",
	"customer.email":     "string",
	"order_date":         "date (YYYY-MM-DD)",
	"ship_date":          "date (YYYY-MM-DD)",
	"items":              "array of line items",
	"items[].sku":        "string",
	"items[].category":   "string",
	"items[].quantity":   "integer",
	"items[].unit_price": "number",
	"items[].line_total": "number",
	"total":              "number",
}

var categories = []string{"hardware", "software", "service", "support"}

// structuredEpoch anchors generated date constraints.
var structuredEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// structured builds the order constraint set. Parameters are randomized
// so the object cannot be precomputed across sessions.
func (g *Generator) structured(p config.StructuredPolicy) (StructuredPayload, ConstraintSet) {
	items := g.between(p.MinItems, p.MaxItems)
	category := categories[g.rng.IntN(len(categories))]
	matching := g.between(1, items)
	prefix := fmt.Sprintf("ORD-%s-", vocabulary[g.rng.IntN(len(vocabulary))][:3])
	maxQty := float64(g.between(5, 20))
	minQty := 1.0
	after := strfmt.Date(structuredEpoch.AddDate(0, 0, g.rng.IntN(365)))

	var cs []Constraint
	add := func(c Constraint) {
		c.ID = fmt.Sprintf("c%d", len(cs)+1)
		cs = append(cs, c)
	}

	for _, field := range []string{"order_id", "customer.name", "customer.email"} {
		add(Constraint{Kind: KindRequiredField, Hard: true, Field: field,
			Description: fmt.Sprintf("%s must be present and non-empty", field)})
	}
	add(Constraint{Kind: KindArrayLength, Hard: true, Field: "items", Length: items,
		Description: fmt.Sprintf("items must contain exactly %d entries", items)})
	add(Constraint{Kind: KindSumEquals, Hard: true, Field: "total", Of: "items[].line_total",
		Description: "total must equal the sum of items[].line_total"})
	add(Constraint{Kind: KindDateAfter, Hard: true, Field: "order_date", After: after.String(),
		Description: fmt.Sprintf("order_date must be after %s", after.String())})
	add(Constraint{Kind: KindDateAfter, Hard: true, Field: "ship_date", AfterField: "order_date",
		Description: "ship_date must be after order_date"})
	add(Constraint{Kind: KindCountEquals, Field: "items", Where: "category", Equals: category, Count: matching,
		Description: fmt.Sprintf("exactly %d items must have category %q", matching, category)})
	add(Constraint{Kind: KindStringPrefix, Field: "order_id", Prefix: prefix,
		Description: fmt.Sprintf("order_id must start with %q", prefix)})
	add(Constraint{Kind: KindRange, Field: "items[].quantity", Min: &minQty, Max: &maxQty,
		Description: fmt.Sprintf("every items[].quantity must be between %.0f and %.0f", minQty, maxQty)})

	payload := StructuredPayload{
		Instructions: "Produce one JSON object matching the schema that satisfies every constraint. Hard constraints are mandatory.",
		Schema:       orderSchema,
		Constraints:  cs,
	}
	return payload, ConstraintSet{Constraints: cs}
}
