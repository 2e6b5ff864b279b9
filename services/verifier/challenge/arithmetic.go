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

	"github.com/AleutianAI/agentverify/services/verifier/config"
)

// ArithmeticProblem is one expression to evaluate.
type ArithmeticProblem struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

// ArithmeticPayload is the public data of speed_arithmetic.
// The expected submission is an object mapping problem ID to integer result.
type ArithmeticPayload struct {
	Instructions string              `json:"instructions"`
	Problems     []ArithmeticProblem `json:"problems"`
}

const (
	minOperand = 1
	maxOperand = 20

	// maxArithmeticAttempts bounds regeneration of duplicate answers per problem.
	maxArithmeticAttempts = 1000
)

var arithmeticOps = []byte{'+', '-', '*'}

// arithmetic builds p.Count expressions with pairwise distinct answers.
func (g *Generator) arithmetic(p config.ArithmeticPolicy) (ArithmeticPayload, map[string]int64, error) {
	payload := ArithmeticPayload{
		Instructions: "Evaluate each expression with standard operator precedence. Answer with an object mapping problem id to integer result.",
		Problems:     make([]ArithmeticProblem, 0, p.Count),
	}
	answers := make(map[string]int64, p.Count)
	used := make(map[int64]struct{}, p.Count)

	for i := 1; i <= p.Count; i++ {
		var (
			expr  string
			value int64
			found bool
		)
		for attempt := 0; attempt < maxArithmeticAttempts; attempt++ {
			expr, value = g.expression()
			if _, dup := used[value]; !dup {
				found = true
				break
			}
		}
		if !found {
			return ArithmeticPayload{}, nil, fmt.Errorf("could not generate %d distinct arithmetic answers", p.Count)
		}
		used[value] = struct{}{}
		id := fmt.Sprintf("a%d", i)
		payload.Problems = append(payload.Problems, ArithmeticProblem{ID: id, Expression: expr})
		answers[id] = value
	}
	return payload, answers, nil
}

// expression returns one expression and its value. Shapes:
//
//	a op b
//	a op b op c
//	(a op b) op c
//	a op (b op c)
func (g *Generator) expression() (string, int64) {
	a := int64(g.between(minOperand, maxOperand))
	b := int64(g.between(minOperand, maxOperand))
	c := int64(g.between(minOperand, maxOperand))
	op1 := arithmeticOps[g.rng.IntN(len(arithmeticOps))]
	op2 := arithmeticOps[g.rng.IntN(len(arithmeticOps))]

	switch g.rng.IntN(4) {
	case 0:
		return fmt.Sprintf("%d %c %d", a, op1, b), apply(a, b, op1)
	case 1:
		expr := fmt.Sprintf("%d %c %d %c %d", a, op1, b, op2, c)
		if op2 == '*' && op1 != '*' {
			return expr, apply(a, apply(b, c, op2), op1)
		}
		return expr, apply(apply(a, b, op1), c, op2)
	case 2:
		return fmt.Sprintf("(%d %c %d) %c %d", a, op1, b, op2, c), apply(apply(a, b, op1), c, op2)
	default:
		return fmt.Sprintf("%d %c (%d %c %d)", a, op1, b, op2, c), apply(a, apply(b, c, op2), op1)
	}
}

func apply(x, y int64, op byte) int64 {
	switch op {
	case '+':
		return x + y
	case '-':
		return x - y
	default:
		return x * y
	}
}
