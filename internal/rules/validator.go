// Package rules implements the Rules Engine: the constitutional
// validator that evaluates a proposed action against Constitution
// clauses and returns a Decision with citations. Each validator is a
// function folding its clause results into one Decision; composition,
// not inheritance, aggregates them.
package rules

import (
	"github.com/trueasset/alluse-core/internal/constitution"
	"github.com/trueasset/alluse-core/pkg/types"
)

// validator evaluates one concern of one action kind against the
// Constitution, folding its result into the Decision being built. The
// per-action functions in this package (validateOpenPosition and its
// siblings) follow the same pattern but take their own typed context
// rather than any; Engine.dispatch calls them directly.
type validator func(c *constitution.Constitution, ctx any, d *types.Decision)
