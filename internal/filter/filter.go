// Package filter decides which enqueue attempts are worth observing.
//
// The predicate is an expr-lang expression compiled once at attach and evaluated on
// every intercepted call, for example:
//
//	proto == 6
//	proto == 6 && (sport == 5201 || dport == 5201)
//	proto == 17 && len > 1200
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultExpression observes TCP only.
const DefaultExpression = "proto == 6"

// Env is the evaluation environment exposed to filter expressions.
type Env struct {
	Proto    int `expr:"proto"`
	SrcPort  int `expr:"sport"`
	DstPort  int `expr:"dport"`
	Len      int `expr:"len"`
	QueueLen int `expr:"qlen"`
}

// Filter is a compiled predicate. A nil *Filter matches everything.
type Filter struct {
	program *vm.Program
	source  string
}

// Compile compiles source into a Filter. An empty source matches everything.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return nil, nil
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", source, err)
	}

	return &Filter{
		program: program,
		source:  source,
	}, nil
}

// Match reports whether env passes the filter. Evaluation errors count as no match.
func (f *Filter) Match(env Env) bool {
	if f == nil {
		return true
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// String returns the expression source.
func (f *Filter) String() string {
	if f == nil {
		return "true"
	}
	return f.source
}
