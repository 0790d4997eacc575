// Package expr compiles band-math expressions such as "(b4-b1)/(b4+b1)".
//
// Grammar: numbers, band references b1..bN, + - * /, unary sign and
// parentheses. Several outputs are separated by ';'.
package expr

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrSyntax reports an expression outside the grammar.
var ErrSyntax = errors.New("invalid expression")

// Program is a compiled expression.
type Program struct {
	src     string
	outputs []node
	bands   []int
}

type node func(in []float64) float64

// Compile parses src.
func Compile(src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty", ErrSyntax)
	}
	p := &Program{src: src}
	slots := make(map[int]int)
	var parts []ast.Expr
	for _, part := range strings.Split(src, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		e, err := parser.ParseExpr(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, part, err)
		}
		if err := collect(e, slots); err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no output", ErrSyntax)
	}

	for b := range slots {
		p.bands = append(p.bands, b)
	}
	sort.Ints(p.bands)
	for i, b := range p.bands {
		slots[b] = i
	}
	for _, e := range parts {
		n, err := build(e, slots)
		if err != nil {
			return nil, err
		}
		p.outputs = append(p.outputs, n)
	}
	return p, nil
}

// Bands returns the referenced 1-based band indices in ascending order.
// Eval expects its input in the same order.
func (p *Program) Bands() []int { return p.bands }

// Outputs is the number of values Eval produces.
func (p *Program) Outputs() int { return len(p.outputs) }

func (p *Program) String() string { return p.src }

// Eval computes every output for one pixel. in holds one value per entry of
// Bands. Division by zero yields ±Inf or NaN; callers treat non-finite
// results as masked.
func (p *Program) Eval(in, out []float64) {
	for i, n := range p.outputs {
		out[i] = n(in)
	}
}

func bandIndex(name string) (int, bool) {
	if len(name) < 2 || (name[0] != 'b' && name[0] != 'B') {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func collect(e ast.Expr, slots map[int]int) error {
	var err error
	ast.Inspect(e, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		if id, ok := n.(*ast.Ident); ok {
			b, ok := bandIndex(id.Name)
			if !ok {
				err = fmt.Errorf("%w: unknown name %q", ErrSyntax, id.Name)
				return false
			}
			slots[b] = 0
		}
		return true
	})
	return err
}

func build(e ast.Expr, slots map[int]int) (node, error) {
	switch e := e.(type) {
	case *ast.ParenExpr:
		return build(e.X, slots)

	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("%w: literal %s", ErrSyntax, e.Value)
		}
		v, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: literal %s", ErrSyntax, e.Value)
		}
		return func([]float64) float64 { return v }, nil

	case *ast.Ident:
		b, _ := bandIndex(e.Name)
		i := slots[b]
		return func(in []float64) float64 { return in[i] }, nil

	case *ast.UnaryExpr:
		x, err := build(e.X, slots)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.SUB:
			return func(in []float64) float64 { return -x(in) }, nil
		case token.ADD:
			return x, nil
		}
		return nil, fmt.Errorf("%w: operator %s", ErrSyntax, e.Op)

	case *ast.BinaryExpr:
		x, err := build(e.X, slots)
		if err != nil {
			return nil, err
		}
		y, err := build(e.Y, slots)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD:
			return func(in []float64) float64 { return x(in) + y(in) }, nil
		case token.SUB:
			return func(in []float64) float64 { return x(in) - y(in) }, nil
		case token.MUL:
			return func(in []float64) float64 { return x(in) * y(in) }, nil
		case token.QUO:
			return func(in []float64) float64 { return divide(x(in), y(in)) }, nil
		}
		return nil, fmt.Errorf("%w: operator %s", ErrSyntax, e.Op)
	}
	return nil, fmt.Errorf("%w: unsupported construct %T", ErrSyntax, e)
}

func divide(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return math.NaN()
		}
		return math.Inf(int(math.Copysign(1, a)))
	}
	return a / b
}
