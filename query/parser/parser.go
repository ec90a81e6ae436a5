package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/vmcore/vmcore/index"
	"github.com/vmcore/vmcore/vmerrors"
)

var (
	posInf = math.Inf(1)
	negInf = math.Inf(-1)
	nan    = math.NaN()
)

var aggregateOps = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true, "count": true,
	"topk": true, "bottomk": true, "quantile": true, "stddev": true,
	"stdvar": true, "group": true,
}

// Parse parses a PromQL/MetricsQL expression into a flat-arena AST.
// Errors carry the source position.
func Parse(input string) (*AST, error) {
	p := &parser{lex: newLexer(input), input: input, ast: &AST{}}
	p.next()
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected trailing input %q", p.tok.val)
	}
	p.ast.Root = root
	return p.ast, nil
}

type parser struct {
	lex   *lexer
	input string
	ast   *AST
	tok   token
}

type lexerState struct {
	pos, line, col, braceDepth int
}

func (p *parser) saveLex() lexerState {
	return lexerState{p.lex.pos, p.lex.line, p.lex.col, p.lex.braceDepth}
}

func (p *parser) restoreLex(s lexerState) {
	p.lex.pos, p.lex.line, p.lex.col, p.lex.braceDepth = s.pos, s.line, s.col, s.braceDepth
}

func (p *parser) peek() token {
	s := p.saveLex()
	t := p.lex.next()
	p.restoreLex(s)
	return t
}

func (p *parser) next() {
	p.tok = p.lex.next()
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &vmerrors.ParseError{
		Query:  p.input,
		Offset: p.tok.pos,
		Line:   p.tok.line,
		Col:    p.tok.col,
		Msg:    fmtMsg(format, args...),
	}
}

func fmtMsg(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func (p *parser) expect(k tokenKind) (token, error) {
	if p.tok.kind != k {
		return token{}, p.errorf("expected %s, got %s %q", tokenName(k), tokenName(p.tok.kind), p.tok.val)
	}
	t := p.tok
	p.next()
	return t, nil
}

// parseExpr implements precedence-climbing for PromQL's binary
// operators (arithmetic, comparison, and/or/unless), left-associative
// except '^' (grammar / exponentiation).
func (p *parser) parseExpr(minPrec int) (NodeID, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return noNode, err
	}
	for {
		prec := binaryPrecedence(p.tok.kind)
		if prec == 0 || prec < minPrec {
			return lhs, nil
		}
		op := p.tok
		p.next()

		boolMod := false
		if isComparisonOp(op.kind) && p.tok.kind == tokBool {
			boolMod = true
			p.next()
		}

		matching, err := p.parseVectorMatching()
		if err != nil {
			return noNode, err
		}

		nextMin := prec + 1
		if rightAssociative(op.kind) {
			nextMin = prec
		}
		rhs, err := p.parseExpr(nextMin)
		if err != nil {
			return noNode, err
		}
		lhs = p.ast.add(Node{
			Kind:     KindBinaryExpr,
			Pos:      op.pos,
			BinOp:    opName(op.kind),
			LHS:      lhs,
			RHS:      rhs,
			Matching: matching,
			BoolMod:  boolMod,
		})
	}
}

func opName(k tokenKind) string {
	switch k {
	case tokAdd:
		return "+"
	case tokSub:
		return "-"
	case tokMul:
		return "*"
	case tokDiv:
		return "/"
	case tokMod:
		return "%"
	case tokPow:
		return "^"
	case tokEQL:
		return "=="
	case tokNEQ:
		return "!="
	case tokLSS:
		return "<"
	case tokLTE:
		return "<="
	case tokGTR:
		return ">"
	case tokGTE:
		return ">="
	case tokAnd:
		return "and"
	case tokOr:
		return "or"
	case tokUnless:
		return "unless"
	default:
		return "?"
	}
}

// parseVectorMatching parses an optional on(...)/ignoring(...) clause
// followed by an optional group_left(...)/group_right(...) clause.
func (p *parser) parseVectorMatching() (*VectorMatching, error) {
	if p.tok.kind != tokOn && p.tok.kind != tokIgnoring {
		return nil, nil
	}
	vm := &VectorMatching{On: p.tok.kind == tokOn}
	p.next()
	labels, err := p.parseLabelNameList()
	if err != nil {
		return nil, err
	}
	vm.MatchLabels = labels

	if p.tok.kind == tokGroupLeft || p.tok.kind == tokGroupRight {
		if p.tok.kind == tokGroupLeft {
			vm.Card = "group_left"
		} else {
			vm.Card = "group_right"
		}
		p.next()
		if p.tok.kind == tokLeftParen {
			include, err := p.parseLabelNameList()
			if err != nil {
				return nil, err
			}
			vm.Include = include
		}
	}
	return vm, nil
}

// parseLabelNameList parses "(" ident ("," ident)* ")", used by
// by/without/on/ignoring/group_left/group_right.
func (p *parser) parseLabelNameList() ([]string, error) {
	if _, err := p.expect(tokLeftParen); err != nil {
		return nil, err
	}
	var names []string
	for p.tok.kind != tokRightParen {
		if p.tok.kind != tokIdent && p.tok.kind != tokMetricIdent {
			return nil, p.errorf("expected label name in list, got %q", p.tok.val)
		}
		names = append(names, p.tok.val)
		p.next()
		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRightParen); err != nil {
		return nil, err
	}
	return names, nil
}

func (p *parser) parseUnary() (NodeID, error) {
	if p.tok.kind == tokAdd || p.tok.kind == tokSub {
		neg := p.tok.kind == tokSub
		pos := p.tok.pos
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return noNode, err
		}
		if !neg {
			return child, nil
		}
		return p.ast.add(Node{Kind: KindUnaryExpr, Pos: pos, Child: child, Neg: true}), nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression and any trailing
// range/subquery "[...]", "offset", and "@" modifiers, which bind
// tighter than any binary operator.
func (p *parser) parsePostfix() (NodeID, error) {
	id, err := p.parsePrimary()
	if err != nil {
		return noNode, err
	}
	for {
		switch p.tok.kind {
		case tokLeftBracket:
			id, err = p.parseBracketSuffix(id)
			if err != nil {
				return noNode, err
			}
		case tokOffset:
			p.next()
			neg := false
			if p.tok.kind == tokSub {
				neg = true
				p.next()
			}
			durTok, err := p.expect(tokDuration)
			if err != nil {
				return noNode, err
			}
			d, err := parseDuration(durTok.val)
			if err != nil {
				return noNode, p.errorf("%v", err)
			}
			if neg {
				d = -d
			}
			if err := setOffset(p.ast, id, d); err != nil {
				return noNode, p.errorf("%v", err)
			}
		case tokAt:
			p.next()
			ts, err := p.parseAtTimestamp()
			if err != nil {
				return noNode, err
			}
			if err := setAt(p.ast, id, ts); err != nil {
				return noNode, p.errorf("%v", err)
			}
		default:
			return id, nil
		}
	}
}

func (p *parser) parseAtTimestamp() (int64, error) {
	neg := false
	if p.tok.kind == tokSub {
		neg = true
		p.next()
	}
	numTok, err := p.expect(tokNumber)
	if err != nil {
		return 0, err
	}
	f, perr := strconv.ParseFloat(numTok.val, 64)
	if perr != nil {
		return 0, p.errorf("invalid @ timestamp %q", numTok.val)
	}
	if neg {
		f = -f
	}
	return int64(f * 1000), nil
}

func setOffset(ast *AST, id NodeID, d time.Duration) error {
	n := ast.Get(id)
	switch n.Kind {
	case KindSelector, KindSubquery:
		n.Offset = d
		return nil
	default:
		return &vmerrors.ParseError{Msg: "offset modifier must follow a selector or subquery"}
	}
}

func setAt(ast *AST, id NodeID, ts int64) error {
	n := ast.Get(id)
	switch n.Kind {
	case KindSelector, KindSubquery:
		n.HasAt = true
		n.At = ts
		return nil
	default:
		return &vmerrors.ParseError{Msg: "@ modifier must follow a selector or subquery"}
	}
}

// parseBracketSuffix parses "[" duration ( ":" duration? )? "]",
// producing either a range-vector selector (no colon: must follow a
// Selector) or a subquery (colon present: wraps any expr
// Subquery).
func (p *parser) parseBracketSuffix(id NodeID) (NodeID, error) {
	p.next() // consume '['
	rangeTok, err := p.expect(tokDuration)
	if err != nil {
		return noNode, err
	}
	rangeDur, err := parseDuration(rangeTok.val)
	if err != nil {
		return noNode, p.errorf("%v", err)
	}

	if p.tok.kind == tokColon {
		p.next()
		var step time.Duration
		if p.tok.kind != tokRightBracket {
			stepTok, err := p.expect(tokDuration)
			if err != nil {
				return noNode, err
			}
			step, err = parseDuration(stepTok.val)
			if err != nil {
				return noNode, p.errorf("%v", err)
			}
		}
		if _, err := p.expect(tokRightBracket); err != nil {
			return noNode, err
		}
		return p.ast.add(Node{Kind: KindSubquery, Inner: id, SubRange: rangeDur, SubStep: step}), nil
	}

	if _, err := p.expect(tokRightBracket); err != nil {
		return noNode, err
	}
	n := p.ast.Get(id)
	if n.Kind != KindSelector {
		return noNode, p.errorf("range selector '[...]' must follow a vector selector")
	}
	n.Range = rangeDur
	return id, nil
}

func (p *parser) parsePrimary() (NodeID, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := parseNumber(p.tok.val)
		if err != nil {
			return noNode, p.errorf("invalid number %q", p.tok.val)
		}
		id := p.ast.add(Node{Kind: KindNumberLiteral, Pos: p.tok.pos, Num: f})
		p.next()
		return id, nil
	case tokString:
		id := p.ast.add(Node{Kind: KindStringLiteral, Pos: p.tok.pos, Str: p.tok.val})
		p.next()
		return id, nil
	case tokLeftParen:
		p.next()
		inner, err := p.parseExpr(0)
		if err != nil {
			return noNode, err
		}
		if _, err := p.expect(tokRightParen); err != nil {
			return noNode, err
		}
		return p.ast.add(Node{Kind: KindParenExpr, Child: inner}), nil
	case tokIdent, tokMetricIdent:
		return p.parseIdentLed()
	default:
		return noNode, p.errorf("unexpected token %q", p.tok.val)
	}
}

// parseIdentLed disambiguates a leading identifier into an aggregate
// expression, a function call, or a vector selector, based on the
// identifier's name and whether it is followed by '('.
func (p *parser) parseIdentLed() (NodeID, error) {
	name := p.tok.val
	pos := p.tok.pos
	next := p.peek().kind
	followedByParen := next == tokLeftParen

	if aggregateOps[name] && (followedByParen || next == tokBy || next == tokWithout) {
		return p.parseAggregateExpr(name, pos)
	}
	if followedByParen && p.tok.kind == tokIdent {
		return p.parseFunctionCall(name, pos)
	}
	return p.parseSelector()
}

// parseAggregateExpr parses an aggregate expression. PromQL allows the
// by(...)/without(...) grouping clause either before or after the
// parenthesized argument list ("sum by (job) (m)" and "sum(m) by (job)"
// are both legal), so it is checked in both positions.
func (p *parser) parseAggregateExpr(op string, pos int) (NodeID, error) {
	p.next() // consume op ident

	leading, err := p.maybeParseGrouping()
	if err != nil {
		return noNode, err
	}

	if _, err := p.expect(tokLeftParen); err != nil {
		return noNode, err
	}

	var args []NodeID
	for p.tok.kind != tokRightParen {
		arg, err := p.parseExpr(0)
		if err != nil {
			return noNode, err
		}
		args = append(args, arg)
		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRightParen); err != nil {
		return noNode, err
	}

	grouping := leading
	if grouping == nil {
		grouping, err = p.maybeParseGrouping()
		if err != nil {
			return noNode, err
		}
	}

	n := Node{Kind: KindAggregateExpr, Pos: pos, AggOp: op, Grouping: grouping, AggParam: noNode}
	switch len(args) {
	case 1:
		n.Args = args
	case 2:
		// topk/bottomk/quantile: (param, vector)
		n.AggParam = args[0]
		n.Args = args[1:]
	default:
		return noNode, p.errorf("aggregate %q takes 1 or 2 arguments, got %d", op, len(args))
	}
	return p.ast.add(n), nil
}

func (p *parser) maybeParseGrouping() (*GroupingModifier, error) {
	if p.tok.kind != tokBy && p.tok.kind != tokWithout {
		return nil, nil
	}
	without := p.tok.kind == tokWithout
	p.next()
	labels, err := p.parseLabelNameList()
	if err != nil {
		return nil, err
	}
	return &GroupingModifier{Without: without, Labels: labels}, nil
}

func (p *parser) parseFunctionCall(name string, pos int) (NodeID, error) {
	p.next() // consume ident
	if _, err := p.expect(tokLeftParen); err != nil {
		return noNode, err
	}
	var args []NodeID
	for p.tok.kind != tokRightParen {
		arg, err := p.parseExpr(0)
		if err != nil {
			return noNode, err
		}
		args = append(args, arg)
		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRightParen); err != nil {
		return noNode, err
	}
	return p.ast.add(Node{Kind: KindFunctionCall, Pos: pos, FuncName: name, Args: args}), nil
}

// parseSelector parses a vector selector: an optional leading metric
// name followed by an optional "{matcher,...}" block, producing a
// Label/LabelSet Selector node.
func (p *parser) parseSelector() (NodeID, error) {
	pos := p.tok.pos
	var metricName string
	if p.tok.kind == tokIdent || p.tok.kind == tokMetricIdent {
		metricName = p.tok.val
		p.next()
	}

	var matchers []*index.Matcher
	if metricName != "" {
		m, err := index.NewMatcher(index.MatchEqual, index.MetricName, metricName)
		if err != nil {
			return noNode, p.errorf("%v", err)
		}
		matchers = append(matchers, m)
	}

	if p.tok.kind == tokLeftBrace {
		braceMatchers, err := p.parseLabelMatchers()
		if err != nil {
			return noNode, err
		}
		matchers = append(matchers, braceMatchers...)
	}

	if len(matchers) == 0 {
		return noNode, p.errorf("vector selector must contain a metric name or at least one label matcher")
	}

	return p.ast.add(Node{Kind: KindSelector, Pos: pos, Matchers: matchers}), nil
}

func (p *parser) parseLabelMatchers() ([]*index.Matcher, error) {
	if _, err := p.expect(tokLeftBrace); err != nil {
		return nil, err
	}
	var matchers []*index.Matcher
	for p.tok.kind != tokRightBrace {
		if p.tok.kind != tokIdent && p.tok.kind != tokMetricIdent {
			return nil, p.errorf("expected label name, got %q", p.tok.val)
		}
		name := p.tok.val
		p.next()

		op, err := matchOpFromToken(p.tok.kind)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		p.next()

		valTok, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		m, err := index.NewMatcher(op, name, valTok.val)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		matchers = append(matchers, m)

		if p.tok.kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRightBrace); err != nil {
		return nil, err
	}
	return matchers, nil
}

func matchOpFromToken(k tokenKind) (index.MatchOp, error) {
	switch k {
	case tokEQL:
		return index.MatchEqual, nil
	case tokNEQ:
		return index.MatchNotEqual, nil
	case tokEQLRegex:
		return index.MatchRegex, nil
	case tokNEQRegex:
		return index.MatchNotRegex, nil
	default:
		return 0, fmt.Errorf("expected a label matcher operator (=, !=, =~, !~)")
	}
}

func parseNumber(text string) (float64, error) {
	switch strings.ToLower(text) {
	case "inf", "+inf":
		return posInf, nil
	case "-inf":
		return negInf, nil
	case "nan":
		return nan, nil
	}
	return strconv.ParseFloat(text, 64)
}

// parseDuration accepts Prometheus duration literals (1h30m) via the
// same helper the wider ecosystem uses for this, prometheus/common's
// model.ParseDuration (timestamp/duration grammar config).
func parseDuration(text string) (time.Duration, error) {
	d, err := model.ParseDuration(text)
	if err != nil {
		return 0, err
	}
	return time.Duration(d), nil
}
