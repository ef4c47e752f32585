// Package parser turns jq source into an ast.Node (spec section 4.5):
// zero or more `def name(params): body;` bindings inlined by structural
// substitution, then a precedence-climbing expression grammar with a
// stop-token mechanism so nested sub-expressions know where to stop
// without consuming the delimiter that bounds them.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wudi/slate/jq/ast"
	"github.com/wudi/slate/jq/lexer"
)

var keywordLiterals = map[string]interface{}{"true": true, "false": false, "null": nil}

type funcDef struct {
	name   string
	params []string
	body   ast.Node
}

type stopFrame struct {
	idents        map[string]bool
	types         map[lexer.TokenType]bool
	sameDepthType map[lexer.TokenType][]int
}

type parser struct {
	tokens []lexer.Token
	index  int

	defs             map[string]funcDef
	userFuncNames    map[string]bool
	stopStack        []stopFrame
	inliningStack    []string
	nestingDepth     int
}

// Parse parses a jq program into its inlined AST.
func Parse(source string) (ast.Node, error) {
	tokens, err := lexer.New(source).Tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{
		tokens:        tokens,
		defs:          map[string]funcDef{},
		userFuncNames: map[string]bool{},
		stopStack:     []stopFrame{{idents: map[string]bool{}, types: map[lexer.TokenType]bool{}, sameDepthType: map[lexer.TokenType][]int{}}},
	}
	body, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.EOF); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *parser) parseProgram() (ast.Node, error) {
	for p.current().Type == lexer.IDENT && p.current().Value == "def" {
		if err := p.parseDefinition(); err != nil {
			return nil, err
		}
	}
	body, err := p.parseExpression(nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return p.inline(body)
}

func (p *parser) parseDefinition() error {
	p.advance() // 'def'
	name, err := p.expect(lexer.IDENT)
	if err != nil {
		return err
	}
	var params []string
	if p.match(lexer.LPAREN) != nil {
		if p.current().Type != lexer.RPAREN {
			for {
				v, err := p.expect(lexer.VAR)
				if err != nil {
					return err
				}
				params = append(params, v.Value)
				if p.match(lexer.SEMICOLON) == nil {
					break
				}
			}
		}
		if _, err := p.expect(lexer.RPAREN); err != nil {
			return err
		}
	}
	if _, err := p.expect(lexer.COLON); err != nil {
		return err
	}
	p.userFuncNames[name.Value] = true
	body, err := p.parseExpression(nil, map[lexer.TokenType]bool{lexer.SEMICOLON: true}, nil)
	if err != nil {
		return err
	}
	if _, err := p.expect(lexer.SEMICOLON); err != nil {
		return err
	}
	p.defs[name.Value] = funcDef{name: name.Value, params: params, body: body}
	return nil
}

// Token helpers -------------------------------------------------------

func (p *parser) current() lexer.Token { return p.tokens[p.index] }

func (p *parser) peek(offset int) lexer.Token {
	idx := p.index + offset
	if idx >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[idx]
}

func (p *parser) advance() lexer.Token {
	tok := p.tokens[p.index]
	p.index++
	switch tok.Type {
	case lexer.LPAREN, lexer.LBRACKET, lexer.LBRACE:
		p.nestingDepth++
	case lexer.RPAREN, lexer.RBRACKET, lexer.RBRACE:
		if p.nestingDepth > 0 {
			p.nestingDepth--
		}
	}
	return tok
}

func (p *parser) match(t lexer.TokenType) *lexer.Token {
	if p.current().Type == t {
		tok := p.advance()
		return &tok
	}
	return nil
}

func (p *parser) expect(t lexer.TokenType) (lexer.Token, error) {
	tok := p.current()
	if tok.Type != t {
		return lexer.Token{}, fmt.Errorf("expected %s at position %d, got %s", t, tok.Position, tok.Type)
	}
	return p.advance(), nil
}

func (p *parser) expectKeyword(kw string) error {
	tok := p.current()
	if tok.Type != lexer.IDENT || tok.Value != kw {
		return fmt.Errorf("expected keyword %q at position %d, got %q", kw, tok.Position, tok.Value)
	}
	p.advance()
	return nil
}

func (p *parser) isKeyword(kw string) bool {
	tok := p.current()
	return tok.Type == lexer.IDENT && tok.Value == kw
}

func (p *parser) pushStop(idents map[string]bool, types map[lexer.TokenType]bool, sameDepthTypes map[lexer.TokenType]bool) {
	top := p.stopStack[len(p.stopStack)-1]
	newIdents := map[string]bool{}
	for k := range top.idents {
		newIdents[k] = true
	}
	for k := range idents {
		newIdents[k] = true
	}
	newTypes := map[lexer.TokenType]bool{}
	for k := range top.types {
		newTypes[k] = true
	}
	for k := range types {
		newTypes[k] = true
	}
	newSameDepth := map[lexer.TokenType][]int{}
	for k, v := range top.sameDepthType {
		newSameDepth[k] = append([]int(nil), v...)
	}
	if len(sameDepthTypes) > 0 {
		base := p.nestingDepth
		for tt := range sameDepthTypes {
			newSameDepth[tt] = append(newSameDepth[tt], base)
		}
	}
	p.stopStack = append(p.stopStack, stopFrame{idents: newIdents, types: newTypes, sameDepthType: newSameDepth})
}

func (p *parser) popStop() { p.stopStack = p.stopStack[:len(p.stopStack)-1] }

func (p *parser) shouldStop() bool {
	top := p.stopStack[len(p.stopStack)-1]
	tok := p.current()
	if top.types[tok.Type] {
		return true
	}
	for _, d := range top.sameDepthType[tok.Type] {
		if d == p.nestingDepth {
			return true
		}
	}
	if tok.Type == lexer.IDENT && top.idents[tok.Value] {
		return true
	}
	return false
}

// Grammar ---------------------------------------------------------------

func (p *parser) parseExpression(stopIdents map[string]bool, stopTypes map[lexer.TokenType]bool, stopSameDepth map[lexer.TokenType]bool) (ast.Node, error) {
	p.pushStop(stopIdents, stopTypes, stopSameDepth)
	defer p.popStop()
	return p.parseUnion()
}

func (p *parser) parseUnion() (ast.Node, error) {
	node, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	exprs := []ast.Node{node}
	for !p.shouldStop() && p.match(lexer.COMMA) != nil {
		next, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, next)
	}
	if len(exprs) == 1 {
		return node, nil
	}
	return &ast.Sequence{Expressions: exprs}, nil
}

func (p *parser) parsePipe() (ast.Node, error) {
	node, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		if p.shouldStop() {
			break
		}
		if p.isKeyword("as") {
			p.advance()
			v, err := p.expect(lexer.VAR)
			if err != nil {
				return nil, err
			}
			node = &ast.AsBinding{Source: node, Name: v.Value}
			continue
		}
		if p.match(lexer.PIPE) != nil {
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			node = &ast.Pipe{Left: node, Right: right}
			continue
		}
		break
	}
	return node, nil
}

func (p *parser) parseTerm() (ast.Node, error) { return p.parseUpdate() }

func (p *parser) parseUpdate() (ast.Node, error) {
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	desugar := func(op string) (ast.Node, error) {
		rhs, err := p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.PIPE: true})
		if err != nil {
			return nil, err
		}
		if op == "" {
			return &ast.UpdateAssignment{Target: node, Expr: rhs}, nil
		}
		return &ast.UpdateAssignment{Target: node, Expr: &ast.BinaryOp{Op: op, Left: &ast.Identity{}, Right: rhs}}, nil
	}
	for {
		if p.shouldStop() {
			break
		}
		switch {
		case p.match(lexer.PIPE_ASSIGN) != nil:
			node, err = desugar("")
		case p.match(lexer.PLUS_ASSIGN) != nil:
			node, err = desugar("+")
		case p.match(lexer.MINUS_ASSIGN) != nil:
			node, err = desugar("-")
		case p.match(lexer.STAR_ASSIGN) != nil:
			node, err = desugar("*")
		case p.match(lexer.SLASH_ASSIGN) != nil:
			node, err = desugar("/")
		case p.match(lexer.PERCENT_ASSIGN) != nil:
			node, err = desugar("%")
		case p.match(lexer.COALESCE_ASSIGN) != nil:
			node, err = desugar("//")
		default:
			return node, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

func (p *parser) parseOr() (ast.Node, error) {
	node, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		if p.shouldStop() {
			break
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		node = &ast.BinaryOp{Op: "or", Left: node, Right: right}
	}
	return node, nil
}

func (p *parser) parseAnd() (ast.Node, error) {
	node, err := p.parseCoalesce()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		if p.shouldStop() {
			break
		}
		p.advance()
		right, err := p.parseCoalesce()
		if err != nil {
			return nil, err
		}
		node = &ast.BinaryOp{Op: "and", Left: node, Right: right}
	}
	return node, nil
}

func (p *parser) parseCoalesce() (ast.Node, error) {
	node, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.match(lexer.COALESCE) != nil {
		if p.shouldStop() {
			break
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		node = &ast.BinaryOp{Op: "//", Left: node, Right: right}
	}
	return node, nil
}

func (p *parser) parseBinaryLevel(next func() (ast.Node, error), ops map[lexer.TokenType]string) (ast.Node, error) {
	node, err := next()
	if err != nil {
		return nil, err
	}
	for {
		if p.shouldStop() {
			break
		}
		op, ok := ops[p.current().Type]
		if !ok {
			break
		}
		p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		node = &ast.BinaryOp{Op: op, Left: node, Right: right}
	}
	return node, nil
}

func (p *parser) parseEquality() (ast.Node, error) {
	return p.parseBinaryLevel(p.parseComparison, map[lexer.TokenType]string{lexer.EQ: "==", lexer.NE: "!="})
}

func (p *parser) parseComparison() (ast.Node, error) {
	return p.parseBinaryLevel(p.parseAdditive, map[lexer.TokenType]string{
		lexer.GE: ">=", lexer.LE: "<=", lexer.GT: ">", lexer.LT: "<",
	})
}

func (p *parser) parseAdditive() (ast.Node, error) {
	return p.parseBinaryLevel(p.parseMultiplicative, map[lexer.TokenType]string{lexer.PLUS: "+", lexer.MINUS: "-"})
}

func (p *parser) parseMultiplicative() (ast.Node, error) {
	return p.parseBinaryLevel(p.parseUnary, map[lexer.TokenType]string{
		lexer.STAR: "*", lexer.SLASH: "/", lexer.PERCENT: "%",
	})
}

func (p *parser) parseUnary() (ast.Node, error) {
	tok := p.current()
	if tok.Type == lexer.IDENT && tok.Value == "not" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Op: "not", Operand: operand}, nil
	}
	if tok.Type == lexer.MINUS {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (ast.Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		if p.shouldStop() {
			break
		}
		if p.match(lexer.DOT) != nil {
			ident, err := p.expect(lexer.IDENT)
			if err != nil {
				return nil, err
			}
			node = &ast.Field{Name: ident.Value, Source: node}
			continue
		}
		if tok := p.current(); tok.Type == lexer.IDENT {
			if _, isKw := keywordLiterals[tok.Value]; !isKw {
				if _, isIdentity := node.(*ast.Identity); isIdentity {
					p.advance()
					node = &ast.Field{Name: tok.Value, Source: node}
					continue
				}
			}
		}
		if p.match(lexer.LBRACKET) != nil {
			n, err := p.parseBracketTail(node)
			if err != nil {
				return nil, err
			}
			node = n
			continue
		}
		break
	}
	return node, nil
}

func (p *parser) parseBracketTail(source ast.Node) (ast.Node, error) {
	if p.current().Type == lexer.RBRACKET {
		p.advance()
		return &ast.IndexAll{Source: source}, nil
	}
	if p.current().Type == lexer.COLON {
		p.advance()
		var end ast.Node
		if p.current().Type != lexer.RBRACKET {
			e, err := p.parseExpression(nil, nil, nil)
			if err != nil {
				return nil, err
			}
			end = e
		}
		if _, err := p.expect(lexer.RBRACKET); err != nil {
			return nil, err
		}
		return &ast.Slice{Source: source, End: end}, nil
	}
	first, err := p.parseExpression(nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if p.match(lexer.RBRACKET) != nil {
		return &ast.Index{Source: source, Key: first}, nil
	}
	if _, err := p.expect(lexer.COLON); err != nil {
		return nil, err
	}
	var end ast.Node
	if p.current().Type != lexer.RBRACKET {
		e, err := p.parseExpression(nil, nil, nil)
		if err != nil {
			return nil, err
		}
		end = e
	}
	if _, err := p.expect(lexer.RBRACKET); err != nil {
		return nil, err
	}
	return &ast.Slice{Source: source, Start: first, End: end}, nil
}

func (p *parser) parsePrimary() (ast.Node, error) {
	tok := p.current()
	switch {
	case tok.Type == lexer.DOT:
		p.advance()
		return &ast.Identity{}, nil
	case tok.Type == lexer.VAR:
		p.advance()
		return &ast.VarRef{Name: tok.Value}, nil
	case tok.Type == lexer.IDENT && tok.Value == "if":
		return p.parseIf()
	case tok.Type == lexer.IDENT && tok.Value == "try":
		return p.parseTry()
	case tok.Type == lexer.IDENT && tok.Value == "reduce" && p.peek(1).Type != lexer.LPAREN:
		return p.parseReduce()
	case tok.Type == lexer.IDENT && tok.Value == "foreach":
		return p.parseForeach()
	case tok.Type == lexer.IDENT && tok.Value == "label":
		// spec-added `label $x | body`: label binds the rest of the pipe
		// at this position, so it's parsed as a primary rather than as a
		// postfix/infix operator.
		p.advance()
		v, err := p.expect(lexer.VAR)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.PIPE); err != nil {
			return nil, err
		}
		body, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		return &ast.Label{Name: v.Value, Body: body}, nil
	case tok.Type == lexer.IDENT && tok.Value == "break":
		p.advance()
		v, err := p.expect(lexer.VAR)
		if err != nil {
			return nil, err
		}
		return &ast.Break{Name: v.Value}, nil
	case tok.Type == lexer.IDENT && !isKeywordLiteral(tok.Value):
		p.advance()
		if p.match(lexer.LPAREN) != nil {
			args, err := p.parseArguments()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RPAREN); err != nil {
				return nil, err
			}
			return &ast.FunctionCall{Name: tok.Value, Args: args}, nil
		}
		if p.userFuncNames[tok.Value] {
			return &ast.FunctionCall{Name: tok.Value, Args: nil}, nil
		}
		return &ast.Field{Name: tok.Value, Source: &ast.Identity{}}, nil
	case tok.Type == lexer.NUMBER || tok.Type == lexer.STRING || isKeywordLiteral(tok.Value):
		litTok := p.advance()
		value, err := parseLiteralValue(litTok)
		if err != nil {
			return nil, err
		}
		return &ast.Literal{Value: value}, nil
	case tok.Type == lexer.LBRACE:
		return p.parseObjectLiteral()
	case tok.Type == lexer.LPAREN:
		p.advance()
		expr, err := p.parseExpression(nil, nil, nil)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RPAREN); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return nil, fmt.Errorf("unexpected token %s at position %d", tok.Type, tok.Position)
}

func isKeywordLiteral(s string) bool {
	_, ok := keywordLiterals[s]
	return ok
}

func (p *parser) parseIf() (ast.Node, error) {
	if err := p.expectKeyword("if"); err != nil {
		return nil, err
	}
	return p.parseIfChain(true)
}

func (p *parser) parseIfChain(expectEnd bool) (ast.Node, error) {
	cond, err := p.parseExpression(map[string]bool{"then": true}, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	then, err := p.parseExpression(map[string]bool{"elif": true, "else": true, "end": true}, nil, nil)
	if err != nil {
		return nil, err
	}
	var elseBranch ast.Node
	if p.isKeyword("elif") {
		p.advance()
		elseBranch, err = p.parseIfChain(false)
		if err != nil {
			return nil, err
		}
	} else if p.isKeyword("else") {
		p.advance()
		elseBranch, err = p.parseExpression(map[string]bool{"end": true}, nil, nil)
		if err != nil {
			return nil, err
		}
	}
	if expectEnd {
		if err := p.expectKeyword("end"); err != nil {
			return nil, err
		}
	}
	return &ast.IfElse{Cond: cond, Then: then, Else: elseBranch}, nil
}

func (p *parser) parseTry() (ast.Node, error) {
	if err := p.expectKeyword("try"); err != nil {
		return nil, err
	}
	expr, err := p.parseExpression(map[string]bool{"catch": true}, nil, nil)
	if err != nil {
		return nil, err
	}
	var catch ast.Node
	if p.isKeyword("catch") {
		p.advance()
		catch, err = p.parseExpression(nil, nil, nil)
		if err != nil {
			return nil, err
		}
	}
	return &ast.TryCatch{Try: expr, Catch: catch}, nil
}

func (p *parser) parseReduce() (ast.Node, error) {
	if err := p.expectKeyword("reduce"); err != nil {
		return nil, err
	}
	source, err := p.parseExpression(map[string]bool{"as": true}, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("as"); err != nil {
		return nil, err
	}
	v, err := p.expect(lexer.VAR)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.LPAREN); err != nil {
		return nil, err
	}
	init, err := p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.SEMICOLON: true})
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.SEMICOLON); err != nil {
		return nil, err
	}
	update, err := p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.RPAREN: true})
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.RPAREN); err != nil {
		return nil, err
	}
	return &ast.Reduce{Source: source, VarName: v.Value, Init: init, Update: update}, nil
}

func (p *parser) parseForeach() (ast.Node, error) {
	if err := p.expectKeyword("foreach"); err != nil {
		return nil, err
	}
	source, err := p.parseExpression(map[string]bool{"as": true}, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("as"); err != nil {
		return nil, err
	}
	v, err := p.expect(lexer.VAR)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.LPAREN); err != nil {
		return nil, err
	}
	init, err := p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.SEMICOLON: true})
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.SEMICOLON); err != nil {
		return nil, err
	}
	update, err := p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.SEMICOLON: true, lexer.RPAREN: true})
	if err != nil {
		return nil, err
	}
	var extract ast.Node
	if p.current().Type == lexer.SEMICOLON {
		p.advance()
		extract, err = p.parseExpression(nil, nil, map[lexer.TokenType]bool{lexer.RPAREN: true})
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lexer.RPAREN); err != nil {
		return nil, err
	}
	return &ast.Foreach{Source: source, VarName: v.Value, Init: init, Update: update, Extract: extract}, nil
}

func (p *parser) parseArguments() ([]ast.Node, error) {
	var args []ast.Node
	if p.current().Type == lexer.RPAREN {
		return args, nil
	}
	stopTypes := map[lexer.TokenType]bool{lexer.COMMA: true, lexer.SEMICOLON: true, lexer.RPAREN: true}
	for {
		arg, err := p.parseExpression(nil, stopTypes, nil)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.match(lexer.COMMA) != nil || p.match(lexer.SEMICOLON) != nil {
			continue
		}
		break
	}
	return args, nil
}

func (p *parser) parseObjectLiteral() (ast.Node, error) {
	p.advance() // '{'
	var fields []ast.ObjectField
	if p.current().Type != lexer.RBRACE {
		for {
			keyTok := p.current()
			var key string
			switch keyTok.Type {
			case lexer.STRING:
				s, err := unquoteJQString(keyTok.Value)
				if err != nil {
					return nil, err
				}
				key = s
				p.advance()
			case lexer.IDENT:
				key = keyTok.Value
				p.advance()
			default:
				return nil, fmt.Errorf("invalid object key at position %d", keyTok.Position)
			}
			if _, err := p.expect(lexer.COLON); err != nil {
				return nil, err
			}
			value, err := p.parseExpression(nil, map[lexer.TokenType]bool{lexer.COMMA: true, lexer.RBRACE: true}, nil)
			if err != nil {
				return nil, err
			}
			fields = append(fields, ast.ObjectField{Key: key, Value: value})
			if p.match(lexer.COMMA) == nil {
				break
			}
		}
	}
	if _, err := p.expect(lexer.RBRACE); err != nil {
		return nil, err
	}
	return &ast.ObjectLiteral{Fields: fields}, nil
}

func parseLiteralValue(tok lexer.Token) (interface{}, error) {
	if tok.Type == lexer.NUMBER {
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number literal %q", tok.Value)
		}
		return f, nil
	}
	if tok.Type == lexer.STRING {
		return unquoteJQString(tok.Value)
	}
	if v, ok := keywordLiterals[tok.Value]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unsupported literal token %q", tok.Value)
}

// unquoteJQString parses a jq string token (double- or single-quoted,
// JSON-compatible escapes) into its Go string value.
func unquoteJQString(raw string) (string, error) {
	if len(raw) >= 2 && raw[0] == '\'' {
		raw = `"` + raw[1:len(raw)-1] + `"`
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("invalid string literal %s: %w", raw, err)
	}
	return s, nil
}

// Inlining ----------------------------------------------------------------

func (p *parser) inline(node ast.Node) (ast.Node, error) {
	if len(p.defs) == 0 {
		return node, nil
	}
	return p.inlineNode(node)
}

func (p *parser) inlineNode(node ast.Node) (ast.Node, error) {
	switch n := node.(type) {
	case nil:
		return nil, nil
	case *ast.Pipe:
		left, err := p.inlineNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.inlineNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &ast.Pipe{Left: left, Right: right}, nil
	case *ast.Sequence:
		out := make([]ast.Node, len(n.Expressions))
		for i, e := range n.Expressions {
			v, err := p.inlineNode(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return &ast.Sequence{Expressions: out}, nil
	case *ast.IfElse:
		cond, err := p.inlineNode(n.Cond)
		if err != nil {
			return nil, err
		}
		then, err := p.inlineNode(n.Then)
		if err != nil {
			return nil, err
		}
		var elseBranch ast.Node
		if n.Else != nil {
			elseBranch, err = p.inlineNode(n.Else)
			if err != nil {
				return nil, err
			}
		}
		return &ast.IfElse{Cond: cond, Then: then, Else: elseBranch}, nil
	case *ast.TryCatch:
		tryExpr, err := p.inlineNode(n.Try)
		if err != nil {
			return nil, err
		}
		var catch ast.Node
		if n.Catch != nil {
			catch, err = p.inlineNode(n.Catch)
			if err != nil {
				return nil, err
			}
		}
		return &ast.TryCatch{Try: tryExpr, Catch: catch}, nil
	case *ast.FunctionCall:
		args := make([]ast.Node, len(n.Args))
		for i, a := range n.Args {
			v, err := p.inlineNode(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		def, isUser := p.defs[n.Name]
		if !isUser {
			return &ast.FunctionCall{Name: n.Name, Args: args}, nil
		}
		if len(def.params) != len(args) {
			return nil, fmt.Errorf("function %s expects %d args, got %d", n.Name, len(def.params), len(args))
		}
		for _, inFlight := range p.inliningStack {
			if inFlight == n.Name {
				return nil, fmt.Errorf("recursive function definitions are not supported: %s", n.Name)
			}
		}
		mapping := make(map[string]ast.Node, len(def.params))
		for i, param := range def.params {
			mapping[param] = args[i]
		}
		p.inliningStack = append(p.inliningStack, n.Name)
		substituted := substitute(def.body, mapping)
		result, err := p.inlineNode(substituted)
		p.inliningStack = p.inliningStack[:len(p.inliningStack)-1]
		return result, err
	case *ast.ObjectLiteral:
		fields := make([]ast.ObjectField, len(n.Fields))
		for i, f := range n.Fields {
			v, err := p.inlineNode(f.Value)
			if err != nil {
				return nil, err
			}
			fields[i] = ast.ObjectField{Key: f.Key, Value: v}
		}
		return &ast.ObjectLiteral{Fields: fields}, nil
	case *ast.Field:
		src, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		return &ast.Field{Name: n.Name, Source: src}, nil
	case *ast.UnaryOp:
		operand, err := p.inlineNode(n.Operand)
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Op: n.Op, Operand: operand}, nil
	case *ast.BinaryOp:
		left, err := p.inlineNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.inlineNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &ast.BinaryOp{Op: n.Op, Left: left, Right: right}, nil
	case *ast.UpdateAssignment:
		target, err := p.inlineNode(n.Target)
		if err != nil {
			return nil, err
		}
		expr, err := p.inlineNode(n.Expr)
		if err != nil {
			return nil, err
		}
		return &ast.UpdateAssignment{Target: target, Expr: expr}, nil
	case *ast.Index:
		src, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		key, err := p.inlineNode(n.Key)
		if err != nil {
			return nil, err
		}
		return &ast.Index{Source: src, Key: key}, nil
	case *ast.Slice:
		src, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		start, err := inlineOpt(p, n.Start)
		if err != nil {
			return nil, err
		}
		end, err := inlineOpt(p, n.End)
		if err != nil {
			return nil, err
		}
		return &ast.Slice{Source: src, Start: start, End: end}, nil
	case *ast.IndexAll:
		src, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		return &ast.IndexAll{Source: src}, nil
	case *ast.AsBinding:
		src, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		return &ast.AsBinding{Source: src, Name: n.Name}, nil
	case *ast.Label:
		body, err := p.inlineNode(n.Body)
		if err != nil {
			return nil, err
		}
		return &ast.Label{Name: n.Name, Body: body}, nil
	case *ast.Reduce:
		source, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		init, err := p.inlineNode(n.Init)
		if err != nil {
			return nil, err
		}
		update, err := p.inlineNode(n.Update)
		if err != nil {
			return nil, err
		}
		return &ast.Reduce{Source: source, VarName: n.VarName, Init: init, Update: update}, nil
	case *ast.Foreach:
		source, err := p.inlineNode(n.Source)
		if err != nil {
			return nil, err
		}
		init, err := p.inlineNode(n.Init)
		if err != nil {
			return nil, err
		}
		update, err := p.inlineNode(n.Update)
		if err != nil {
			return nil, err
		}
		extract, err := inlineOpt(p, n.Extract)
		if err != nil {
			return nil, err
		}
		return &ast.Foreach{Source: source, VarName: n.VarName, Init: init, Update: update, Extract: extract}, nil
	default:
		return node, nil
	}
}

func inlineOpt(p *parser, node ast.Node) (ast.Node, error) {
	if node == nil {
		return nil, nil
	}
	return p.inlineNode(node)
}

func substitute(node ast.Node, mapping map[string]ast.Node) ast.Node {
	switch n := node.(type) {
	case nil:
		return nil
	case *ast.VarRef:
		if replacement, ok := mapping[n.Name]; ok {
			return replacement
		}
		return n
	case *ast.Pipe:
		return &ast.Pipe{Left: substitute(n.Left, mapping), Right: substitute(n.Right, mapping)}
	case *ast.Sequence:
		out := make([]ast.Node, len(n.Expressions))
		for i, e := range n.Expressions {
			out[i] = substitute(e, mapping)
		}
		return &ast.Sequence{Expressions: out}
	case *ast.IfElse:
		var elseBranch ast.Node
		if n.Else != nil {
			elseBranch = substitute(n.Else, mapping)
		}
		return &ast.IfElse{Cond: substitute(n.Cond, mapping), Then: substitute(n.Then, mapping), Else: elseBranch}
	case *ast.TryCatch:
		var catch ast.Node
		if n.Catch != nil {
			catch = substitute(n.Catch, mapping)
		}
		return &ast.TryCatch{Try: substitute(n.Try, mapping), Catch: catch}
	case *ast.FunctionCall:
		args := make([]ast.Node, len(n.Args))
		for i, a := range n.Args {
			args[i] = substitute(a, mapping)
		}
		return &ast.FunctionCall{Name: n.Name, Args: args}
	case *ast.ObjectLiteral:
		fields := make([]ast.ObjectField, len(n.Fields))
		for i, f := range n.Fields {
			fields[i] = ast.ObjectField{Key: f.Key, Value: substitute(f.Value, mapping)}
		}
		return &ast.ObjectLiteral{Fields: fields}
	case *ast.Field:
		return &ast.Field{Name: n.Name, Source: substitute(n.Source, mapping)}
	case *ast.UnaryOp:
		return &ast.UnaryOp{Op: n.Op, Operand: substitute(n.Operand, mapping)}
	case *ast.BinaryOp:
		return &ast.BinaryOp{Op: n.Op, Left: substitute(n.Left, mapping), Right: substitute(n.Right, mapping)}
	case *ast.UpdateAssignment:
		return &ast.UpdateAssignment{Target: substitute(n.Target, mapping), Expr: substitute(n.Expr, mapping)}
	case *ast.Index:
		return &ast.Index{Source: substitute(n.Source, mapping), Key: substitute(n.Key, mapping)}
	case *ast.Slice:
		var start, end ast.Node
		if n.Start != nil {
			start = substitute(n.Start, mapping)
		}
		if n.End != nil {
			end = substitute(n.End, mapping)
		}
		return &ast.Slice{Source: substitute(n.Source, mapping), Start: start, End: end}
	case *ast.IndexAll:
		return &ast.IndexAll{Source: substitute(n.Source, mapping)}
	case *ast.AsBinding:
		return &ast.AsBinding{Source: substitute(n.Source, mapping), Name: n.Name}
	case *ast.Label:
		return &ast.Label{Name: n.Name, Body: substitute(n.Body, mapping)}
	case *ast.Reduce:
		return &ast.Reduce{
			Source: substitute(n.Source, mapping), VarName: n.VarName,
			Init: substitute(n.Init, mapping), Update: substitute(n.Update, mapping),
		}
	case *ast.Foreach:
		var extract ast.Node
		if n.Extract != nil {
			extract = substitute(n.Extract, mapping)
		}
		return &ast.Foreach{
			Source: substitute(n.Source, mapping), VarName: n.VarName,
			Init: substitute(n.Init, mapping), Update: substitute(n.Update, mapping), Extract: extract,
		}
	default:
		return node
	}
}
