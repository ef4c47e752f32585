// Package parser implements Lua's recursive-descent, precedence-climbing
// grammar (spec section 4.2), producing a lua/ast tree.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wudi/slate/lua/ast"
	"github.com/wudi/slate/lua/lexer"
)

type Parser struct {
	tokens []lexer.Token
	pos    int
}

func Parse(src string) (*ast.Chunk, error) {
	l := lexer.New(src)
	toks, err := l.Tokenize()
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: toks}
	body, err := p.parseBlock(nil)
	if err != nil {
		return nil, err
	}
	return &ast.Chunk{Body: body}, nil
}

func (p *Parser) cur() lexer.Token  { return p.tokens[p.pos] }
func (p *Parser) peek(n int) lexer.Token {
	idx := p.pos + n
	if idx >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[idx]
}

func (p *Parser) advance() lexer.Token {
	t := p.cur()
	if t.Type != lexer.EOF {
		p.pos++
	}
	return t
}

func (p *Parser) at(tt lexer.TokenType) bool { return p.cur().Type == tt }

func (p *Parser) match(tt lexer.TokenType) bool {
	if p.at(tt) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expect(tt lexer.TokenType) (lexer.Token, error) {
	if !p.at(tt) {
		t := p.cur()
		return t, fmt.Errorf("%d:%d: expected %s, got %s", t.Line, t.Column, tt, t.Type)
	}
	return p.advance(), nil
}

func pos(t lexer.Token) ast.Pos { return ast.Pos{Line: t.Line, Column: t.Column} }

var blockTerminators = map[lexer.TokenType]bool{
	lexer.EOF: true, lexer.END: true, lexer.ELSE: true, lexer.ELSEIF: true, lexer.UNTIL: true,
}

func (p *Parser) parseBlock(extraTerminators map[lexer.TokenType]bool) (*ast.Block, error) {
	b := &ast.Block{}
	for {
		if blockTerminators[p.cur().Type] || extraTerminators[p.cur().Type] {
			return b, nil
		}
		if p.at(lexer.RETURN) {
			stmt, err := p.parseReturn()
			if err != nil {
				return nil, err
			}
			b.Statements = append(b.Statements, stmt)
			p.match(lexer.SEMI)
			return b, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		if stmt != nil {
			b.Statements = append(b.Statements, stmt)
		}
		p.match(lexer.SEMI)
	}
}

func (p *Parser) parseStatement() (ast.Stmt, error) {
	switch p.cur().Type {
	case lexer.IF:
		return p.parseIf()
	case lexer.WHILE:
		return p.parseWhile()
	case lexer.REPEAT:
		return p.parseRepeat()
	case lexer.FOR:
		return p.parseFor()
	case lexer.DO:
		tok := p.advance()
		body, err := p.parseBlock(nil)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.END); err != nil {
			return nil, err
		}
		return &ast.DoStmt{Pos: pos(tok), Body: body}, nil
	case lexer.BREAK:
		tok := p.advance()
		return &ast.BreakStmt{Pos: pos(tok)}, nil
	case lexer.GOTO:
		tok := p.advance()
		name, err := p.expect(lexer.IDENT)
		if err != nil {
			return nil, err
		}
		return &ast.GotoStmt{Pos: pos(tok), Name: name.Value}, nil
	case lexer.DCOLON:
		tok := p.advance()
		name, err := p.expect(lexer.IDENT)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.DCOLON); err != nil {
			return nil, err
		}
		return &ast.LabelStmt{Pos: pos(tok), Name: name.Value}, nil
	case lexer.FUNCTION:
		return p.parseFunctionStmt()
	case lexer.LOCAL:
		if p.peek(1).Type == lexer.FUNCTION {
			return p.parseLocalFunction()
		}
		return p.parseLocalAssign()
	default:
		return p.parseExprStatement()
	}
}

func (p *Parser) parseReturn() (ast.Stmt, error) {
	tok := p.advance()
	var values []ast.Expr
	if !blockTerminators[p.cur().Type] && !p.at(lexer.SEMI) {
		exprs, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		values = exprs
	}
	return &ast.ReturnStmt{Pos: pos(tok), Values: values}, nil
}

func (p *Parser) parseIf() (ast.Stmt, error) {
	tok := p.advance()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.THEN); err != nil {
		return nil, err
	}
	then, err := p.parseBlock(nil)
	if err != nil {
		return nil, err
	}
	stmt := &ast.IfStmt{Pos: pos(tok), Cond: cond, Then: then}
	for p.at(lexer.ELSEIF) {
		p.advance()
		c, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.THEN); err != nil {
			return nil, err
		}
		b, err := p.parseBlock(nil)
		if err != nil {
			return nil, err
		}
		stmt.ElseIf = append(stmt.ElseIf, ast.ElseIfClause{Cond: c, Body: b})
	}
	if p.match(lexer.ELSE) {
		b, err := p.parseBlock(nil)
		if err != nil {
			return nil, err
		}
		stmt.Else = b
	}
	if _, err := p.expect(lexer.END); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *Parser) parseWhile() (ast.Stmt, error) {
	tok := p.advance()
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.DO); err != nil {
		return nil, err
	}
	body, err := p.parseBlock(nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.END); err != nil {
		return nil, err
	}
	return &ast.WhileStmt{Pos: pos(tok), Cond: cond, Body: body}, nil
}

func (p *Parser) parseRepeat() (ast.Stmt, error) {
	tok := p.advance()
	body, err := p.parseBlock(map[lexer.TokenType]bool{lexer.UNTIL: true})
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.UNTIL); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ast.RepeatStmt{Pos: pos(tok), Body: body, Cond: cond}, nil
}

func (p *Parser) parseFor() (ast.Stmt, error) {
	tok := p.advance()
	first, err := p.expect(lexer.IDENT)
	if err != nil {
		return nil, err
	}
	if p.at(lexer.ASSIGN) {
		p.advance()
		start, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.COMMA); err != nil {
			return nil, err
		}
		stop, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		var step ast.Expr
		if p.match(lexer.COMMA) {
			step, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(lexer.DO); err != nil {
			return nil, err
		}
		body, err := p.parseBlock(nil)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.END); err != nil {
			return nil, err
		}
		return &ast.NumericForStmt{Pos: pos(tok), Var: first.Value, Start: start, Stop: stop, Step: step, Body: body}, nil
	}
	names := []string{first.Value}
	for p.match(lexer.COMMA) {
		n, err := p.expect(lexer.IDENT)
		if err != nil {
			return nil, err
		}
		names = append(names, n.Value)
	}
	if _, err := p.expect(lexer.IN); err != nil {
		return nil, err
	}
	exprs, err := p.parseExprList()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.DO); err != nil {
		return nil, err
	}
	body, err := p.parseBlock(nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.END); err != nil {
		return nil, err
	}
	return &ast.GenericForStmt{Pos: pos(tok), Names: names, Exprs: exprs, Body: body}, nil
}

func (p *Parser) parseParamList() ([]string, bool, error) {
	var params []string
	vararg := false
	if _, err := p.expect(lexer.LPAREN); err != nil {
		return nil, false, err
	}
	if !p.at(lexer.RPAREN) {
		for {
			if p.at(lexer.VARARG) {
				p.advance()
				vararg = true
				break
			}
			n, err := p.expect(lexer.IDENT)
			if err != nil {
				return nil, false, err
			}
			params = append(params, n.Value)
			if !p.match(lexer.COMMA) {
				break
			}
		}
	}
	if _, err := p.expect(lexer.RPAREN); err != nil {
		return nil, false, err
	}
	return params, vararg, nil
}

func (p *Parser) parseFunctionBody(tok lexer.Token, methodSelf bool) (*ast.FunctionExpr, error) {
	params, vararg, err := p.parseParamList()
	if err != nil {
		return nil, err
	}
	if methodSelf {
		params = append([]string{"self"}, params...)
	}
	body, err := p.parseBlock(nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.END); err != nil {
		return nil, err
	}
	return &ast.FunctionExpr{Pos: pos(tok), Params: params, IsVararg: vararg, Body: body}, nil
}

func (p *Parser) parseFunctionStmt() (ast.Stmt, error) {
	tok := p.advance()
	name, err := p.expect(lexer.IDENT)
	if err != nil {
		return nil, err
	}
	var target ast.Expr = &ast.Name{Pos: pos(name), Value: name.Value}
	isMethod := false
	for p.at(lexer.DOT) || p.at(lexer.COLON) {
		isColon := p.at(lexer.COLON)
		p.advance()
		field, err := p.expect(lexer.IDENT)
		if err != nil {
			return nil, err
		}
		target = &ast.Index{Pos: pos(field), Object: target, Key: &ast.StringLiteral{Pos: pos(field), Value: field.Value}}
		if isColon {
			isMethod = true
			break
		}
	}
	fn, err := p.parseFunctionBody(tok, isMethod)
	if err != nil {
		return nil, err
	}
	return &ast.FunctionDeclStmt{Pos: pos(tok), Target: target, IsMethod: isMethod, Fn: fn}, nil
}

func (p *Parser) parseLocalFunction() (ast.Stmt, error) {
	tok := p.advance()
	p.advance() // function
	name, err := p.expect(lexer.IDENT)
	if err != nil {
		return nil, err
	}
	fn, err := p.parseFunctionBody(tok, false)
	if err != nil {
		return nil, err
	}
	return &ast.FunctionDeclStmt{Pos: pos(tok), Target: &ast.Name{Pos: pos(name), Value: name.Value}, IsLocal: true, Fn: fn}, nil
}

func (p *Parser) parseLocalAssign() (ast.Stmt, error) {
	tok := p.advance()
	var names []string
	n, err := p.expect(lexer.IDENT)
	if err != nil {
		return nil, err
	}
	names = append(names, n.Value)
	for p.match(lexer.COMMA) {
		n, err := p.expect(lexer.IDENT)
		if err != nil {
			return nil, err
		}
		names = append(names, n.Value)
	}
	var values []ast.Expr
	if p.match(lexer.ASSIGN) {
		values, err = p.parseExprList()
		if err != nil {
			return nil, err
		}
	}
	return &ast.LocalAssign{Pos: pos(tok), Names: names, Values: values}, nil
}

func (p *Parser) parseExprStatement() (ast.Stmt, error) {
	startTok := p.cur()
	expr, err := p.parseSuffixedExpr()
	if err != nil {
		return nil, err
	}
	if p.at(lexer.ASSIGN) || p.at(lexer.COMMA) {
		targets := []ast.Expr{expr}
		for p.match(lexer.COMMA) {
			t, err := p.parseSuffixedExpr()
			if err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
		if _, err := p.expect(lexer.ASSIGN); err != nil {
			return nil, err
		}
		values, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		return &ast.Assign{Pos: pos(startTok), Targets: targets, Values: values}, nil
	}
	call, ok := expr.(*ast.CallExpr)
	if !ok {
		return nil, fmt.Errorf("%d:%d: syntax error: expression used as a statement", startTok.Line, startTok.Column)
	}
	return &ast.ExprStmt{Pos: pos(startTok), Call: call}, nil
}

func (p *Parser) parseExprList() ([]ast.Expr, error) {
	var out []ast.Expr
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	out = append(out, e)
	for p.match(lexer.COMMA) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Precedence climbing mirrors Lua's operator table: or < and < comparisons
// < bitwise-or < xor < bitwise-and < shift < concat (right-assoc) < add/sub
// < mul/div/mod/idiv < unary < power (right-assoc).

func (p *Parser) parseExpr() (ast.Expr, error) { return p.parseOr() }

func (p *Parser) binaryLevel(next func() (ast.Expr, error), ops ...lexer.TokenType) (ast.Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range ops {
			if p.at(op) {
				matched = true
				break
			}
		}
		if !matched {
			return left, nil
		}
		opTok := p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOp{Pos: pos(opTok), Op: opTok.Type.String(), Left: left, Right: right}
	}
}

func (p *Parser) parseOr() (ast.Expr, error) { return p.binaryLevel(p.parseAnd, lexer.OR) }
func (p *Parser) parseAnd() (ast.Expr, error) { return p.binaryLevel(p.parseCompare, lexer.AND) }
func (p *Parser) parseCompare() (ast.Expr, error) {
	return p.binaryLevel(p.parseBitOr, lexer.EQ, lexer.NE, lexer.LT, lexer.GT, lexer.LE, lexer.GE)
}
func (p *Parser) parseBitOr() (ast.Expr, error) { return p.binaryLevel(p.parseBitXor, lexer.PIPE) }
func (p *Parser) parseBitXor() (ast.Expr, error) { return p.binaryLevel(p.parseBitAnd, lexer.TILDE) }
func (p *Parser) parseBitAnd() (ast.Expr, error) { return p.binaryLevel(p.parseShift, lexer.AMP) }
func (p *Parser) parseShift() (ast.Expr, error) {
	return p.binaryLevel(p.parseConcat, lexer.SHL, lexer.SHR)
}

func (p *Parser) parseConcat() (ast.Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	if p.at(lexer.CONCAT) {
		opTok := p.advance()
		right, err := p.parseConcat() // right-associative
		if err != nil {
			return nil, err
		}
		return &ast.BinaryOp{Pos: pos(opTok), Op: "..", Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAdd() (ast.Expr, error) {
	return p.binaryLevel(p.parseMul, lexer.PLUS, lexer.MINUS)
}
func (p *Parser) parseMul() (ast.Expr, error) {
	return p.binaryLevel(p.parseUnary, lexer.STAR, lexer.SLASH, lexer.DSLASH, lexer.PERCENT)
}

func (p *Parser) parseUnary() (ast.Expr, error) {
	switch p.cur().Type {
	case lexer.NOT, lexer.MINUS, lexer.HASH, lexer.TILDE:
		opTok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOp{Pos: pos(opTok), Op: opTok.Type.String(), Operand: operand}, nil
	}
	return p.parsePow()
}

func (p *Parser) parsePow() (ast.Expr, error) {
	left, err := p.parseSuffixedExpr()
	if err != nil {
		return nil, err
	}
	if p.at(lexer.CARET) {
		opTok := p.advance()
		right, err := p.parseUnary() // right-associative, binds tighter than unary on its right
		if err != nil {
			return nil, err
		}
		return &ast.BinaryOp{Pos: pos(opTok), Op: "^", Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseSuffixedExpr() (ast.Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().Type {
		case lexer.DOT:
			p.advance()
			field, err := p.expect(lexer.IDENT)
			if err != nil {
				return nil, err
			}
			expr = &ast.Index{Pos: pos(field), Object: expr, Key: &ast.StringLiteral{Pos: pos(field), Value: field.Value}}
		case lexer.LBRACKET:
			p.advance()
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RBRACKET); err != nil {
				return nil, err
			}
			expr = &ast.Index{Pos: pos(p.tokens[p.pos-1]), Object: expr, Key: key, Computed: true}
		case lexer.COLON:
			p.advance()
			method, err := p.expect(lexer.IDENT)
			if err != nil {
				return nil, err
			}
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			expr = &ast.CallExpr{Pos: pos(method), Callee: expr, Method: method.Value, Args: args}
		case lexer.LPAREN, lexer.STRING, lexer.LBRACE:
			tok := p.cur()
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			expr = &ast.CallExpr{Pos: pos(tok), Callee: expr, Args: args}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) parseCallArgs() ([]ast.Expr, error) {
	switch p.cur().Type {
	case lexer.STRING:
		tok := p.advance()
		return []ast.Expr{&ast.StringLiteral{Pos: pos(tok), Value: tok.Value}}, nil
	case lexer.LBRACE:
		t, err := p.parseTableConstructor()
		if err != nil {
			return nil, err
		}
		return []ast.Expr{t}, nil
	}
	if _, err := p.expect(lexer.LPAREN); err != nil {
		return nil, err
	}
	var args []ast.Expr
	if !p.at(lexer.RPAREN) {
		exprs, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		args = exprs
	}
	if _, err := p.expect(lexer.RPAREN); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	tok := p.cur()
	switch tok.Type {
	case lexer.NIL:
		p.advance()
		return &ast.NilLiteral{Pos: pos(tok)}, nil
	case lexer.TRUE:
		p.advance()
		return &ast.TrueLiteral{Pos: pos(tok)}, nil
	case lexer.FALSE:
		p.advance()
		return &ast.FalseLiteral{Pos: pos(tok)}, nil
	case lexer.VARARG:
		p.advance()
		return &ast.VarargExpr{Pos: pos(tok)}, nil
	case lexer.NUMBER:
		p.advance()
		return parseNumberLiteral(tok)
	case lexer.STRING:
		p.advance()
		return &ast.StringLiteral{Pos: pos(tok), Value: tok.Value}, nil
	case lexer.IDENT:
		p.advance()
		return &ast.Name{Pos: pos(tok), Value: tok.Value}, nil
	case lexer.FUNCTION:
		p.advance()
		return p.parseFunctionBody(tok, false)
	case lexer.LPAREN:
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RPAREN); err != nil {
			return nil, err
		}
		return expr, nil
	case lexer.LBRACE:
		return p.parseTableConstructor()
	}
	return nil, fmt.Errorf("%d:%d: unexpected token %s", tok.Line, tok.Column, tok.Type)
}

func (p *Parser) parseTableConstructor() (ast.Expr, error) {
	tok, err := p.expect(lexer.LBRACE)
	if err != nil {
		return nil, err
	}
	var fields []ast.TableField
	for !p.at(lexer.RBRACE) {
		switch {
		case p.at(lexer.LBRACKET):
			p.advance()
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.RBRACKET); err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.ASSIGN); err != nil {
				return nil, err
			}
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fields = append(fields, ast.TableField{Key: key, Value: val})
		case p.at(lexer.IDENT) && p.peek(1).Type == lexer.ASSIGN:
			name := p.advance()
			p.advance()
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fields = append(fields, ast.TableField{Key: &ast.StringLiteral{Pos: pos(name), Value: name.Value}, Value: val})
		default:
			val, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fields = append(fields, ast.TableField{Value: val})
		}
		if !p.match(lexer.COMMA) && !p.match(lexer.SEMI) {
			break
		}
	}
	if _, err := p.expect(lexer.RBRACE); err != nil {
		return nil, err
	}
	return &ast.TableConstructor{Pos: pos(tok), Fields: fields}, nil
}

func parseNumberLiteral(tok lexer.Token) (ast.Expr, error) {
	s := tok.Value
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%d:%d: invalid hex number %q", tok.Line, tok.Column, s)
		}
		return &ast.NumberLiteral{Pos: pos(tok), IsInt: true, Int: n}, nil
	}
	if !strings.ContainsAny(s, ".eE") {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return &ast.NumberLiteral{Pos: pos(tok), IsInt: true, Int: n}, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%d:%d: invalid number %q", tok.Line, tok.Column, s)
	}
	return &ast.NumberLiteral{Pos: pos(tok), Float: f}, nil
}
