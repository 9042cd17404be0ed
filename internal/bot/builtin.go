// ABOUTME: Built-in in-process bots: uppercase-echo and calculator
// ABOUTME: Both answer human text messages with a reply quoting the trigger

package bot

import (
	"context"
	"errors"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/scanner"
	"go/token"
	"math"
	"strconv"
	"strings"

	"github.com/2389/huddle-gateway/internal/store"
)

// Built-in kind names.
const (
	KindUppercaseEcho = "uppercase-echo"
	KindCalculator    = "calculator"
)

// unknownReply answers input a built-in cannot handle.
const unknownReply = "?"

func registerBuiltins(r *Registry) {
	r.Register(KindUppercaseEcho, func(info Info, _ []any, _ map[string]any) (Handler, error) {
		return replyBot(info, strings.ToUpper), nil
	})
	r.Register(KindCalculator, func(info Info, _ []any, _ map[string]any) (Handler, error) {
		return replyBot(info, Evaluate), nil
	})
}

// replyBot answers every human text message with transform(text). Other
// humans' non-text messages get "?"; bot and system messages are ignored so
// bots never talk to each other.
func replyBot(info Info, transform func(string) string) Handler {
	return HandlerFunc(func(ctx context.Context, msg *store.Message) error {
		if !msg.SentByHuman() {
			return nil
		}
		result := unknownReply
		if msg.Payload.Type == store.ContentText {
			result = transform(msg.Payload.Text)
		}
		_, err := info.Send(ctx, store.Payload{
			Type:            store.ContentText,
			Text:            result,
			QuotedMessageID: msg.ID,
		})
		return err
	})
}

var errUnsupported = errors.New("unsupported expression")

// Evaluate computes a numeric expression built from literals, unary +/-,
// the binary operators + - * / %, and parentheses. Anything else, and any
// arithmetic error, yields "?". That includes ** and //, which Go would
// otherwise read as a pointer dereference and a comment.
func Evaluate(expr string) string {
	if hasComment(expr) {
		return unknownReply
	}
	tree, err := parser.ParseExpr(expr)
	if err != nil {
		return unknownReply
	}
	v, err := eval(tree)
	if err != nil {
		return unknownReply
	}
	return formatConstant(v)
}

func hasComment(expr string) bool {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(expr))

	var s scanner.Scanner
	s.Init(file, []byte(expr), nil, scanner.ScanComments)
	for {
		_, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return false
		case token.COMMENT:
			return true
		}
	}
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, errUnsupported
		}
		v := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, errUnsupported
		}
		return v, nil

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		if n.Op != token.ADD && n.Op != token.SUB {
			return nil, errUnsupported
		}
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		return constant.UnaryOp(n.Op, x, 0), nil

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		return binary(x, n.Op, y)
	}
	return nil, errUnsupported
}

func binary(x constant.Value, op token.Token, y constant.Value) (constant.Value, error) {
	switch op {
	case token.ADD, token.SUB, token.MUL:
		return constant.BinaryOp(x, op, y), nil
	case token.QUO:
		if constant.Sign(y) == 0 {
			return nil, errors.New("division by zero")
		}
		return constant.BinaryOp(x, token.QUO, y), nil
	case token.REM:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, errUnsupported
		}
		if constant.Sign(y) == 0 {
			return nil, errors.New("division by zero")
		}
		return constant.BinaryOp(x, token.REM, y), nil
	}
	return nil, errUnsupported
}

func formatConstant(v constant.Value) string {
	f, _ := constant.Float64Val(v)
	if math.IsInf(f, 0) {
		return unknownReply
	}
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString()
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
