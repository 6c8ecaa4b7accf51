package preprocess

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const exprTimeout = 100 * time.Millisecond

var operatorReplacer = strings.NewReplacer(
	"!=", "~=",
	"||", " or ",
	"&&", " and ",
	"!", " not ",
)

// evaluate decides an #if or #elif condition. nil, false, 0 and "" are
// false; anything else is true. An expression that fails to evaluate is
// false.
func (p *processor) evaluate(expr string) bool {
	expr = p.replaceDefined(expr)
	expr = p.replaceDefines(expr)
	if strings.TrimSpace(expr) == "" {
		return false
	}
	expr = operatorReplacer.Replace(expr)

	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: 32})
	defer L.Close()
	ctx, cancel := context.WithTimeout(context.Background(), exprTimeout)
	defer cancel()
	L.SetContext(ctx)

	fn, err := L.LoadString("return " + expr)
	if err != nil {
		p.log.Debug("preprocessor expression does not compile", zap.String("expr", expr), zap.Error(err))
		return false
	}
	L.SetFEnv(fn, L.NewTable())
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		p.log.Debug("preprocessor expression failed", zap.String("expr", expr), zap.Error(err))
		return false
	}

	switch v := L.Get(-1).(type) {
	case *lua.LNilType:
		return false
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return v != 0
	case lua.LString:
		return v != ""
	}
	return true
}

// replaceDefined turns every defined(NAME) into true or false.
func (p *processor) replaceDefined(expr string) string {
	for {
		i := strings.Index(expr, "defined(")
		if i < 0 {
			return expr
		}
		j := strings.IndexByte(expr[i:], ')')
		if j < 0 {
			return ""
		}
		name := strings.TrimSpace(expr[i+8 : i+j])
		value := "false"
		if _, ok := p.defines[name]; ok {
			value = "true"
		}
		expr = expr[:i] + value + expr[i+j+1:]
	}
}
