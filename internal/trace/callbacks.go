// File: internal/trace/callbacks.go
package trace

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-taint/internal/engine"
	"github.com/xkilldash9x/scalpel-taint/internal/host"
)

// Callback ops, one per engine entry point.
const (
	OpLiteral        = "literal"
	OpForIn          = "forIn"
	OpDeclare        = "declare"
	OpRead           = "read"
	OpWrite          = "write"
	OpWith           = "with"
	OpWithLookup     = "withLookup"
	OpGetFieldPre    = "getFieldPre"
	OpGetField       = "getField"
	OpPutFieldPre    = "putFieldPre"
	OpPutField       = "putField"
	OpInvokeFunPre   = "invokeFunPre"
	OpInvokeFun      = "invokeFun"
	OpFunctionEnter  = "functionEnter"
	OpFunctionExit   = "functionExit"
	OpReturn         = "return"
	OpThrow          = "throw"
	OpScriptEnter    = "scriptEnter"
	OpScriptExit     = "scriptExit"
	OpBinaryPre      = "binaryPre"
	OpBinary         = "binary"
	OpUnaryPre       = "unaryPre"
	OpUnary          = "unary"
	OpConditional    = "conditional"
	OpLast           = "last"
	OpEndExpression  = "endExpression"
	OpCapture        = "capture"
	OpCapturePromise = "capturePromise"
	OpResume         = "resume"
	OpFinish         = "finish"
)

// operands holds the decoded host values of a callback record.
type operands struct {
	value, base, offset, fn, this, result, left, right host.Value
	args                                               []host.Value
}

func (r *Replayer) decodeOperands(rec Record) (operands, error) {
	var ops operands
	fields := []struct {
		name string
		raw  any
		dst  *host.Value
	}{
		{"value", rec.Value, &ops.value},
		{"base", rec.Base, &ops.base},
		{"offset", rec.Offset, &ops.offset},
		{"func", rec.Func, &ops.fn},
		{"this", rec.This, &ops.this},
		{"result", rec.Result, &ops.result},
		{"left", rec.Left, &ops.left},
		{"right", rec.Right, &ops.right},
	}
	for _, f := range fields {
		v, err := decodeValue(r, f.raw)
		if err != nil {
			return operands{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	args, err := decodeValues(r, rec.Args)
	if err != nil {
		return operands{}, err
	}
	ops.args = args
	return ops, nil
}

func (r *Replayer) applyCallback(rec Record) error {
	ops, err := r.decodeOperands(rec)
	if err != nil {
		return err
	}
	e := r.engine
	iid := rec.IID

	switch rec.Op {
	case OpLiteral:
		return e.Literal(iid, ops.value)
	case OpForIn:
		return e.ForInObject(iid, ops.value)
	case OpDeclare:
		return e.Declare(iid, engine.Declaration{
			Name:          rec.Name,
			Value:         ops.value,
			IsArgument:    rec.IsArgument,
			ArgumentIndex: rec.ArgumentIndex,
			IsCatchParam:  rec.IsCatchParam,
		})
	case OpRead:
		return e.Read(iid, rec.Name, ops.value)
	case OpWrite:
		return e.Write(iid, rec.Name, ops.value)
	case OpWith:
		return e.With(iid, ops.value)
	case OpWithLookup:
		return e.WithLookup(ops.value)

	case OpGetFieldPre, OpGetField, OpPutFieldPre, OpPutField:
		f := engine.FieldAccess{
			Base:       ops.base,
			Offset:     ops.offset,
			Value:      ops.value,
			Computed:   rec.Computed,
			OpAssign:   rec.OpAssign,
			MethodCall: rec.MethodCall,
		}
		switch rec.Op {
		case OpGetFieldPre:
			return e.GetFieldPre(iid, f)
		case OpGetField:
			return e.GetField(iid, f)
		case OpPutFieldPre:
			return e.PutFieldPre(iid, f)
		}
		return e.PutField(iid, f)

	case OpInvokeFunPre, OpInvokeFun:
		c := engine.Call{
			Func:        ops.fn,
			Base:        ops.base,
			Args:        ops.args,
			Result:      ops.result,
			Constructor: rec.Constructor,
			Method:      rec.Method,
		}
		if rec.Op == OpInvokeFunPre {
			return e.InvokeFunPre(iid, c)
		}
		return e.InvokeFun(iid, c)

	case OpFunctionEnter:
		return e.FunctionEnter(iid, rec.SID, ops.fn, ops.this, ops.args)
	case OpFunctionExit:
		return e.FunctionExit(iid, ops.result, rec.Exception)
	case OpReturn:
		return e.Return(iid, ops.value)
	case OpThrow:
		return e.Throw(iid, ops.value)
	case OpScriptEnter:
		return e.ScriptEnter(iid, rec.SID)
	case OpScriptExit:
		return e.ScriptExit(iid, rec.Exception)

	case OpBinaryPre, OpBinary:
		b := engine.BinaryOp{
			Op:         rec.Operator,
			Left:       ops.left,
			Right:      ops.right,
			Result:     ops.result,
			OpAssign:   rec.OpAssign,
			SwitchCase: rec.SwitchCase,
			Computed:   rec.Computed,
		}
		if rec.Op == OpBinaryPre {
			return e.BinaryPre(iid, b)
		}
		return e.Binary(iid, b)
	case OpUnaryPre:
		return e.UnaryPre(iid, rec.Operator, ops.value)
	case OpUnary:
		return e.Unary(iid, rec.Operator, ops.value, ops.result)

	case OpConditional:
		return e.Conditional(iid, ops.result)
	case OpLast:
		return e.Last()
	case OpEndExpression:
		return e.EndExpression(iid)

	case OpCapture, OpCapturePromise:
		if rec.K == "" {
			return fmt.Errorf("capture without k: %w", ErrMalformedRecord)
		}
		if rec.Op == OpCapture {
			r.conts[rec.K] = e.CaptureContinuation(ops.value)
		} else {
			r.conts[rec.K] = e.CapturePromise(ops.value)
		}
		return e.Err()
	case OpResume:
		k, ok := r.conts[rec.K]
		if !ok {
			return fmt.Errorf("%q: %w", rec.K, ErrUnknownContinuation)
		}
		delete(r.conts, rec.K)
		return e.ResumeContinuation(k)
	case OpFinish:
		return e.FinishContinuation()
	}
	return fmt.Errorf("%q: %w", rec.Op, ErrUnknownOp)
}
