package dispatch

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"

	"github.com/juju/errors"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// funcType describes a Go function that can serve remote calls.
type funcType struct {
	fn        reflect.Value
	withCtx   bool           // first parameter is a context.Context
	argTypes  []reflect.Type // positional parameter types after the context
	variadic  bool           // last argType is the element type of a ...T parameter
	hasResult bool           // returns a value before the optional error
	hasError  bool           // last return value is an error
}

// Func adapts fn to a Handler. fn must be a function of the form
//
//	func([ctx context.Context,] a A, b B, ...[, rest ...T]) ([R][, error])
//
// Each remote argument is JSON-decoded into the corresponding parameter type.
// A wrong argument count or an argument that does not decode fails the call.
func Func(fn any) (Handler, error) {
	ft, err := newFuncType(fn)
	if err != nil {
		return nil, err
	}
	return HandlerFunc(ft.call), nil
}

func newFuncType(fn any) (*funcType, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, errors.NotValidf("handler of type %T", fn)
	}
	typ := v.Type()

	ft := &funcType{fn: v, variadic: typ.IsVariadic()}
	start := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		ft.withCtx = true
		start = 1
	}
	for i := start; i < typ.NumIn(); i++ {
		in := typ.In(i)
		if ft.variadic && i == typ.NumIn()-1 {
			in = in.Elem()
		}
		ft.argTypes = append(ft.argTypes, in)
	}
	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			ft.hasError = true
		} else {
			ft.hasResult = true
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, errors.NotValidf("second result of type %s (must be error)", typ.Out(1))
		}
		ft.hasResult = true
		ft.hasError = true
	default:
		return nil, errors.NotValidf("handler with %d results", typ.NumOut())
	}
	return ft, nil
}

func (ft *funcType) call(ctx context.Context, args []json.RawMessage) (any, error) {
	in, err := ft.decodeArgs(args)
	if err != nil {
		return nil, err
	}
	if ft.withCtx {
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
	}

	out := ft.fn.Call(in)

	var result any
	if ft.hasResult {
		result = out[0].Interface()
	}
	if ft.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	return result, nil
}

func (ft *funcType) decodeArgs(args []json.RawMessage) ([]reflect.Value, error) {
	fixed := len(ft.argTypes)
	if ft.variadic {
		fixed--
		if len(args) < fixed {
			return nil, errors.NotValidf("call with %d arguments (want at least %d)", len(args), fixed)
		}
	} else if len(args) != fixed {
		return nil, errors.NotValidf("call with %d arguments (want %d)", len(args), fixed)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		typ := ft.argTypes[min(i, len(ft.argTypes)-1)]
		argv := reflect.New(typ)
		if err := json.Unmarshal(arg, argv.Interface()); err != nil {
			return nil, errors.NewNotValid(err, "argument "+strconv.Itoa(i))
		}
		in[i] = argv.Elem()
	}
	return in, nil
}
