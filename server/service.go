package server

import (
	"context"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Handler is a named service a provider exposes. Invoke runs one method call
// and returns its result, or an error that is sent back as Response.Error.
type Handler interface {
	Invoke(ctx context.Context, method string, argTypes []string, args []any) (any, error)
}

// MethodFunc implements one method of a Service.
type MethodFunc func(ctx context.Context, argTypes []string, args []any) (any, error)

// ErrMethodNotFound is returned by Service.Invoke for an unknown method.
var ErrMethodNotFound = errors.New("method not found")

// Service is a Handler backed by a method table.
type Service struct {
	name   string
	method map[string]MethodFunc
}

// NewService returns an empty service. Add methods with Handle.
func NewService(name string) *Service {
	return &Service{name: name, method: make(map[string]MethodFunc)}
}

// Handle adds or replaces a method and returns s for chaining.
func (s *Service) Handle(name string, fn MethodFunc) *Service {
	s.method[name] = fn
	return s
}

func (s *Service) Name() string { return s.name }

// Methods returns the names of all methods.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	return names
}

func (s *Service) Invoke(ctx context.Context, method string, argTypes []string, args []any) (any, error) {
	fn, ok := s.method[method]
	if !ok {
		return nil, errors.Wrapf(ErrMethodNotFound, "%s.%s", s.name, method)
	}
	return fn(ctx, argTypes, args)
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	argsType    = reflect.TypeOf([]any(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// ServiceOf builds a Service from the exported methods of rcvr that have the shape
//
//	func (r *T) Method(ctx context.Context, args []any) (any, error)
//
// Methods are exposed with a lower-cased first letter ("SayHello" → "sayHello").
// The service is named after the struct type.
func ServiceOf(rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: rcvr must be a pointer to a struct, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)

	svc := NewService(typ.Elem().Name())
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != argsType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		fn := val.Method(i)
		svc.Handle(lowerFirst(m.Name), func(ctx context.Context, _ []string, args []any) (any, error) {
			if args == nil {
				args = []any{}
			}
			out := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(args)})
			var err error
			if !out[1].IsNil() {
				err = out[1].Interface().(error)
			}
			return out[0].Interface(), err
		})
	}
	if len(svc.method) == 0 {
		return nil, errors.Errorf("rpc: %s has no exported methods of the form (ctx, []any) (any, error)", svc.name)
	}
	return svc, nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
