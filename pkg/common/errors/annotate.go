package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// FieldSetter is implemented by errors that can carry named fields directly.
// CanSetField must report false for any key SetField would not store,
// e.g. because the error is immutable or the field is read-only.
type FieldSetter interface {
	CanSetField(key string) bool
	SetField(key string, value interface{})
}

// FieldCarrier exposes the named fields attached to an error.
type FieldCarrier interface {
	Fields() map[string]interface{}
}

// StackTracer exposes the call stack recorded where an error originated.
type StackTracer interface {
	StackTrace() string
}

// AnnotatedError carries named fields on behalf of an error that could not
// store them itself. It keeps the original message and origin stack and
// unwraps to the original error, so errors.Is and errors.As still match it.
type AnnotatedError struct {
	err    error
	msg    string
	stack  string
	fields map[string]interface{}
}

func (e *AnnotatedError) Error() string { return e.msg }

// Unwrap returns the annotated error.
func (e *AnnotatedError) Unwrap() error { return e.err }

// StackTrace returns the origin stack of the annotated error.
func (e *AnnotatedError) StackTrace() string { return e.stack }

// Fields returns a copy of the fields attached to this error.
func (e *AnnotatedError) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// CanSetField always reports true; AnnotatedError accepts any field.
func (e *AnnotatedError) CanSetField(string) bool { return true }

// SetField stores value under key.
func (e *AnnotatedError) SetField(key string, value interface{}) {
	e.fields[key] = value
}

// Annotate attaches code (when non-empty) and fields to err.
//
// When err implements FieldSetter and accepts every requested key, the
// fields are assigned in place and err itself is returned. Otherwise a new
// *AnnotatedError wrapping err is returned with the same message and origin
// stack. A nil err is rejected with a *TypeError and nothing is mutated.
func Annotate(err error, code string, fields map[string]interface{}) (error, error) {
	if err == nil {
		return nil, &TypeError{Func: "Annotate", Msg: "an error value is required"}
	}

	props := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		props[k] = v
	}
	if code != "" {
		props["code"] = code
	}
	if len(props) == 0 {
		return err, nil
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if setter, ok := err.(FieldSetter); ok && acceptsAll(setter, keys) {
		for _, k := range keys {
			setter.SetField(k, props[k])
		}
		return err, nil
	}

	stack := ""
	var st StackTracer
	if errors.As(err, &st) {
		stack = st.StackTrace()
	} else {
		stack = captureStack(2)
	}

	return &AnnotatedError{
		err:    err,
		msg:    err.Error(),
		stack:  stack,
		fields: props,
	}, nil
}

// WithFields is Annotate without a code.
func WithFields(err error, fields map[string]interface{}) (error, error) {
	return Annotate(err, "", fields)
}

// Fields collects the fields attached anywhere in err's chain. Fields set
// on outer errors take precedence over those of the errors they wrap.
func Fields(err error) map[string]interface{} {
	out := make(map[string]interface{})
	var chain []FieldCarrier
	for e := err; e != nil; e = errors.Unwrap(e) {
		if fc, ok := e.(FieldCarrier); ok {
			chain = append(chain, fc)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Fields() {
			out[k] = v
		}
	}
	return out
}

// Code returns the "code" field of err, or "" if none is set.
func Code(err error) string {
	if code, ok := Fields(err)["code"].(string); ok {
		return code
	}
	return ""
}

func acceptsAll(setter FieldSetter, keys []string) bool {
	for _, k := range keys {
		if !setter.CanSetField(k) {
			return false
		}
	}
	return true
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
