package errs

// Result carries either a value or a classified failure into a continuation.
type Result[T any] struct {
	Value T
	Err   *Error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a failure. A nil or unclassified error is classified by From.
func Fail[T any](err error) Result[T] {
	e := From(err)
	if e == nil {
		e = New(KindNetwork, CodeUnknown, "unknown error")
	}
	return Result[T]{Err: e}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.Err == nil }

// Unwrap returns the value and the error in Go's usual shape.
func (r Result[T]) Unwrap() (T, error) {
	if r.Err != nil {
		return r.Value, r.Err
	}
	return r.Value, nil
}

// Deliver invokes cb with r when cb is non-nil.
func Deliver[T any](cb func(Result[T]), r Result[T]) {
	if cb != nil {
		cb(r)
	}
}
