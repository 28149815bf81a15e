package errors

// WrapOpComponent wraps err with consistent Op and Component
// propagation. It avoids repetition when creating structured errors
// throughout the codebase. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return NewWithComponent(op, component, err)
}

// WrapOpComponentKind wraps err with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	e := NewWithComponent(op, component, err)
	e.Kind = kind
	e.Retryable = kind == KindNetwork
	return e
}
