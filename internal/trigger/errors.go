package trigger

import (
	"errors"
	"fmt"
)

// ErrUnknownComponent is wrapped by adapters asked to prepare a component they
// were never given.
var ErrUnknownComponent = errors.New("unknown component")

// ConfigurationError reports invalid startup input. Nothing is started when
// one is returned.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// InstanceError means a sandbox instance could not be prepared for a tick.
type InstanceError struct {
	Component string
	Err       error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("prepare instance %q: %v", e.Component, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

// InvocationError means the timer handler failed or trapped.
type InvocationError struct {
	Component string
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %q: %v", e.Component, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// asInstanceError keeps typed errors from the adapter and wraps everything else.
func asInstanceError(component string, err error) error {
	var ie *InstanceError
	var ve *InvocationError
	if errors.As(err, &ie) || errors.As(err, &ve) {
		return err
	}
	return &InstanceError{Component: component, Err: err}
}

func asInvocationError(component string, err error) error {
	var ie *InstanceError
	var ve *InvocationError
	if errors.As(err, &ie) || errors.As(err, &ve) {
		return err
	}
	return &InvocationError{Component: component, Err: err}
}
