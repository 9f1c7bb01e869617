package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/basket/stowage/internal/ipc"
)

// ProcessorError is a handler failure with an explicit code.
type ProcessorError struct {
	Code    string
	Message string
	Details any
}

func (e *ProcessorError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NewProcessorError(code, format string, args ...any) *ProcessorError {
	return &ProcessorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// requeuer is implemented by errors that ask for the task to be rerun later,
// such as worker.NotReadyError.
type requeuer interface {
	error
	RequeueDelayMS() int64
}

// classify returns the code, message and details recorded for a failed task.
// Explicit codes come from ProcessorError and ipc envelopes; anything else is
// recorded under its type name.
func classify(err error) (code, message string, details json.RawMessage) {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		if pe.Details != nil {
			details, _ = json.Marshal(pe.Details)
		}
		return pe.Code, pe.Message, details
	}
	var env *ipc.Error
	if errors.As(err, &env) {
		details, _ = json.Marshal(env)
		if app := env.AppOrigin(); app != nil {
			return app.Code, app.Message, details
		}
		return env.Code, err.Error(), details
	}
	return typeName(err), err.Error(), nil
}

// typeName names the first error in the chain that is not a plain wrapper.
func typeName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.PkgPath() {
		case "fmt", "errors":
			continue
		}
		if t.Name() != "" {
			return t.Name()
		}
	}
	return "Error"
}
