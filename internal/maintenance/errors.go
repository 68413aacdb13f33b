package maintenance

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/ashita-ai/maintask/internal/iteration"
)

var (
	ErrTaskNotFound    = errors.New("maintenance: task not found")
	ErrDuplicateTask   = errors.New("maintenance: task already registered")
	ErrRegistrySealed  = errors.New("maintenance: registry is sealed")
	ErrEnqueueRejected = errors.New("maintenance: enqueue rejected")
	ErrCSVRequired     = errors.New("maintenance: task requires a CSV file")
	ErrCSVUnexpected   = errors.New("maintenance: task does not accept a CSV file")
	ErrNotControllable = errors.New("maintenance: action not allowed in current status")
)

// TaskNotFoundError is returned when no task is registered under Name,
// typically because it was removed after its Runs were created. It matches
// ErrTaskNotFound.
type TaskNotFoundError struct {
	Name string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("%s: %q", ErrTaskNotFound, e.Name)
}

func (e *TaskNotFoundError) Is(target error) bool { return target == ErrTaskNotFound }

// ConfigError reports a task definition or collection that cannot be
// iterated.
type ConfigError = iteration.ConfigError

// ProcessingError wraps a failure raised while processing a unit. Item is the
// unit, or the individual batch element in parallel mode.
type ProcessingError struct {
	Item any
	Err  error
}

func (e *ProcessingError) Error() string { return e.Err.Error() }
func (e *ProcessingError) Unwrap() error { return e.Err }

// EnqueueError is returned when a created Run could not be handed to the
// queueing substrate. The Run is kept and marked errored.
type EnqueueError struct {
	RunID uuid.UUID
	Err   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("maintenance: enqueue run %s: %v", e.RunID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// errorClass names the concrete type of err's first meaningful cause, without
// pointer or package qualifiers.
func errorClass(err error) string {
	for {
		switch e := err.(type) {
		case *ProcessingError:
			err = e.Err
			continue
		case *iteration.ItemError:
			err = e.Err
			continue
		}
		if isWrapper(err) {
			switch u := err.(type) {
			case interface{ Unwrap() []error }:
				if errs := u.Unwrap(); len(errs) > 0 && errs[0] != nil {
					err = errs[0]
					continue
				}
			case interface{ Unwrap() error }:
				if next := u.Unwrap(); next != nil {
					err = next
					continue
				}
			}
		}
		break
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t.PkgPath() == "errors" && t.Name() == "errorString",
		t.PkgPath() == "github.com/pkg/errors" && t.Name() == "fundamental":
		return "Error"
	case t.Name() == "":
		return t.String()
	}
	return t.Name()
}

// isWrapper reports whether err only adds context to the error it wraps.
func isWrapper(err error) bool {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors":
		return t.Name() == "joinError"
	case "fmt":
		return t.Name() == "wrapError" || t.Name() == "wrapErrors"
	case "github.com/pkg/errors":
		return t.Name() == "withStack" || t.Name() == "withMessage"
	}
	return false
}

// errorMessage is err's message without engine wrappers.
func errorMessage(err error) string {
	if pe, ok := err.(*ProcessingError); ok {
		return pe.Err.Error()
	}
	return err.Error()
}

var enginePrefixes = []string{
	"runtime.",
	"testing.",
	"github.com/ashita-ai/maintask/internal/maintenance.",
	"github.com/ashita-ai/maintask/internal/iteration.",
	"github.com/ashita-ai/maintask/internal/queue.",
	"github.com/hibiken/asynq",
	"github.com/pkg/errors.",
	"golang.org/x/sync/errgroup.",
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// backtrace renders the deepest stack carried by err as "file:line in func"
// lines, with engine and runtime frames removed. Returns nil when err carries
// no stack.
func backtrace(err error) []string {
	var pcs []uintptr
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *iteration.PanicError:
			pcs = v.PCs
		case stackTracer:
			st := v.StackTrace()
			pcs = make([]uintptr, len(st))
			for i, f := range st {
				pcs[i] = uintptr(f)
			}
		}
	}
	if len(pcs) == 0 {
		return nil
	}

	var lines []string
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" && !engineFrame(f.Function) {
			lines = append(lines, fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function))
		}
		if !more {
			break
		}
	}
	return lines
}

func engineFrame(fn string) bool {
	for _, p := range enginePrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
