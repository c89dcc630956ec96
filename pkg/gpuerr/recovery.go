package gpuerr

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Logger receives a structured report for every GpuError the runtime
// observes, whether or not it is ultimately recovered.
// Implementations may emit to stdout, a file, or any
// external sink; LogrLogger is the default, adapting the logr.Logger every
// other component in this runtime already takes.
type Logger interface {
	LogError(report Report)
}

// Report is one observation of a GpuError at a point in the recovery
// pipeline: which operation raised it, which attempt this was, and
// (optionally) a captured stack for InternalInvariantViolated.
type Report struct {
	Err       *Error
	Operation string
	Attempt   int
	Stack     []byte
}

// LogrLogger adapts a logr.Logger to Logger, mapping the severity table
// onto logr's leveled logging: Critical/Error go through Logger.Error,
// Warning/Info go through Logger.Info at increasing verbosity.
type LogrLogger struct {
	Log logr.Logger
}

// NewLogrLogger builds a Logger backed by log.
func NewLogrLogger(log logr.Logger) LogrLogger { return LogrLogger{Log: log} }

func (l LogrLogger) LogError(r Report) {
	kv := []any{
		"operation", r.Operation,
		"attempt", r.Attempt,
		"kind", r.Err.Kind.String(),
	}
	if r.Err.Kernel != "" {
		kv = append(kv, "kernel", r.Err.Kernel)
	}
	if r.Err.Device.Kind != 0 || r.Err.Device.Payload != 0 {
		kv = append(kv, "device", r.Err.Device.String())
	}
	for k, v := range r.Err.Context {
		kv = append(kv, k, v)
	}
	if len(r.Stack) > 0 {
		kv = append(kv, "stack", string(r.Stack))
	}

	switch r.Err.Severity() {
	case SeverityCritical, SeverityError:
		l.Log.Error(r.Err, "gpu operation failed", kv...)
	case SeverityWarning:
		l.Log.Info("gpu operation warning", kv...)
	default:
		l.Log.V(1).Info("gpu operation observed", kv...)
	}
}

// defaultSyncRetries bounds RecoverSync's retry loop when the caller's
// config leaves MaxSyncRetries unset.
const defaultSyncRetries = 3

// BackoffFunc computes the wait before retry attempt+1, given that attempt
// already failed (attempt is 1-based).
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff waits attempt*base between retries, the simplest backoff
// shape and the one this runtime defaults to.
func LinearBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration { return time.Duration(attempt) * base }
}

// Dispatcher implements the local recovery policy: the only place a
// retryable error is observed and possibly consumed before re-surfacing to
// the caller. One Dispatcher is normally shared by every operation on an
// Accelerator; it carries no per-call state.
type Dispatcher struct {
	Logger         Logger
	MaxSyncRetries int
	Backoff        BackoffFunc
}

// NewDispatcher builds a Dispatcher reporting through logger, with the
// default retry count and backoff.
func NewDispatcher(logger Logger) *Dispatcher {
	return &Dispatcher{
		Logger:         logger,
		MaxSyncRetries: defaultSyncRetries,
		Backoff:        LinearBackoff(50 * time.Millisecond),
	}
}

func (d *Dispatcher) report(operation string, err error, attempt int) {
	if d.Logger == nil || err == nil {
		return
	}
	ge, ok := err.(*Error)
	if !ok {
		ge = Wrap(DriverError, err)
	}
	d.Logger.LogError(Report{Err: ge, Operation: operation, Attempt: attempt})
}

// RecoverOOM runs fn; on a first-attempt OutOfMemory it calls trim once and
// retries fn exactly once more. Any other error, or a second failure,
// surfaces unchanged.
func (d *Dispatcher) RecoverOOM(operation string, trim func() error, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	d.report(operation, err, 1)
	if !Is(err, OutOfMemory) {
		return err
	}
	if trimErr := trim(); trimErr != nil {
		return err
	}
	err2 := fn()
	if err2 != nil {
		d.report(operation, err2, 2)
		return err2
	}
	return nil
}

// RecoverSync runs fn up to MaxSyncRetries times, retrying only on Timeout
// or a DriverError the backend tagged Transient, backing off between
// attempts. Any other error kind, or exhausting the retry budget, surfaces
// the last error unchanged.
func (d *Dispatcher) RecoverSync(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	max := d.MaxSyncRetries
	if max <= 0 {
		max = defaultSyncRetries
	}
	backoff := d.Backoff
	if backoff == nil {
		backoff = LinearBackoff(50 * time.Millisecond)
	}

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		d.report(operation, err, attempt)
		if !retryableNow(err) || attempt == max {
			return err
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// retryableNow reports whether err should be retried by RecoverSync: a
// Timeout, or a DriverError the backend marked Transient.
func retryableNow(err error) bool {
	ge, ok := err.(*Error)
	if !ok {
		return false
	}
	if ge.Kind == Timeout {
		return true
	}
	return ge.Kind == DriverError && ge.Transient
}
