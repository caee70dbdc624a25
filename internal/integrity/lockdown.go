package integrity

import (
	"errors"
	"fmt"
	"sync"
)

// Handle is an acquired environment resource such as fullscreen or a
// capture device.
type Handle interface {
	Release() error
}

// HandleFunc adapts a function to Handle.
type HandleFunc func() error

func (f HandleFunc) Release() error { return f() }

// Denier blocks the default effect of a raw signal on the taker's side.
type Denier interface {
	Deny(sig Signal)
}

// DenierFunc adapts a function to Denier.
type DenierFunc func(Signal)

func (f DenierFunc) Deny(sig Signal) { f(sig) }

// LockdownContext bundles the resources held while a session is Active.
// Release is idempotent and releases every held handle exactly once.
type LockdownContext struct {
	Fullscreen Handle
	Capture    Handle
	Denier     Denier

	once       sync.Once
	releaseErr error
}

// ErrLockdownUnavailable is returned when the environment cannot be locked.
var ErrLockdownUnavailable = errors.New("lockdown environment unavailable")

func (lc *LockdownContext) check(requireCapture bool) error {
	if lc == nil {
		return fmt.Errorf("%w: no lockdown context", ErrLockdownUnavailable)
	}
	if lc.Fullscreen == nil {
		return fmt.Errorf("%w: fullscreen not acquired", ErrLockdownUnavailable)
	}
	if requireCapture && lc.Capture == nil {
		return fmt.Errorf("%w: capture device not acquired", ErrLockdownUnavailable)
	}
	if lc.Denier == nil {
		return fmt.Errorf("%w: no event denier", ErrLockdownUnavailable)
	}
	return nil
}

// Release gives back the capture device, then fullscreen.
func (lc *LockdownContext) Release() error {
	if lc == nil {
		return nil
	}
	lc.once.Do(func() {
		var errs []error
		if lc.Capture != nil {
			if err := lc.Capture.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release capture: %w", err))
			}
		}
		if lc.Fullscreen != nil {
			if err := lc.Fullscreen.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release fullscreen: %w", err))
			}
		}
		lc.releaseErr = errors.Join(errs...)
	})
	return lc.releaseErr
}
