package tabaudio

import (
	"context"
	"errors"
	"fmt"
	"math"
)

const (
	CodeStaleHandle     = "STALE_HANDLE"
	CodeTabNotFound     = "TAB_NOT_FOUND"
	CodeObserverFailure = "OBSERVER_FAILURE"
	CodeValidation      = "VALIDATION"
	CodeRegistryClosed  = "REGISTRY_CLOSED"
	CodeHostUnavailable = "HOST_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether any error in err's chain is a CodedError with code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// IsStale reports whether err means the tab behind a controller is gone.
func IsStale(err error) bool { return HasCode(err, CodeStaleHandle) }

// WindowRef identifies a top-level window. It is only used for identity and
// lookup; the registry never owns the window.
type WindowRef string

// TabRef identifies a tab within the host.
type TabRef string

// TabEntry is one enumerated (window, tab) pair.
type TabEntry struct {
	Window WindowRef
	Tab    TabRef
	Title  string
	URL    string
}

// Enumerator lists the tabs of every open top-level window in window
// creation order, then tab order. Tabs that cannot be resolved while
// enumerating are omitted rather than reported.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]TabEntry, error)
}

// Controller is the audio capability of a single tab. Every method fails
// with a STALE_HANDLE error once the tab has been closed.
type Controller interface {
	Muted(ctx context.Context) (bool, error)
	SetMuted(ctx context.Context, muted bool) error
	Volume(ctx context.Context) (float64, error)
	// SetVolume receives a value already clamped to [0, 1].
	SetVolume(ctx context.Context, volume float64) error
	Active(ctx context.Context) (bool, error)
	// Release drops any host resources held for the tab. It never mutates
	// audio state.
	Release() error
}

// AudioState is the full audio state of a tab.
type AudioState struct {
	Muted  bool
	Volume float64
	Active bool
}

// StateReader is implemented by controllers that can read the whole state
// in one host round trip. The registry prefers it over three separate reads.
type StateReader interface {
	State(ctx context.Context) (AudioState, error)
}

// ControllerProvider resolves the controller of an enumerated tab.
type ControllerProvider interface {
	Controller(ctx context.Context, entry TabEntry) (Controller, error)
}

// ClampVolume limits v to [0, 1]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func validateVolume(v float64) error {
	if math.IsNaN(v) {
		return NewError(CodeValidation, "volume must be a number", nil)
	}
	return nil
}
