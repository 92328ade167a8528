// Package events maps editor events to playback cues and exposes the
// operations the HTTP layer calls.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the category of an editor event.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Error subcodes with a dedicated cue.
const (
	SyntaxError  = "syntax_error"
	NameError    = "name_error"
	TypeError    = "type_error"
	IndexError   = "index_error"
	KeyError     = "key_error"
	UnknownError = "unknown_error"
)

// ErrUnknownEvent is returned for event kinds with no cue table.
var ErrUnknownEvent = errors.New("unknown event")

// Cue is the track to play for an event and how long to let it run.
type Cue struct {
	TrackURI      string
	StartPosition time.Duration
	StopAfter     time.Duration
}

var successCue = Cue{
	TrackURI:      "spotify:track:0O3ow3j5y8q3ykRs2K2n1b",
	StartPosition: 45 * time.Second,
	StopAfter:     15 * time.Second,
}

var errorCues = map[string]Cue{
	SyntaxError: {
		TrackURI:      "spotify:track:0ee3MUsiFe6mETk4oBgPoG",
		StartPosition: 10 * time.Second,
		StopAfter:     24 * time.Second,
	},
	NameError: {
		TrackURI:  "spotify:track:59OkvZEB9zPsEa6fQL2LlZ",
		StopAfter: 8 * time.Second,
	},
	TypeError: {
		TrackURI:  "spotify:track:1VsTvfmPwrJxIP5idldxX7",
		StopAfter: 12 * time.Second,
	},
	IndexError: {
		TrackURI:      "spotify:track:2mlGPkAx4kwF8Df0GlScsC",
		StartPosition: 16 * time.Second,
		StopAfter:     16 * time.Second,
	},
	KeyError: {
		TrackURI:      "spotify:track:4uLU6hMCjMI75M1A2tKUQC",
		StartPosition: 1 * time.Second,
		StopAfter:     18 * time.Second,
	},
	UnknownError: {
		TrackURI:  "spotify:track:5QIQWDc5c20Sn5sEUwsqdU",
		StopAfter: 3 * time.Second,
	},
}

// Resolve returns the cue for an event. Subcodes match exactly; error
// subcodes without a dedicated cue, including an empty one, fall back to
// the unknown_error cue.
func Resolve(kind Kind, subcode string) (Cue, error) {
	switch kind {
	case KindSuccess:
		return successCue, nil
	case KindError:
		if cue, ok := errorCues[subcode]; ok {
			return cue, nil
		}
		return errorCues[UnknownError], nil
	default:
		return Cue{}, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
}

// Subcodes lists the error subcodes that have a dedicated cue.
func Subcodes() []string {
	return []string{SyntaxError, NameError, TypeError, IndexError, KeyError}
}
