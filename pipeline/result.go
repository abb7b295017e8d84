package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindImageNotFound Kind = "image_not_found"
	KindRemoteVision  Kind = "remote_vision"
	KindRemoteSpeech  Kind = "remote_speech"
	KindPersist       Kind = "persist"
	KindInternal      Kind = "internal"
)

// InputError rejects an image before any remote call is made.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// IsInputError reports whether err is, or wraps, an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// Success holds the outcome of a completed conversion.
type Success struct {
	Text          string `json:"text"`
	AudioPath     string `json:"audioPath"`
	AudioFilename string `json:"audioFilename"`
	VoiceUsed     string `json:"voiceUsed"`
}

// Failure holds the outcome of a failed conversion. Text is set only when
// image analysis succeeded before a later stage failed.
type Failure struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"error"`
	Text   string `json:"text,omitempty"`
}

// Result carries exactly one of Success or Failure.
type Result struct {
	Success *Success `json:"success,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func Succeeded(s Success) Result { return Result{Success: &s} }

func Failed(kind Kind, reason, text string) Result {
	return Result{Failure: &Failure{Kind: kind, Reason: reason, Text: text}}
}

// Recovered is the result of a run that panicked with r.
func Recovered(r any) Result {
	return Failed(KindInternal, fmt.Sprintf("Processing error: %v", r), "")
}

func (r Result) OK() bool { return r.Success != nil }

// Text returns whatever description the run produced, if any.
func (r Result) Text() string {
	switch {
	case r.Success != nil:
		return r.Success.Text
	case r.Failure != nil:
		return r.Failure.Text
	}
	return ""
}

// Err converts a failed result into an error; nil for a success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Failure.Kind, r.Failure.Reason)
}

// Valid reports whether exactly one variant is populated.
func (r Result) Valid() bool {
	return (r.Success == nil) != (r.Failure == nil)
}
