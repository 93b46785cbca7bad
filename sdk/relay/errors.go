package relay

import (
	"errors"
	"fmt"
)

// Operation prefixes for wrapped failures.
const (
	opGenerateText   = "text generation failed"
	opSendMessage    = "message send failed"
	opAnalyzeImage   = "image analysis failed"
	opAnalyzeReceipt = "receipt analysis failed"
	opAnalyzePDF     = "PDF analysis failed"
	opCountTokens    = "token counting failed"
)

// requestError is a caller mistake. It never reaches the dispatchers.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

// Permanent reports that retrying cannot fix the request.
func (e *requestError) Permanent() bool { return true }

var (
	ErrUnsupportedKind    = &requestError{msg: "unsupported analysis kind"}
	ErrUnsupportedProfile = &requestError{msg: "unsupported profile"}
	ErrMissingPrompt      = &requestError{msg: "prompt is required"}
	ErrEmptyMedia         = &requestError{msg: "media is empty"}
	ErrPromptTooLarge     = &requestError{msg: "prompt exceeds the token limit"}
)

// IsPermanent reports whether err is a request error.
func IsPermanent(err error) bool {
	var re *requestError
	return errors.As(err, &re)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
