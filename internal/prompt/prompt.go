// Package prompt merges the typed and spoken halves of a user turn.
package prompt

import (
	"errors"
	"strings"
)

// ErrNoInput is returned when neither typed text nor recognized speech carries content.
var ErrNoInput = errors.New("please enter text or speak before generating a response")

// Compose trims both inputs and joins them with a line break. Speech is only
// appended when present, so typed text alone passes through unchanged.
func Compose(typed, speech string) (string, error) {
	typed = strings.TrimSpace(typed)
	speech = strings.TrimSpace(speech)

	combined := typed
	if speech != "" {
		combined = typed + "\n" + speech
	}
	if strings.TrimSpace(combined) == "" {
		return "", ErrNoInput
	}
	return combined, nil
}
