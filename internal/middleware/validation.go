package middleware

import (
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
)

const (
	maxCommentLength = 100000
	maxNameLength    = 256
)

// ValidateCommentText validates a comment body.
func ValidateCommentText(text string) error {
	if len(text) == 0 {
		return errs.Validation("text cannot be empty")
	}
	if len(text) > maxCommentLength {
		return errs.Validation("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errs.Validation("text must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a session, conflict or comment identifier.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errs.Validation("invalid " + kind + " ID format").WithCode("invalid_id")
	}
	return nil
}

// ValidateName validates a session name.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return errs.Validation("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errs.Validation("name must be valid UTF-8")
	}
	return nil
}
