package faults

import (
	"errors"
	"fmt"
)

const (
	CategoryConnection          = "connection"
	CategoryConnectionExhausted = "connection_exhausted"
	CategoryMalformedEvent      = "malformed_event"
	CategorySend                = "send"
	CategoryResponder           = "responder"
)

// Sentinels match any categorized error of the same category via errors.Is.
var (
	ErrConnection          = &Error{Category: CategoryConnection}
	ErrConnectionExhausted = &Error{Category: CategoryConnectionExhausted}
	ErrMalformedEvent      = &Error{Category: CategoryMalformedEvent}
	ErrSend                = &Error{Category: CategorySend}
	ErrResponder           = &Error{Category: CategoryResponder}
)

// Error is a stable, categorized pipeline failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on category so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}

	return e.Category == other.Category
}

func New(category string, detail string, err error) error {
	return &Error{Category: category, Detail: detail, Err: err}
}

func Connection(detail string, err error) error {
	return New(CategoryConnection, detail, err)
}

func ConnectionExhausted(attempts int, err error) error {
	return New(CategoryConnectionExhausted, fmt.Sprintf("gave up after %d reconnection attempts", attempts), err)
}

func MalformedEvent(detail string, err error) error {
	return New(CategoryMalformedEvent, detail, err)
}

func Send(detail string, err error) error {
	return New(CategorySend, detail, err)
}

func Responder(detail string, err error) error {
	return New(CategoryResponder, detail, err)
}

// CategoryFromError returns the category of err, or "" when uncategorized.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ""
}
