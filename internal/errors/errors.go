// Package errors holds the bundle manager result codes and the category
// sentinels they map to. Callers branch on categories with errors.Is and
// report codes to clients.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Every ErrCode and every mapped collaborator error
// matches exactly one of them.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCooldown         = errors.New("cooldown active")
	ErrTransient        = errors.New("transient error")
	ErrInternal         = errors.New("internal error")
)

var categories = []struct {
	sentinel error
	name     string
}{
	{ErrPermissionDenied, "ErrPermissionDenied"},
	{ErrInvalidInput, "ErrInvalidInput"},
	{ErrNotFound, "ErrNotFound"},
	{ErrConflict, "ErrConflict"},
	{ErrTransient, "ErrTransient"},
	{ErrCooldown, "ErrCooldown"},
	{ErrInternal, "ErrInternal"},
}

// Category names the first category err matches, "Unknown" when none does
// and "" for nil.
func Category(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c.sentinel) {
			return c.name
		}
	}
	return "Unknown"
}

func IsCategory(err, category error) bool {
	return err != nil && errors.Is(err, category)
}

// IsRetryable is true for transient failures and state conflicts. A
// cancelled context is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func tag(category error, message string) error {
	return fmt.Errorf("%s: %w", message, category)
}

func NotFound(message string) error         { return tag(ErrNotFound, message) }
func PermissionDenied(message string) error { return tag(ErrPermissionDenied, message) }
func InvalidInput(message string) error     { return tag(ErrInvalidInput, message) }
func Conflict(message string) error         { return tag(ErrConflict, message) }
func Transient(message string) error        { return tag(ErrTransient, message) }
func Internal(message string) error         { return tag(ErrInternal, message) }
