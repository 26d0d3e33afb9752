package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrorMapper attaches a category to errors that come back from
// collaborators (filesystem, sqlite, process checks) without one.
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

type DefaultErrorMapper struct{}

func NewDefaultErrorMapper() *DefaultErrorMapper { return &DefaultErrorMapper{} }

// sentinelRules are checked before message matching.
var sentinelRules = []struct {
	match    error
	category error
}{
	{context.DeadlineExceeded, ErrTransient},
	{fs.ErrNotExist, ErrNotFound},
	{fs.ErrPermission, ErrPermissionDenied},
	{fs.ErrExist, ErrConflict},
}

// messageRules match lowercased error text, first hit wins.
var messageRules = []struct {
	needles  []string
	category error
}{
	{[]string{"database is locked", "resource temporarily unavailable", "timeout", "deadline exceeded"}, ErrTransient},
	{[]string{"not found", "does not exist", "no rows"}, ErrNotFound},
	{[]string{"permission denied", "operation not permitted"}, ErrPermissionDenied},
	{[]string{"already exists", "conflict"}, ErrConflict},
	{[]string{"invalid"}, ErrInvalidInput},
}

// MapError returns err unchanged when it is nil, cancelled, or already
// categorized. Otherwise it returns err joined with the category that best
// fits it, falling back to ErrInternal. The original error stays matchable.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || Category(err) != "Unknown" {
		return err
	}
	return fmt.Errorf("%w: %w", err, classify(err))
}

func classify(err error) error {
	for _, r := range sentinelRules {
		if errors.Is(err, r.match) {
			return r.category
		}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range messageRules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.category
			}
		}
	}
	return ErrInternal
}

func (m *DefaultErrorMapper) IsRetryable(err error) bool { return IsRetryable(err) }
func (m *DefaultErrorMapper) Category(err error) string  { return Category(err) }
