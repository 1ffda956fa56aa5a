// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed structural validation.
var ErrValidation = errors.New("validation failed")

// ErrDuplicateTask indicates the owner already has an active task in the
// requested slot.
var ErrDuplicateTask = errors.New("duplicate task: owner slot already occupied")

// ErrBudgetExhausted indicates the owner's hard budget limit has been reached.
var ErrBudgetExhausted = errors.New("budget exhausted")

// ErrAlreadyTerminal indicates the task has already reached a terminal state.
var ErrAlreadyTerminal = errors.New("task is already terminal")

// ErrTooManyTasks indicates the global active-task limit has been reached.
var ErrTooManyTasks = errors.New("too many active tasks")
