// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrCommitVetoed is wrapped by VetoError.
	ErrCommitVetoed = errors.New("commit vetoed by change checker")

	// ErrPersistence wraps storage failures during commit. The transaction
	// stays open and the commit may be retried.
	ErrPersistence = errors.New("commit persistence failed")

	// ErrClosed is returned by operations on a closed Service.
	ErrClosed = errors.New("commit service closed")
)

// AlertType classifies an Alert.
type AlertType uint8

const (
	AlertError AlertType = iota
	AlertWarning
	AlertConfirmation
	AlertInformation
)

// String returns the alert type name.
func (t AlertType) String() string {
	switch t {
	case AlertError:
		return "ERROR"
	case AlertWarning:
		return "WARNING"
	case AlertConfirmation:
		return "CONFIRMATION"
	default:
		return "INFORMATION"
	}
}

// Alert is a finding reported by a change checker.
type Alert struct {
	Type AlertType

	// Blocking marks an ERROR alert that vetoes the commit. Ignored for
	// other types.
	Blocking bool

	Message string

	// Checker, ComponentNid and StampSequence locate the finding. The
	// pipeline fills them in.
	Checker       string
	ComponentNid  int32
	StampSequence int32
}

// ErrorAlert returns a blocking ERROR alert.
func ErrorAlert(format string, args ...any) *Alert {
	return &Alert{Type: AlertError, Blocking: true, Message: fmt.Sprintf(format, args...)}
}

// WarningAlert returns an advisory WARNING alert.
func WarningAlert(format string, args ...any) *Alert {
	return &Alert{Type: AlertWarning, Message: fmt.Sprintf(format, args...)}
}

// PreventsCheckerPass reports whether the alert blocks the commit.
func (a Alert) PreventsCheckerPass() bool {
	return a.Type == AlertError && a.Blocking
}

// String renders the alert for logs and errors.
func (a Alert) String() string {
	return fmt.Sprintf("%s [%s] nid=%d stamp=%d: %s", a.Type, a.Checker, a.ComponentNid, a.StampSequence, a.Message)
}

// AlertCollection gathers alerts across a commit attempt.
//
// # Thread Safety
//
// Safe for concurrent use.
type AlertCollection struct {
	mu     sync.Mutex
	alerts []Alert
}

// Add appends a.
func (c *AlertCollection) Add(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

// Alerts returns a copy of the collected alerts in the order added.
func (c *AlertCollection) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

// Len returns the number of collected alerts.
func (c *AlertCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// Blocking reports whether any collected alert blocks a commit.
func (c *AlertCollection) Blocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.alerts {
		if a.PreventsCheckerPass() {
			return true
		}
	}
	return false
}

// VetoError is returned when a checker blocks a commit.
type VetoError struct {
	Alerts []Alert
}

func (e *VetoError) Error() string {
	var b strings.Builder
	b.WriteString(ErrCommitVetoed.Error())
	for _, a := range e.Alerts {
		if a.PreventsCheckerPass() {
			b.WriteString("; ")
			b.WriteString(a.String())
		}
	}
	return b.String()
}

func (e *VetoError) Unwrap() error { return ErrCommitVetoed }
