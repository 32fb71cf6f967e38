package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidName      = errors.New("invalid session name")
	ErrSessionExists    = errors.New("session name already in use")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session is closed")
	ErrPortsExhausted   = errors.New("no free port in range")
	ErrConnect          = errors.New("remote control connect failed")
	ErrNavigation       = errors.New("navigation failed")
	ErrElementNotFound  = errors.New("element not found")
	ErrAttributeMissing = errors.New("attribute missing")
	ErrDownloadFailed   = errors.New("download failed")
	ErrTeardown         = errors.New("session teardown failed")
)

// Step names the launch stage that failed.
type Step string

const (
	StepValidate Step = "validate"
	StepLocate   Step = "locate"
	StepBuild    Step = "build"
	StepAllocate Step = "allocate"
	StepStart    Step = "start"
	StepConnect  Step = "connect"
)

// LaunchError is the single error a failed Launch returns.
type LaunchError struct {
	Step Step
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch session %q: %s: %v", e.Name, e.Step, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
