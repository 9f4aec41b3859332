package run

import (
	"fmt"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

var allowedStepTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepPending: {
		StepRunning: {},
		StepSkipped: {},
	},
	StepRunning: {
		StepCompleted: {},
		StepFailed:    {},
		StepSkipped:   {},
	},
	StepCompleted: {},
	StepFailed:    {},
	StepSkipped:   {},
}

// ValidateTransition checks a run status change against the lifecycle.
// Violations wrap domain.ErrConflict.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid run state %q: %w", from, domain.ErrValidation)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid run state %q: %w", to, domain.ErrValidation)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("run transition %s -> %s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// ValidateStepTransition checks a step status change against the lifecycle.
func ValidateStepTransition(from, to StepStatus) error {
	next, ok := allowedStepTransitions[from]
	if !ok {
		return fmt.Errorf("invalid step state %q: %w", from, domain.ErrValidation)
	}
	if _, ok := allowedStepTransitions[to]; !ok {
		return fmt.Errorf("invalid step state %q: %w", to, domain.ErrValidation)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("step transition %s -> %s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// Start moves a pending run to running.
func (r *Run) Start(now time.Time) error {
	if err := ValidateTransition(r.Status, StatusRunning); err != nil {
		return err
	}
	r.Status = StatusRunning
	r.StartedAt = &now
	return nil
}

// Finish moves the run into a terminal status.
func (r *Run) Finish(to Status, errMsg string, now time.Time) error {
	if !to.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %q: %w", to, domain.ErrValidation)
	}
	if err := ValidateTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.ErrorMessage = errMsg
	r.CompletedAt = &now
	r.UpdateProgress(now)
	return nil
}

// SkipRemaining marks every non-terminal step skipped and returns their positions.
func (r *Run) SkipRemaining(now time.Time) []int {
	var skipped []int
	for i := range r.Steps {
		s := &r.Steps[i]
		if s.Status.IsTerminal() {
			continue
		}
		_ = s.Skip(now)
		skipped = append(skipped, s.Position)
	}
	return skipped
}

// Start moves a pending step to running.
func (s *Step) Start(input []byte, now time.Time) error {
	if err := ValidateStepTransition(s.Status, StepRunning); err != nil {
		return err
	}
	s.Status = StepRunning
	s.Input = input
	s.StartedAt = &now
	return nil
}

// Complete records the step output.
func (s *Step) Complete(output []byte, retries int, now time.Time) error {
	if err := ValidateStepTransition(s.Status, StepCompleted); err != nil {
		return err
	}
	s.Status = StepCompleted
	s.Output = output
	s.RetryCount = retries
	s.CompletedAt = &now
	return nil
}

// Fail records the last error of a step that exhausted its attempts.
func (s *Step) Fail(kind ErrorKind, msg string, retries int, now time.Time) error {
	if err := ValidateStepTransition(s.Status, StepFailed); err != nil {
		return err
	}
	s.Status = StepFailed
	s.ErrorKind = kind
	s.Error = msg
	s.RetryCount = retries
	s.CompletedAt = &now
	return nil
}

// Skip marks the step skipped. Skipped steps carry no error.
func (s *Step) Skip(now time.Time) error {
	if err := ValidateStepTransition(s.Status, StepSkipped); err != nil {
		return err
	}
	s.Status = StepSkipped
	s.Error = ""
	s.ErrorKind = ""
	s.CompletedAt = &now
	return nil
}
