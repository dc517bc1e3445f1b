package taskarmy

import (
	"context"
)

// Automation defines the control surface of the automation loop.
// This interface allows for easy mocking in front-ends and provides a stable API contract.
type Automation interface {
	// Run drives cycles over the selection until stopped, cancelled or out of cycles
	Run(ctx context.Context, sel Selection) error

	// Cancel requests cancellation, which the user must confirm
	Cancel()

	// State returns Idle, Running or Cancelling
	State() SchedulerState

	// Settings
	Settings() Settings
	ApplySettings(ctx context.Context, settings Settings) error
}

// Compile-time check that Scheduler implements Automation
var _ Automation = (*Scheduler)(nil)
