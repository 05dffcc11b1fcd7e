// Package ui declares the thin modal dialog interface the orchestrator
// depends on for the handful of user-facing prompts spec.md §4.8
// names: the resume/restart/cancel choice, the initial API key setup
// prompt, and the re-enter-key prompt after a 401. Presentation is out
// of core scope (spec.md §1's non-goals); this package only fixes the
// contract a concrete presentation layer (terminal prompt, GUI dialog,
// notification) must satisfy.
package ui

import "context"

// ResumeChoice is the user's answer to the resume/restart/cancel
// prompt shown when a prior run's progress record is non-empty.
type ResumeChoice int

const (
	ResumeChoiceResume ResumeChoice = iota
	ResumeChoiceRestart
	ResumeChoiceCancel
)

// Dialog is the modal interaction surface the orchestrator calls into.
type Dialog interface {
	// PromptResume asks the user whether to resume, restart, or cancel
	// given an existing progress record.
	PromptResume(ctx context.Context) (ResumeChoice, error)
	// PromptInitialSetup is invoked when no API key is on file; it
	// should collect one and persist it, or return an error if the user
	// declines.
	PromptInitialSetup(ctx context.Context) error
	// PromptReenterKey is invoked after an HTTP 401
	// (herrors.InvalidApiKeyError); same contract as PromptInitialSetup.
	PromptReenterKey(ctx context.Context) error
	// Notify surfaces a non-blocking status message ("paused", "complete").
	Notify(ctx context.Context, message string)
}
