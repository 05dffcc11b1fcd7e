package ui

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"hevysync.dev/agent/hevyclient"
	"hevysync.dev/agent/internal/herrors"
	"hevysync.dev/agent/kv"
)

// CLIDialog is a terminal-based Dialog implementation, the supplemented
// concrete presentation layer named in SPEC_FULL.md's component list:
// the core ships with something runnable out of cmd/hevysync even
// though presentation itself is non-goal territory.
type CLIDialog struct {
	in    *bufio.Reader
	out   *bufio.Writer
	store kv.PropertyStore
}

func NewCLIDialog(in *bufio.Reader, out *bufio.Writer, store kv.PropertyStore) *CLIDialog {
	return &CLIDialog{in: in, out: out, store: store}
}

func (d *CLIDialog) PromptResume(ctx context.Context) (ResumeChoice, error) {
	fmt.Fprint(d.out, "A previous import did not finish. [R]esume, re[S]tart, or [C]ancel? ")
	_ = d.out.Flush()
	line, err := d.in.ReadString('\n')
	if err != nil {
		return ResumeChoiceCancel, err
	}
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "S", "RESTART":
		return ResumeChoiceRestart, nil
	case "C", "CANCEL":
		return ResumeChoiceCancel, nil
	default:
		return ResumeChoiceResume, nil
	}
}

func (d *CLIDialog) PromptInitialSetup(ctx context.Context) error {
	return d.promptAndStoreKey("No API key on file. Enter your Hevy API key: ")
}

func (d *CLIDialog) PromptReenterKey(ctx context.Context) error {
	return d.promptAndStoreKey("The stored API key was rejected. Enter a new one: ")
}

func (d *CLIDialog) promptAndStoreKey(prompt string) error {
	fmt.Fprint(d.out, prompt)
	_ = d.out.Flush()
	line, err := d.in.ReadString('\n')
	if err != nil {
		return err
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return fmt.Errorf("no API key entered")
	}
	if !hevyclient.IsCanonicalKeyFormat(key) {
		return &herrors.ValidationError{Field: "apiKey", Message: "must be a 36-character UUID"}
	}
	return d.store.Set("HEVY_API_KEY", key)
}

func (d *CLIDialog) Notify(ctx context.Context, message string) {
	fmt.Fprintln(d.out, message)
	_ = d.out.Flush()
}
