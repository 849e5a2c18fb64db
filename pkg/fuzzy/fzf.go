package fuzzy

import (
	"fmt"
	"os"
	"strings"

	fzf "github.com/junegunn/fzf/src"
	"golang.org/x/term"

	"reposync/pkg/provider"
)

const displaySeparator = "  │  "

// FzfRunner defines the interface for running fzf
type FzfRunner interface {
	Run(opts *fzf.Options) (int, error)
}

// DefaultFzfRunner implements the FzfRunner interface using the real fzf library
type DefaultFzfRunner struct{}

// Run executes fzf with the given options
func (r *DefaultFzfRunner) Run(opts *fzf.Options) (int, error) {
	return fzf.Run(opts)
}

// FzfFinder is a multi-select picker backed by the fzf library. It falls back
// to Finder when the session is not interactive or fzf fails.
type FzfFinder struct {
	options    []Option
	prompt     string
	runner     FzfRunner
	isTerminal func() bool
	fallback   func(prompt string, options []Option) ([]string, error)
}

// NewFzf creates a new fzf-style fuzzy finder
func NewFzf(prompt string) *FzfFinder {
	return NewFzfWithRunner(prompt, &DefaultFzfRunner{})
}

// NewFzfWithRunner creates a new fzf-style fuzzy finder with a custom runner (for testing)
func NewFzfWithRunner(prompt string, runner FzfRunner) *FzfFinder {
	return &FzfFinder{
		prompt:     prompt,
		options:    make([]Option, 0),
		runner:     runner,
		isTerminal: isTerminalSupported,
		fallback:   promptSelect,
	}
}

// SetOptions sets the available options for selection
func (f *FzfFinder) SetOptions(options []Option) error {
	if options == nil {
		return fmt.Errorf("options cannot be nil")
	}

	f.options = make([]Option, len(options))
	copy(f.options, options)
	return nil
}

// SetPrompt sets the display prompt
func (f *FzfFinder) SetPrompt(prompt string) {
	f.prompt = prompt
}

// SelectMany runs fzf in multi-select mode and returns the chosen values
func (f *FzfFinder) SelectMany() ([]string, error) {
	if len(f.options) == 0 {
		return nil, fmt.Errorf("no options available")
	}
	if !f.isTerminal() {
		return f.fallback(f.prompt, f.options)
	}

	args := []string{
		"--prompt=" + f.prompt + " ",
		"--height=40%",
		"--layout=reverse",
		"--multi",
		"--bind=ctrl-a:select-all",
		"--cycle",
		"--extended",
		"--algo=v2",
		"--tiebreak=length",
		"--no-mouse",
		"--border=none",
	}
	opts, err := fzf.ParseOptions(true, args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fzf options: %w", err)
	}

	input := make(chan string, len(f.options))
	for _, option := range f.options {
		input <- display(option)
	}
	close(input)

	output := make(chan string)
	done := make(chan struct{})
	var picked []string
	go func() {
		defer close(done)
		for line := range output {
			picked = append(picked, line)
		}
	}()

	opts.Input = input
	opts.Output = output
	exitCode, err := f.runner.Run(opts)
	close(output)
	<-done

	if err != nil {
		return f.fallback(f.prompt, f.options)
	}
	switch exitCode {
	case fzf.ExitOk:
	case fzf.ExitNoMatch:
		return nil, fmt.Errorf("no selection made")
	default:
		return nil, fmt.Errorf("fzf selection cancelled or failed")
	}

	selected := make([]string, 0, len(picked))
	for _, line := range picked {
		selected = append(selected, f.valueOf(line))
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no selection made")
	}
	return selected, nil
}

// valueOf maps a displayed line back to the option value
func (f *FzfFinder) valueOf(line string) string {
	value, _, _ := strings.Cut(strings.TrimSpace(line), displaySeparator)
	value = strings.TrimSpace(value)
	for _, option := range f.options {
		if option.Value == value {
			return option.Value
		}
	}
	return value
}

func display(option Option) string {
	if option.Description == "" {
		return option.Value
	}
	return option.Value + displaySeparator + option.Description
}

// isTerminalSupported checks if the terminal supports interactive features
func isTerminalSupported() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	termType := os.Getenv("TERM")
	return termType != "" && termType != "dumb"
}

func promptSelect(prompt string, options []Option) ([]string, error) {
	finder := New(prompt)
	for _, option := range options {
		finder.AddOption(option.Value, option.Description)
	}
	return finder.SelectMany()
}

// RepositoryOptions turns repositories into picker options keyed by "owner/name"
func RepositoryOptions(repos []provider.Repository) []Option {
	options := make([]Option, 0, len(repos))
	for _, repo := range repos {
		visibility := "public"
		if repo.Private {
			visibility = "private"
		}
		options = append(options, Option{Value: repo.FullName(), Description: visibility})
	}
	return options
}
