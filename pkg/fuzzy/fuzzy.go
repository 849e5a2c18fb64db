// Package fuzzy lets the user pick items, typically repositories, from a
// list. FzfFinder drives fzf on a terminal; Finder is the line based prompt
// used everywhere else.
package fuzzy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Option represents a selectable option in the fuzzy finder
type Option struct {
	Value       string
	Description string
}

// Finder is a numbered multi-select prompt
type Finder struct {
	prompt  string
	options []Option
	in      io.Reader
	out     io.Writer
}

// New creates a new finder reading from stdin and writing to stdout
func New(prompt string) *Finder {
	return NewWithIO(prompt, os.Stdin, os.Stdout)
}

// NewWithIO creates a new finder on the given reader and writer
func NewWithIO(prompt string, in io.Reader, out io.Writer) *Finder {
	return &Finder{
		prompt:  prompt,
		options: make([]Option, 0),
		in:      in,
		out:     out,
	}
}

// AddOption adds an option to the fuzzy finder
func (f *Finder) AddOption(value, description string) {
	f.options = append(f.options, Option{
		Value:       value,
		Description: description,
	})
}

// SelectMany lists the options and returns the values the user picked. An
// answer is "all", a list of numbers and ranges such as "1,3-4", or text that
// narrows the list before picking again.
func (f *Finder) SelectMany() ([]string, error) {
	if len(f.options) == 0 {
		return nil, fmt.Errorf("no options available")
	}

	reader := bufio.NewReader(f.in)
	current := f.options

	for {
		f.list(current)
		fmt.Fprint(f.out, "\nSelect (e.g. 1,3-4 or all), or type to filter: ")

		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if err != nil && (err != io.EOF || input == "") {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		if input == "" {
			continue
		}

		if strings.EqualFold(input, "all") {
			return values(current), nil
		}

		if picked, ok := parseIndexes(input, len(current)); ok {
			selected := make([]string, 0, len(picked))
			for _, i := range picked {
				selected = append(selected, current[i].Value)
			}
			return selected, nil
		}

		filtered := f.filterOptions(input)
		if len(filtered) == 0 {
			fmt.Fprintf(f.out, "No options match filter: %s\n\n", input)
			current = f.options
			continue
		}
		current = filtered
	}
}

func (f *Finder) list(options []Option) {
	fmt.Fprintln(f.out, f.prompt)
	fmt.Fprintln(f.out, strings.Repeat("-", len(f.prompt)))
	for i, option := range options {
		fmt.Fprintf(f.out, "%d. %s", i+1, option.Value)
		if option.Description != "" {
			fmt.Fprintf(f.out, " - %s", option.Description)
		}
		fmt.Fprintln(f.out)
	}
}

// parseIndexes converts "1,3-4" into zero based indexes below n. Duplicates
// are dropped and order of first appearance is kept.
func parseIndexes(input string, n int) ([]int, bool) {
	var picked []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, false
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, false
			}
		}
		if start < 1 || end > n || start > end {
			return nil, false
		}

		for i := start - 1; i < end; i++ {
			if !seen[i] {
				seen[i] = true
				picked = append(picked, i)
			}
		}
	}
	return picked, len(picked) > 0
}

// filterOptions filters options based on the input string
func (f *Finder) filterOptions(filter string) []Option {
	filter = strings.ToLower(filter)
	var filtered []Option

	for _, option := range f.options {
		if strings.Contains(strings.ToLower(option.Value), filter) ||
			strings.Contains(strings.ToLower(option.Description), filter) {
			filtered = append(filtered, option)
		}
	}

	return filtered
}

// GetOptions returns all available options
func (f *Finder) GetOptions() []Option {
	return f.options
}

// SetPrompt updates the prompt message
func (f *Finder) SetPrompt(prompt string) {
	f.prompt = prompt
}

func values(options []Option) []string {
	out := make([]string, 0, len(options))
	for _, o := range options {
		out = append(out, o.Value)
	}
	return out
}
