package fuzzy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFinder(input string) (*Finder, *bytes.Buffer) {
	out := &bytes.Buffer{}
	finder := NewWithIO("Select repositories", strings.NewReader(input), out)
	finder.AddOption("acme/svc-a", "private")
	finder.AddOption("acme/svc-b", "public")
	finder.AddOption("acme/tools", "private")
	return finder, out
}

func TestSelectMany(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"single number", "2\n", []string{"acme/svc-b"}},
		{"list and range", "3,1-2\n", []string{"acme/tools", "acme/svc-a", "acme/svc-b"}},
		{"duplicates dropped", "1,1,1-2\n", []string{"acme/svc-a", "acme/svc-b"}},
		{"all", "ALL\n", []string{"acme/svc-a", "acme/svc-b", "acme/tools"}},
		{"filter then pick", "svc\n2\n", []string{"acme/svc-b"}},
		{"filter then all", "private\nall\n", []string{"acme/svc-a", "acme/tools"}},
		{"blank lines ignored", "\n\n1\n", []string{"acme/svc-a"}},
		{"no trailing newline", "3", []string{"acme/tools"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder, _ := newTestFinder(tt.input)
			selected, err := finder.SelectMany()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, selected)
		})
	}
}

func TestSelectManyNoMatchResetsList(t *testing.T) {
	finder, out := newTestFinder("nothing\n3\n")
	selected, err := finder.SelectMany()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/tools"}, selected)
	assert.Contains(t, out.String(), "No options match filter: nothing")
}

func TestSelectManyEOF(t *testing.T) {
	finder, _ := newTestFinder("svc\n")
	_, err := finder.SelectMany()
	assert.Error(t, err)
}

func TestSelectManyWithNoOptions(t *testing.T) {
	_, err := NewWithIO("empty", strings.NewReader("1\n"), &bytes.Buffer{}).SelectMany()
	assert.EqualError(t, err, "no options available")
}

func TestParseIndexes(t *testing.T) {
	tests := []struct {
		input    string
		expected []int
		ok       bool
	}{
		{"1", []int{0}, true},
		{"1, 3", []int{0, 2}, true},
		{"2-3", []int{1, 2}, true},
		{"0", nil, false},
		{"4", nil, false},
		{"3-2", nil, false},
		{"a", nil, false},
		{"1,b", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			picked, ok := parseIndexes(tt.input, 3)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, picked)
		})
	}
}

func TestFilterOptions(t *testing.T) {
	finder, _ := newTestFinder("")
	assert.Len(t, finder.filterOptions("SVC"), 2)
	assert.Len(t, finder.filterOptions("private"), 2)
	assert.Empty(t, finder.filterOptions("missing"))
}

func TestSetPrompt(t *testing.T) {
	finder, out := newTestFinder("1\n")
	finder.SetPrompt("Pick")
	_, err := finder.SelectMany()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "Pick\n----\n"))
	assert.Len(t, finder.GetOptions(), 3)
}
