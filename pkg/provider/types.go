package provider

import (
	"fmt"
	"strings"
	"time"
)

// Name identifies a code-hosting provider
type Name string

const (
	GitHub    Name = "github"
	Bitbucket Name = "bitbucket"
)

// ParseName converts a user supplied provider name into a Name
func ParseName(s string) (Name, error) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case GitHub:
		return GitHub, nil
	case Bitbucket:
		return Bitbucket, nil
	default:
		return "", fmt.Errorf("unsupported provider %q (expected github or bitbucket)", s)
	}
}

// Workspace represents a Bitbucket workspace or the account a GitHub App is installed on
type Workspace struct {
	Slug string `json:"slug"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Member represents a user with access to a workspace
type Member struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

// Repository is a reference to a repository discovered for an account
type Repository struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	Provider       Name   `json:"provider"`
	Private        bool   `json:"is_private"`
	CloneURL       string `json:"clone_url"`
	LocalDirectory string `json:"local_dir,omitempty"`
	// AccountID is the grant the repository was discovered through
	AccountID string `json:"account_id,omitempty"`
}

// FullName returns "owner/name"
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// DBKey is the prefix under which pull request snapshots of the repository are stored
func (r Repository) DBKey() string {
	return r.FullName()
}

// Webhook represents a repository webhook as reported by the provider
type Webhook struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	Events    []string  `json:"events"`
	SelfLink  string    `json:"self_link"`
	TargetURL string    `json:"url"`
}

// PRState is the canonical pull request state
type PRState string

const (
	PRStateOpen     PRState = "OPEN"
	PRStateMerged   PRState = "MERGED"
	PRStateDeclined PRState = "DECLINED"
	PRStateOther    PRState = "OTHER"
)

// ParsePRState converts a user supplied state filter into a canonical state.
// An empty filter selects open pull requests.
func ParsePRState(s string) (PRState, error) {
	state := PRState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case "":
		return PRStateOpen, nil
	case PRStateOpen, PRStateMerged, PRStateDeclined, PRStateOther:
		return state, nil
	default:
		return "", fmt.Errorf("unsupported pull request state %q (expected open, merged, declined or other)", s)
	}
}

// PullRequest is a snapshot of a pull request at a given base/head commit pair
type PullRequest struct {
	Repository Repository `json:"repository"`
	Number     string     `json:"number"`
	BaseSHA    string     `json:"base_head_commit"`
	HeadSHA    string     `json:"pr_head_commit"`
	State      PRState    `json:"state"`
	HeadBranch string     `json:"pr_branch"`
}

// Key returns the store key of the snapshot: "{owner}/{name}/{base}/{head}"
func (p PullRequest) Key() string {
	return fmt.Sprintf("%s/%s/%s", p.Repository.DBKey(), p.BaseSHA, p.HeadSHA)
}
