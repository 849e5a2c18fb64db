package config

import (
	"fmt"
	"net/url"
	"strings"

	"reposync/pkg/provider"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// Validate checks the settings shared by every command
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Server.URL == "" {
		errs = append(errs, ValidationError{Field: "server.url", Message: "server URL is required"})
	} else if u, err := url.Parse(c.Server.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "server.url", Message: "server URL must be an absolute URL"})
	}

	if c.Store.Path == "" {
		errs = append(errs, ValidationError{Field: "store.path", Message: "store path is required"})
	}

	for _, name := range c.Selection.Repositories {
		owner, repo, ok := strings.Cut(name, "/")
		if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
			errs = append(errs, ValidationError{Field: "selection.repositories", Message: fmt.Sprintf("%q is not in owner/name form", name)})
		}
	}

	if c.Concurrency.Accounts < 0 || c.Concurrency.Repositories < 0 || c.Concurrency.PullRequests < 0 || c.Concurrency.Requests < 0 {
		errs = append(errs, ValidationError{Field: "concurrency", Message: "limits cannot be negative"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateFor checks the shared settings plus the credentials of one provider
func (c *Config) ValidateFor(p provider.Name) error {
	var errs ValidationErrors
	if err := c.Validate(); err != nil {
		errs = append(errs, err.(ValidationErrors)...)
	}

	switch p {
	case provider.GitHub:
		if c.GitHub.AppID <= 0 {
			errs = append(errs, ValidationError{Field: "github.app_id", Message: "GitHub App id is required"})
		}
		if c.GitHub.PrivateKeyPath == "" {
			errs = append(errs, ValidationError{Field: "github.private_key_path", Message: "GitHub App private key path is required"})
		}
	case provider.Bitbucket:
		if c.Bitbucket.ClientID == "" {
			errs = append(errs, ValidationError{Field: "bitbucket.client_id", Message: "Bitbucket OAuth client id is required"})
		}
		if c.Bitbucket.ClientSecret == "" {
			errs = append(errs, ValidationError{Field: "bitbucket.client_secret", Message: "Bitbucket OAuth client secret is required"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
