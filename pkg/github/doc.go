// Package github implements provider.Client for GitHub App installations and
// mints installation access tokens.
//
// The package includes:
// - Client, backed by go-github, for repositories, webhooks and pull requests
// - InstallationMinter, which exchanges an App JWT for an installation token
// - WrapGitHubError, which maps go-github errors onto provider.Error
package github
