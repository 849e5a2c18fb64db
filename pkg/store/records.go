package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/mo"

	"reposync/pkg/provider"
)

// CredentialKey returns the key of a provider credential. The bare
// "{provider}_auth_info" key is used when no account id is known.
func CredentialKey(p provider.Name, accountID string) string {
	if accountID == "" {
		return fmt.Sprintf("%s_auth_info", p)
	}
	return fmt.Sprintf("%s_auth_info/%s", p, accountID)
}

// RepositoryKey returns the key of a discovered repository
func RepositoryKey(repo provider.Repository) string {
	return fmt.Sprintf("repos/%s/%s/%s", repo.Provider, repo.Owner, repo.Name)
}

// RepositoryPrefix returns the key prefix of every repository of a provider,
// optionally narrowed to one owner
func RepositoryPrefix(p provider.Name, owner string) string {
	if owner == "" {
		return fmt.Sprintf("repos/%s/", p)
	}
	return fmt.Sprintf("repos/%s/%s/", p, owner)
}

// WebhookKey returns the key of a webhook record
func WebhookKey(id string) string {
	return "webhooks/" + id
}

func webhookIndexKey(repo provider.Repository, targetURL string) string {
	return fmt.Sprintf("webhook_index/%s/%s/%s/%s", repo.Provider, repo.Owner, repo.Name, targetURL)
}

// MemberKey returns the key of a workspace member
func MemberKey(p provider.Name, workspace, accountID string) string {
	return fmt.Sprintf("users/%s/%s/%s", p, workspace, accountID)
}

// NewRecordID generates a new unique record id
func NewRecordID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func records(s Store) Store {
	return s.Bucket(RecordsBucket)
}

// SaveRepository persists a discovered repository
func SaveRepository(s Store, repo provider.Repository) error {
	return PutJSON(records(s), RepositoryKey(repo), repo)
}

// GetRepository loads a stored repository
func GetRepository(s Store, p provider.Name, owner, name string) (mo.Option[provider.Repository], error) {
	return GetJSON[provider.Repository](records(s), RepositoryKey(provider.Repository{Provider: p, Owner: owner, Name: name}))
}

// ListRepositories returns stored repositories sorted by full name
func ListRepositories(s Store, p provider.Name, owner string) ([]provider.Repository, error) {
	repos, err := ScanJSON[provider.Repository](records(s), RepositoryPrefix(p, owner))
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].FullName() < repos[j].FullName()
	})
	return repos, err
}

// StoredWebhook is a webhook record together with the repository it belongs to
type StoredWebhook struct {
	RecordID   string              `json:"record_id"`
	Repository provider.Repository `json:"repository"`
	Webhook    provider.Webhook    `json:"webhook"`
}

// SaveWebhook persists a webhook under a generated record id. The record id of
// a (repository, target url) pair is reused across runs so repeated
// reconciliation overwrites the same record.
func SaveWebhook(s Store, repo provider.Repository, hook provider.Webhook) (string, error) {
	s = records(s)
	indexKey := webhookIndexKey(repo, hook.TargetURL)

	recordID := ""
	existing, err := s.Get(indexKey)
	switch {
	case err == nil:
		recordID = string(existing)
	case errors.Is(err, ErrNotFound):
		recordID = NewRecordID()
		if err := s.Put(indexKey, []byte(recordID)); err != nil {
			return "", fmt.Errorf("failed to write webhook index: %w", err)
		}
	default:
		return "", fmt.Errorf("failed to read webhook index: %w", err)
	}

	record := StoredWebhook{RecordID: recordID, Repository: repo, Webhook: hook}
	if err := PutJSON(s, WebhookKey(recordID), record); err != nil {
		return "", err
	}
	return recordID, nil
}

// ListWebhooks returns every stored webhook record
func ListWebhooks(s Store) ([]StoredWebhook, error) {
	return ScanJSON[StoredWebhook](records(s), "webhooks/")
}

// SavePullRequest persists a pull request snapshot under "{owner}/{name}/{base}/{head}"
func SavePullRequest(s Store, pr provider.PullRequest) error {
	if pr.BaseSHA == "" || pr.HeadSHA == "" {
		return fmt.Errorf("pull request %s of %s has no commit pair", pr.Number, pr.Repository.FullName())
	}
	return PutJSON(s, pr.Key(), pr)
}

// GetPullRequest loads a snapshot by repository and commit pair
func GetPullRequest(s Store, repo provider.Repository, baseSHA, headSHA string) (mo.Option[provider.PullRequest], error) {
	key := provider.PullRequest{Repository: repo, BaseSHA: baseSHA, HeadSHA: headSHA}.Key()
	return GetJSON[provider.PullRequest](s, key)
}

// ListPullRequests returns every snapshot stored for the repository
func ListPullRequests(s Store, repo provider.Repository) ([]provider.PullRequest, error) {
	return ScanJSON[provider.PullRequest](s, repo.DBKey()+"/")
}

// SaveMember persists a workspace member
func SaveMember(s Store, p provider.Name, workspace string, member provider.Member) error {
	return PutJSON(records(s), MemberKey(p, workspace, member.AccountID), member)
}
