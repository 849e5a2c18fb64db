package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reposync/internal/auth"
	"reposync/pkg/provider"
)

var (
	tokenAccount string
	tokenCode    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and refresh stored provider tokens",
	Long: `Commands for the provider access tokens kept in the store.

Available commands:
  show    - Show the stored token of an account
  refresh - Mint a new token for an account`,
}

var tokenShowCmd = &cobra.Command{
	Use:   "show <github|bitbucket>",
	Short: "Show the stored token of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenShow,
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh <github|bitbucket>",
	Short: "Mint a new token for an account",
	Long: `Mint a new token regardless of the stored one. Working copies of the account
are updated with the new token.`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenRefresh,
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenAccount, "account", "", "Account id (GitHub installation id or Bitbucket grant name)")
	tokenRefreshCmd.Flags().StringVar(&tokenCode, "code", "", "Bitbucket OAuth authorization code, when no refresh token is stored")

	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	p, err := provider.ParseName(args[0])
	if err != nil {
		return err
	}
	_, a, err := newApp(cmd, p)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	minter, err := a.minter("")
	if err != nil {
		return err
	}
	stored, err := a.tokens(minter).Stored(tokenAccount)
	if err != nil {
		return err
	}
	cred, ok := stored.Get()
	if !ok {
		fmt.Printf("❌ No %s token stored for account %s\n", p, displayAccount(tokenAccount))
		return nil
	}

	printCredential(p, tokenAccount, &cred, time.Now())
	return nil
}

func runTokenRefresh(cmd *cobra.Command, args []string) error {
	p, err := provider.ParseName(args[0])
	if err != nil {
		return err
	}
	ctx, a, err := newApp(cmd, p)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	minter, err := a.minter(tokenCode)
	if err != nil {
		return err
	}
	cred, err := a.tokens(minter).Authorize(ctx, tokenAccount)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) && authErr.GetTroubleshootingMessage() != "" {
			fmt.Println(authErr.GetTroubleshootingMessage())
		}
		return err
	}

	fmt.Printf("✅ Refreshed %s token\n", p)
	printCredential(p, tokenAccount, cred, time.Now())
	return nil
}

func printCredential(p provider.Name, accountID string, cred *auth.Credential, now time.Time) {
	status := "✅ valid"
	if !cred.Usable(now) {
		status = "⌛ expired"
	}
	fmt.Printf("Provider:   %s\n", p)
	fmt.Printf("Account:    %s\n", displayAccount(accountID))
	fmt.Printf("Token:      %s\n", maskToken(cred.Token))
	fmt.Printf("Issued at:  %s\n", cred.IssuedAt.Format(time.RFC3339))
	fmt.Printf("Expires at: %s (%s)\n", cred.ExpiresAt.Format(time.RFC3339), status)
	if cred.InstallationID != "" {
		fmt.Printf("Installation: %s\n", cred.InstallationID)
	}
}

// maskToken keeps the first and last four characters of a token
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
