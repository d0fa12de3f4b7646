package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deltaview/deltaview/pkg/server"
	"github.com/deltaview/deltaview/pkg/token"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect session tokens",
		Long: `Token signs and verifies the session tokens pages embed, using
DELTAVIEW_TOKEN_SECRET. Useful for scripting against a running server
and for debugging attach failures.`,
	}
	cmd.AddCommand(tokenIssueCmd(), tokenVerifyCmd())
	return cmd
}

func issuerFromEnv() (*token.Issuer, error) {
	secret := os.Getenv("DELTAVIEW_TOKEN_SECRET")
	if secret == "" {
		return nil, errors.New("DELTAVIEW_TOKEN_SECRET is not set")
	}
	return token.NewIssuer([]byte(secret)), nil
}

func tokenIssueCmd() *cobra.Command {
	var (
		view      string
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := issuerFromEnv()
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = server.NewSessionID()
			}
			tok, err := issuer.Issue(token.Identity{SessionID: sessionID, View: view})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&view, "view", "counter", "view name to bind")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id to bind (default: random)")
	return cmd
}

func tokenVerifyCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a session token and print its identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("DELTAVIEW_TOKEN_SECRET")
			if secret == "" {
				return errors.New("DELTAVIEW_TOKEN_SECRET is not set")
			}
			issuer := token.NewIssuer([]byte(secret), token.WithMaxAge(maxAge))
			id, err := issuer.Verify(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]any{
				"session_id": id.SessionID,
				"view":       id.View,
				"issued_at":  id.IssuedAt.Format(time.RFC3339),
				"age":        time.Since(id.IssuedAt).Round(time.Second).String(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", token.DefaultMaxAge, "maximum accepted token age")
	return cmd
}
