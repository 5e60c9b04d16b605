// whoami prints the session stored by the console: who is logged in, with
// which roles, and when the access token expires. With -renew it also
// exchanges the refresh token for a new access token and stores it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/uteq/turnos-console/config"
	"github.com/uteq/turnos-console/internal/auth"
	"github.com/uteq/turnos-console/internal/guard"
	"github.com/uteq/turnos-console/internal/session"
	"github.com/uteq/turnos-console/internal/storage"
)

func main() {
	renew := flag.Bool("renew", false, "renew the access token with the stored refresh token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	key, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		fmt.Printf("Failed to derive encryption key: %v\n", err)
		os.Exit(1)
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, key)
	if err != nil {
		fmt.Printf("Failed to open %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	defer store.Close()

	stored, err := store.Load()
	if err != nil {
		fmt.Printf("Failed to read stored session: %v\n", err)
		os.Exit(1)
	}
	if stored == nil {
		fmt.Println("No stored session (anonymous)")
		return
	}

	fmt.Printf("Stored in %s, last updated %s\n\n", cfg.DBPath, stored.LastUpdated.Format(time.RFC3339))
	printToken(stored.AccessToken)
	fmt.Printf("Refresh token: %t\n", stored.RefreshToken != "")

	if !*renew {
		return
	}

	fmt.Println("\n=== Renewing ===")
	m := session.New(store, auth.NewClient(auth.ClientOpts{BaseURL: cfg.AuthAPIBase, Timeout: cfg.RequestTimeout}))
	defer m.Close()
	if err := m.Init(); err != nil {
		fmt.Printf("Failed to restore session: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	token, err := m.Renew(ctx)
	if err != nil {
		fmt.Printf("Renewal failed, session cleared: %v\n", err)
		os.Exit(1)
	}
	printToken(token)
}

func printToken(token string) {
	if token == "" {
		fmt.Println("Access token: none")
		return
	}
	claims, err := auth.DecodeClaims(token)
	if err != nil {
		fmt.Printf("Access token: %s... (undecodable: %v)\n", token[:min(20, len(token))], err)
		return
	}

	fmt.Printf("Subject: %s\n", claims.Subject)
	fmt.Printf("Email:   %s\n", claims.Email)
	fmt.Printf("Roles:   %s\n", strings.Join(claims.Roles, ", "))
	fmt.Printf("Home:    %s\n", guard.HomeFor(claims.Roles))
	switch {
	case claims.ExpiresAt.IsZero():
		fmt.Println("Expires: never")
	case claims.IsExpired(time.Now()):
		fmt.Printf("Expires: %s (expired)\n", claims.ExpiresAt.Format(time.RFC3339))
	default:
		fmt.Printf("Expires: %s (in %s)\n", claims.ExpiresAt.Format(time.RFC3339), time.Until(claims.ExpiresAt).Round(time.Second))
	}
}
