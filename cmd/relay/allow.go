package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/access"
	"github.com/tomyedwab/relay/audit"
	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/store"
)

// cliActor is recorded as the actor of allow-list changes made from the
// command line.
const cliActor = "cli"

type allowEnv struct {
	store  *store.Store
	audit  *audit.Logger
	gate   *access.Gate
	logger *zap.Logger
}

func openAllowEnv() (*allowEnv, error) {
	cfg := loadConfig()
	logger := setupLogger(verbose, "warn")
	st, err := store.Open(cfg.DataDir, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLogger(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}
	return &allowEnv{
		store:  st,
		audit:  auditLog,
		gate:   access.NewGate(cfg.WhitelistPubkeys, cfg.AdminPubkeys, st, logger),
		logger: logger,
	}, nil
}

func (e *allowEnv) Close() {
	e.store.Close()
	e.logger.Sync()
}

func allowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage the dynamic allow-list",
	}
	cmd.AddCommand(allowAddCmd(), allowRemoveCmd(), allowListCmd(), allowShowCmd())
	return cmd
}

func allowAddCmd() *cobra.Command {
	var (
		cohorts []string
		expires time.Duration
		notes   string
		by      string
	)
	cmd := &cobra.Command{
		Use:   "add <pubkey|did:nostr:...>",
		Short: "Add or update an allow-list entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := httpauth.ParsePubkeyOrDID(args[0])
			if err != nil {
				return err
			}
			actor := cliActor
			if by != "" {
				if actor, err = httpauth.ParsePubkeyOrDID(by); err != nil {
					return fmt.Errorf("--by: %w", err)
				}
			}
			env, err := openAllowEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			entry := store.AllowEntry{
				Pubkey:  pubkey,
				Cohorts: store.Cohorts(cohorts),
				AddedBy: actor,
				Notes:   notes,
			}
			if entry.Cohorts == nil {
				entry.Cohorts = store.Cohorts{}
			}
			if expires > 0 {
				at := time.Now().Add(expires).Unix()
				entry.ExpiresAt = &at
			}
			if err := env.store.AddAllowEntry(context.Background(), entry); err != nil {
				return err
			}
			if err := env.audit.LogAllowlistAdd(actor, pubkey, "cohorts="+strings.Join(cohorts, ",")); err != nil {
				env.logger.Warn("Failed to audit allow-list change", zap.Error(err))
			}
			fmt.Printf("Added %s\n", pubkey)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&cohorts, "cohort", nil, "cohort tag (repeatable); \"admin\" grants admin rights")
	cmd.Flags().DurationVar(&expires, "expires", 0, "expire the entry after this long (e.g. 720h)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	cmd.Flags().StringVar(&by, "by", "", "pubkey recorded as the issuer (default \"cli\")")
	return cmd
}

func allowRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pubkey|did:nostr:...>",
		Short: "Remove an allow-list entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := httpauth.ParsePubkeyOrDID(args[0])
			if err != nil {
				return err
			}
			env, err := openAllowEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			err = env.store.RemoveAllowEntry(context.Background(), pubkey)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s is not on the allow-list", pubkey)
			}
			if err != nil {
				return err
			}
			if err := env.audit.LogAllowlistRemove(cliActor, pubkey); err != nil {
				env.logger.Warn("Failed to audit allow-list change", zap.Error(err))
			}
			fmt.Printf("Removed %s\n", pubkey)
			return nil
		},
	}
}

func allowListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allow-list entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAllowEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			entries, err := env.store.ListAllowEntries(context.Background(), all)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No allow-list entries.")
				return nil
			}
			fmt.Println(renderEntries(entries, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include expired entries")
	return cmd
}

func allowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pubkey|did:nostr:...>",
		Short: "Show the whitelist status of a pubkey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := httpauth.ParsePubkeyOrDID(args[0])
			if err != nil {
				return err
			}
			env, err := openAllowEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			status, err := env.gate.Status(context.Background(), pubkey)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

func renderEntries(entries []store.AllowEntry, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("PUBKEY", "COHORTS", "ADDED", "ADDED BY", "EXPIRES", "NOTES")

	for _, e := range entries {
		t.Row(
			e.Pubkey,
			strings.Join(e.Cohorts, ","),
			time.Unix(e.AddedAt, 0).UTC().Format(time.DateOnly),
			shortKey(e.AddedBy),
			formatExpiry(e, now),
			e.Notes,
		)
	}
	return t.Render()
}

func formatExpiry(e store.AllowEntry, now time.Time) string {
	if e.ExpiresAt == nil {
		return "never"
	}
	at := time.Unix(*e.ExpiresAt, 0).UTC().Format(time.DateOnly)
	if e.Expired(now.Unix()) {
		return at + " (expired)"
	}
	return at
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:8] + "…" + k[len(k)-4:]
	}
	return k
}
