package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ggoodman/mcp-context-gateway/internal/config"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/resources"
	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/spf13/cobra"
)

// withStores opens persistent storage for the duration of fn.
func (a *app) withStores(cmd *cobra.Command, fn func(st storage.Storage, policies *policy.Store) error) error {
	st, err := a.openPersistentStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()
	return fn(st, policy.NewStore(st, policy.WithLogger(a.log)))
}

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit workspace policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <workspace>",
		Short: "Create a workspace policy with safe defaults (disabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				p, err := policies.InitPolicy(cmd.Context(), args[0], "cli")
				if err != nil {
					return err
				}
				return printPolicy(cmd.OutOrStdout(), p)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <workspace>",
		Short: "Print a workspace policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				p, err := policies.GetPolicy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printPolicy(cmd.OutOrStdout(), p)
			})
		},
	})

	var (
		enabled, exposeGlobal, exposeDocs bool
		allowedTools                      []string
		maxContextSize                    int
	)
	set := &cobra.Command{
		Use:   "set <workspace>",
		Short: "Change policy settings; unspecified flags keep their current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				p, err := policies.GetPolicy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("enabled") {
					p.Enabled = enabled
				}
				if flags.Changed("expose-global-context") {
					p.ExposeGlobalContext = exposeGlobal
				}
				if flags.Changed("expose-documents") {
					p.ExposeDocuments = exposeDocs
				}
				if flags.Changed("allowed-tools") {
					p.AllowedTools = allowedTools
				}
				if flags.Changed("max-context-size") {
					p.MaxContextSize = maxContextSize
				}
				if err := policies.SavePolicy(cmd.Context(), p); err != nil {
					return err
				}
				return printPolicy(cmd.OutOrStdout(), p)
			})
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", false, "enable the gateway for the workspace")
	set.Flags().BoolVar(&exposeGlobal, "expose-global-context", false, "allow read_global_context")
	set.Flags().BoolVar(&exposeDocs, "expose-documents", false, "allow search_resources and read_resource")
	set.Flags().StringSliceVar(&allowedTools, "allowed-tools", nil, "comma separated tool allow-list")
	set.Flags().IntVar(&maxContextSize, "max-context-size", policy.DefaultMaxContextSize, "maximum characters per tool result")
	cmd.AddCommand(set)

	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage workspace access keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <workspace> <label>",
		Short: "Issue an access key; the secret is printed once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				secret, key, err := policies.CreateAccessKey(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:     %s\nlabel:  %s\nsecret: %s\n", key.ID, key.Label, secret)
				fmt.Fprintln(out, "\nStore the secret now; it cannot be shown again.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <workspace>",
		Short: "List access keys (prefixes only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				keys, err := policies.ListAccessKeys(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLABEL\tPREFIX\tCREATED")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Label, k.KeyPrefix, k.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <workspace> <key-id>",
		Short: "Revoke an access key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStores(cmd, func(_ storage.Storage, policies *policy.Store) error {
				if err := policies.RevokeAccessKey(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[1])
				return nil
			})
		},
	})

	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Apply a YAML seed of workspaces, policies and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := config.LoadSeed(args[0])
			if err != nil {
				return err
			}
			return a.withStores(cmd, func(st storage.Storage, policies *policy.Store) error {
				res, err := config.ApplySeed(cmd.Context(), seed, policies, resources.NewRepository(st))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d workspaces, %d resources\n", res.Workspaces, res.Resources)
				printIssuedKeys(cmd.OutOrStdout(), res.Keys)
				return nil
			})
		},
	}
}

func printPolicy(w io.Writer, p *policy.Policy) error {
	view := struct {
		WorkspaceID string `json:"workspaceId"`
		policy.Settings
		Keys      int       `json:"accessKeys"`
		UpdatedAt time.Time `json:"updatedAt"`
	}{p.WorkspaceID, policy.SettingsOf(p), len(p.AccessKeys), p.UpdatedAt}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// printIssuedKeys writes newly issued secrets to the terminal, never to the log.
func printIssuedKeys(w io.Writer, keys []config.IssuedKey) {
	if len(keys) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("issued access keys (shown once):\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s/%s  %s\n", k.WorkspaceID, k.Label, k.Secret)
	}
	_, _ = io.WriteString(w, b.String())
}
