package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

func (a *app) installCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <oci-ref>",
		Short: "Fetch, verify, validate and scan a plugin package, then request its grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				res, err := e.kernel.InstallFromSource(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(map[string]any{
					"installed": res.Installed,
					"signer":    res.Verification.SignerKeyID,
					"findings":  res.Report.Findings,
					"grants":    res.Grants,
				})
			})
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "run <plugin-id> <entry-point>",
		Short: "Invoke an installed plugin in a fresh sandbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &input); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				res, err := e.kernel.RunPlugin(ctx, args[0], args[1], input)
				if err != nil {
					return err
				}
				return a.print(res)
			})
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "entry point arguments as a JSON object")
	return cmd
}

func (a *app) keysCommand() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage trusted signing keys"}

	var (
		keyID, keyFile, by string
		validFor           time.Duration
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Trust a PEM encoded public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pem, err := os.ReadFile(keyFile)
			if err != nil {
				return err
			}
			key := entities.TrustedKey{KeyID: keyID, PublicKeyPEM: string(pem), AddedBy: by}
			if validFor > 0 {
				to := time.Now().Add(validFor).UTC()
				key.ValidTo = &to
			}
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				added, err := e.kernel.Keys().Add(ctx, key)
				if err != nil {
					return err
				}
				return a.print(added)
			})
		},
	}
	add.Flags().StringVar(&keyID, "id", "", "key id")
	add.Flags().StringVar(&keyFile, "public-key", "", "PEM public key file")
	add.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator adding the key")
	add.Flags().DurationVar(&validFor, "valid-for", 0, "validity window from now; zero means no expiry")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("public-key")

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key and re-verify every installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				results, err := e.kernel.RevokeKey(ctx, args[0], by, reason)
				if err != nil {
					return err
				}
				type row struct {
					PluginID string                 `json:"pluginId"`
					Version  string                 `json:"version"`
					Status   entities.InstallStatus `json:"status"`
					Error    string                 `json:"error,omitempty"`
				}
				rows := make([]row, 0, len(results))
				for _, r := range results {
					rr := row{PluginID: r.PluginID, Version: r.Version, Status: r.Status}
					if r.Err != nil {
						rr.Error = r.Err.Error()
					}
					rows = append(rows, rr)
				}
				return a.print(rows)
			})
		},
	}
	revoke.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator revoking the key")
	revoke.Flags().StringVar(&reason, "reason", "", "revocation reason")

	list := &cobra.Command{
		Use:   "list",
		Short: "List trusted keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(_ context.Context, e *env) error {
				return a.print(e.kernel.Keys().List())
			})
		},
	}

	keys.AddCommand(add, revoke, list)
	return keys
}

func (a *app) grantsCommand() *cobra.Command {
	grants := &cobra.Command{Use: "grants", Short: "Review and manage capability grants"}

	var pluginID, by, reason string
	var ttl time.Duration

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List requests awaiting approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				reqs, err := e.kernel.Permissions().Pending(ctx, pluginID)
				if err != nil {
					return err
				}
				return a.print(reqs)
			})
		},
	}
	pending.Flags().StringVar(&pluginID, "plugin", "", "only this plugin")

	approve := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []gatekeeper.ApproveOption
			if ttl > 0 {
				opts = append(opts, gatekeeper.ExpiresAt(time.Now().Add(ttl)))
			}
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				g, err := e.kernel.Permissions().Approve(ctx, args[0], by, opts...)
				if err != nil {
					return err
				}
				return a.print(g)
			})
		},
	}
	approve.Flags().StringVar(&by, "by", os.Getenv("USER"), "approving principal")
	approve.Flags().DurationVar(&ttl, "ttl", 0, "grant lifetime; zero means no expiry")

	deny := &cobra.Command{
		Use:   "deny <request-id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				r, err := e.kernel.Permissions().Deny(ctx, args[0], by, reason)
				if err != nil {
					return err
				}
				return a.print(r)
			})
		},
	}
	deny.Flags().StringVar(&by, "by", os.Getenv("USER"), "denying principal")
	deny.Flags().StringVar(&reason, "reason", "", "denial reason")

	revoke := &cobra.Command{
		Use:   "revoke <plugin-id> <capability>",
		Short: "Revoke the active grant for a capability",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := capability.Parse(args[1])
			if err != nil {
				return err
			}
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				g, err := e.kernel.Permissions().Revoke(ctx, args[0], c, by)
				if err != nil {
					return err
				}
				return a.print(g)
			})
		},
	}
	revoke.Flags().StringVar(&by, "by", os.Getenv("USER"), "revoking principal")

	history := &cobra.Command{
		Use:   "history <plugin-id>",
		Short: "List every grant recorded for a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				gs, err := e.kernel.Permissions().History(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(gs)
			})
		},
	}

	review := &cobra.Command{
		Use:   "review",
		Short: "Interactively approve or deny pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				res, err := e.kernel.Permissions().ReviewPending(ctx, gatekeeper.NewTerminalApprover(), by, pluginID)
				if err != nil {
					return err
				}
				return a.print(res)
			})
		},
	}
	review.Flags().StringVar(&pluginID, "plugin", "", "only this plugin")
	review.Flags().StringVar(&by, "by", os.Getenv("USER"), "reviewing principal")

	grants.AddCommand(pending, approve, deny, revoke, history, review)
	return grants
}

func (a *app) auditCommand() *cobra.Command {
	var (
		kind, pluginID, outcome string
		since                   time.Duration
		limit                   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := audit.Filter{Kind: audit.Kind(kind), PluginID: pluginID, Outcome: outcome, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			return a.withKernel(cmd, func(ctx context.Context, e *env) error {
				entries, err := e.kernel.Audit().Query(ctx, f)
				if err != nil {
					return err
				}
				return a.print(entries)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind (signature, validation, scan, grant, enforcement, sandbox, key)")
	cmd.Flags().StringVar(&pluginID, "plugin", "", "plugin id")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "newest entries to return; zero means all")
	return cmd
}
