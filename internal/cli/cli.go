// Package cli implements refundctl, the operator command line for the refund ledger.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/georgemunganga/refund-ledger/internal/app"
	"github.com/georgemunganga/refund-ledger/internal/config"
	"github.com/georgemunganga/refund-ledger/internal/modules/auth"
	"github.com/georgemunganga/refund-ledger/internal/modules/ledger"
	"github.com/georgemunganga/refund-ledger/internal/modules/refund"
	"github.com/georgemunganga/refund-ledger/internal/platform/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var Version = "dev"

// Backend is what the commands need from a wired application.
type Backend interface {
	Sweep(ctx context.Context) (refund.SweepReport, error)
	ResyncOrders(ctx context.Context) (int, error)
	Ledger() ledger.Service
	Auth() auth.Service
	Close() error
}

// Opener builds a Backend on demand, so commands that fail validation never
// touch the database.
type Opener func(ctx context.Context) (Backend, error)

// NewRootCommand assembles the refundctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "refundctl",
		Short:         "Operate the refund and earnings ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(reconcileCmd(open))
	root.AddCommand(resyncCmd(open))
	root.AddCommand(ledgerCmd(open))
	root.AddCommand(tokenCmd(open))
	return root
}

func reconcileCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Poll PROCESSING refunds once, resubmit stale APPROVED ones and repair unsynced orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				report, err := b.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func resyncCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "resync-orders",
		Short: "Finish SUCCEEDED refunds whose ledger or order update did not complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				n, err := b.ResyncOrders(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "resynced %d refund(s)\n", n)
				return err
			})
		},
	}
}

func ledgerCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect seller earnings ledgers",
	}

	verify := &cobra.Command{
		Use:   "verify <seller-id>",
		Short: "Replay a seller's ledger and check every running balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sellerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid seller id %q", args[0])
			}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				if err := b.Ledger().Verify(ctx, sellerID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ledger consistent")
				return nil
			})
		},
	}

	var from, to string
	statement := &cobra.Command{
		Use:   "statement <seller-id>",
		Short: "Print a seller's statement as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sellerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid seller id %q", args[0])
			}
			rng, err := ledger.ParseRange(from, to)
			if err != nil {
				return err
			}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				st, err := b.Ledger().Statement(ctx, sellerID, rng)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	statement.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD or RFC 3339)")
	statement.Flags().StringVar(&to, "to", "", "end date, inclusive for plain dates")

	cmd.AddCommand(verify, statement)
	return cmd
}

func tokenCmd(open Opener) *cobra.Command {
	var role, subject, sellerID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a service account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := auth.Principal{Subject: subject, Role: auth.Role(strings.ToUpper(role))}
			if !p.Role.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if p.Subject == "" {
				p.Subject = uuid.NewString()
			}
			if sellerID != "" {
				id, err := uuid.Parse(sellerID)
				if err != nil {
					return fmt.Errorf("invalid seller id %q", sellerID)
				}
				p.SellerID = &id
			}
			if p.Role == auth.RoleSeller && p.SellerID == nil {
				return fmt.Errorf("--seller is required for SELLER tokens")
			}
			return withBackend(cmd, open, func(_ context.Context, b Backend) error {
				token, err := b.Auth().Issue(p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "ADMIN or SELLER")
	cmd.Flags().StringVar(&subject, "subject", "", "account id (random when empty)")
	cmd.Flags().StringVar(&sellerID, "seller", "", "seller id for SELLER tokens")
	return cmd
}

func withBackend(cmd *cobra.Command, open Opener, fn func(ctx context.Context, b Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := open(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── Production backend ────────────────────────────────────────────────────────

type appBackend struct{ a *app.App }

// OpenApp loads configuration from the environment and wires the application.
func OpenApp(ctx context.Context) (Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &appBackend{a: a}, nil
}

func (b *appBackend) Sweep(ctx context.Context) (refund.SweepReport, error) {
	return b.a.Worker.RunOnce(ctx)
}

func (b *appBackend) ResyncOrders(ctx context.Context) (int, error) {
	return b.a.Refunds.ResyncOrders(ctx)
}

func (b *appBackend) Ledger() ledger.Service { return b.a.Ledger }
func (b *appBackend) Auth() auth.Service     { return b.a.Auth }
func (b *appBackend) Close() error           { return b.a.Close() }
