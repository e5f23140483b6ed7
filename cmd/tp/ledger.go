package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskproof/internal/app"
)

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and administer the escrow ledger",
		Long:  "The ledger owns money and job status. Only the owner may credit accounts or change the fee rate.",
	}
	l.AddCommand(ledgerCreditCmd())
	l.AddCommand(ledgerBalanceCmd())
	l.AddCommand(ledgerFeeCmd())
	l.AddCommand(ledgerEntriesCmd())
	l.AddCommand(ledgerEscrowCmd())
	return l
}

func ledgerCreditCmd() *cobra.Command {
	var account string
	var amount int64
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Deposit funds into an account (owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Ledger.Credit(ctx, actorID(), account, amount); err != nil {
					return err
				}
				bal, err := rt.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account": account, "balance": bal})
				}
				fmt.Printf("Credited %d to %s (balance %d)\n", amount, account, bal)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to credit")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account balance (defaults to --actor-id)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := actorID()
			if len(args) == 1 {
				account = args[0]
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				bal, err := rt.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account": account, "balance": bal})
				}
				fmt.Printf("%s: %d\n", account, bal)
				return nil
			})
		},
	}
}

func ledgerFeeCmd() *cobra.Command {
	var set int
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Show the platform fee rate, or change it with --set (owner)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				if cmd.Flags().Changed("set") {
					if err := rt.Ledger.SetFeeRate(ctx, actorID(), set); err != nil {
						return err
					}
				}
				bps, err := rt.Ledger.FeeRate(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"fee_bps": bps, "max_fee_bps": rt.Ledger.Policy.MaxFeeBps})
				}
				fmt.Printf("Fee rate: %d bps (%.2f%%, max %d bps)\n", bps, float64(bps)/100, rt.Ledger.Policy.MaxFeeBps)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&set, "set", 0, "new rate in basis points")
	return cmd
}

func ledgerEntriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries <job-id>",
		Short: "List the legs posted for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Ledger.Entries(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Op", "Leg", "From", "To", "Amount", "At"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.OpRef, e.Leg, e.From, e.To, e.Amount, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ledgerEscrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escrow <job-id>",
		Short: "Show the ledger's own view of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				esc, err := rt.Ledger.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys held by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Actor", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RevokeAPIKey(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
}
