package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskproof/internal/app"
	"taskproof/internal/domain"
	"taskproof/internal/engine"
	"taskproof/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Fund, claim and prove jobs",
		Long:  "Jobs move NONE -> OPEN (funded) -> LOCKED (claimed) -> COMPLETED, or through DISPUTED to COMPLETED or REFUNDED.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobClaimCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobReconcileCmd())
	job.AddCommand(jobDecisionsCmd())
	return job
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func jobCreateCmd() *cobra.Command {
	var req engine.FundJobRequest
	var lat, lon, accuracy float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job and escrow its amount from --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Client = actorID()
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				req.Location = domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: accuracy}
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.FundJob(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "job title")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().Int64Var(&req.Amount, "amount", 0, "escrowed amount")
	cmd.Flags().Float64Var(&lat, "lat", 0, "job site latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "job site longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "location accuracy in meters")
	cmd.Flags().StringSliceVar(&req.ReferenceMedia, "reference", nil, "before photo locator (file://, https://, ipfs://, s3://); repeatable")
	cmd.Flags().StringVar(&req.Plan.Category, "category", "", "task category")
	cmd.Flags().StringVar(&req.Plan.ExpectedTransformation, "expected", "", "expected outcome")
	cmd.Flags().StringSliceVar(&req.Plan.Checklist, "checklist", nil, "checklist item; repeatable")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func jobClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an open job as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.ClaimJob(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				jobs, err := rt.Engine.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Amount", "Client", "Worker", "Attempts", "Settlement"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Title, j.Status, j.Amount, j.Client, optionalString(j.Worker), j.Attempts, j.Settlement})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Client, "client", "", "client filter")
	cmd.Flags().StringVar(&f.Worker, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.Settlement, "settlement", "", "settlement filter (none, pending_confirmation, needs_reconciliation)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func jobSubmitCmd() *cobra.Command {
	var proof []string
	var lat, lon, accuracy float64
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit proof for a claimed job as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			req := engine.SubmitProofRequest{JobID: id, Worker: actorID(), ProofMedia: proof}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				req.Coordinates = &domain.Coordinates{Latitude: &lat, Longitude: &lon, AccuracyMeters: accuracy}
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				out, err := rt.Engine.SubmitProof(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				d := out.Decision
				fmt.Printf("Attempt %d: %s (score %.2f)\n", d.Attempt, d.Verdict, d.Score)
				if d.Category != "" {
					fmt.Printf("Category: %s\n", d.Category)
				}
				for _, issue := range d.Issues {
					fmt.Printf("  issue: %s\n", issue)
				}
				for _, s := range d.Suggestions {
					fmt.Printf("  suggestion: %s\n", s)
				}
				fmt.Printf("Job %d is %s (settlement %s)\n", out.Job.ID, out.Job.Status, out.Settlement)
				if out.Dispute != nil {
					fmt.Printf("Dispute %s opened\n", out.Dispute.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&proof, "proof", nil, "after photo locator; repeatable")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude where proof was taken")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude where proof was taken")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "location accuracy in meters")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}

func jobReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <id>",
		Short: "Re-read the ledger for a flagged job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				job, err := rt.Engine.Reconcile(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <id>",
		Short: "List decisions recorded for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListDecisions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Attempt", "Verdict", "Score", "Category", "GPS", "Visual", "Transformation", "Coverage", "Requirements", "At"})
				for _, d := range items {
					b := d.Breakdown
					tw.AppendRow(table.Row{d.Attempt, d.Verdict, d.Score, d.Category, b.GPS, b.Visual, b.Transformation, b.Coverage, b.Requirements, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Open, review and resolve disputes",
	}
	d.AddCommand(disputeOpenCmd())
	d.AddCommand(disputeReviewCmd())
	d.AddCommand(disputeResolveCmd())
	d.AddCommand(disputeListCmd())
	return d
}

func disputeOpenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "open <job-id>",
		Short: "Dispute a locked job as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.CreateDispute(ctx, id, actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the job is contested")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func disputeReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <dispute-id>",
		Short: "Take a pending dispute under review (arbiter)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.ReviewDispute(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func disputeResolveCmd() *cobra.Command {
	var approve, refund bool
	var notes string
	cmd := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve a dispute once (arbiter)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == refund {
				return fmt.Errorf("exactly one of --approve or --refund is required")
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.ResolveDispute(ctx, args[0], approve, actorID(), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "pay the worker")
	cmd.Flags().BoolVar(&refund, "refund", false, "refund the client")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func disputeListCmd() *cobra.Command {
	var f repo.DisputeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListDisputes(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Job", "Status", "Raised By", "Automatic", "Resolution", "Reason"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.JobID, d.Status, d.RaisedBy, d.Automatic, d.Resolution, d.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.JobID, "job", 0, "job id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (PENDING, UNDER_REVIEW, RESOLVED)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}
