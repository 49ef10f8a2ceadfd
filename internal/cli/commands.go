package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/kbmerge/internal/migrations"
	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

func parseKinds(names []string) ([]kb.Kind, error) {
	if len(names) == 0 {
		return kb.Kinds, nil
	}
	kinds := make([]kb.Kind, 0, len(names))
	for _, n := range names {
		k, err := kb.ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func NewPassCommand(opts *RootOptions) *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "pass",
		Short: "Run merge passes in this process",
		Long: `Run one pass per kind. An unfinished pass resumes from its checkpoint.

Examples:
  kbmerge pass
  kbmerge pass --kind persons --kind software`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				results, runErr := env.Engine.Run(cmd.Context(), ks)
				var done []*resolve.PassResult
				for _, r := range results {
					if r != nil {
						done = append(done, r)
					}
				}
				if err := opts.print(cmd.OutOrStdout(), done, func(w io.Writer) {
					for _, r := range done {
						fmt.Fprintf(w, "%s\tpass=%s resumed=%t scanned=%d candidates=%d merged=%d review=%d conflicts=%d stale=%d\n",
							r.Kind, r.PassID, r.Resumed, r.Scanned, r.Pairs, r.Merged, r.Review, r.Conflict, r.Stale)
					}
				}); err != nil {
					return err
				}
				return runErr
			})
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "kinds to resolve (default all)")
	return cmd
}

func NewReviewCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List and resolve review queue entries",
	}

	var kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List open review entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var k kb.Kind
			if kind != "" {
				parsed, err := kb.ParseKind(kind)
				if err != nil {
					return err
				}
				k = parsed
			}
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				entries, err := env.Engine.Reviewer().Open(cmd.Context(), k, limit)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), entries, func(w io.Writer) {
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.Reason, strings.Join(e.Members, ","))
					}
				})
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only entries of this kind")
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	resolveCmd := &cobra.Command{
		Use:   "resolve <review-id> <distinct|merge>",
		Short: "Record a curator decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				applied, err := env.Engine.Reviewer().Resolve(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), applied, func(w io.Writer) {
					if applied == nil || applied.Record == nil {
						fmt.Fprintf(w, "%s resolved as %s\n", args[0], args[1])
						return
					}
					fmt.Fprintf(w, "%s merged into %s (merge %s)\n", args[0], applied.Record.CanonicalID, applied.Record.ID)
				})
			})
		},
	}

	cmd.AddCommand(list, resolveCmd)
	return cmd
}

func NewRollbackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <merge-id>",
		Short: "Compensate a merge with an unmerge record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				report, err := env.Engine.AuditTrail().Rollback(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "unmerge %s restored %s (%d edges)\n", report.UnmergeID, strings.Join(report.Restored, ","), report.Edges)
					for _, u := range report.Unrecoverable {
						fmt.Fprintf(w, "unrecoverable: %s\n", u)
					}
				})
			})
		},
	}
}

func NewRedirectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redirect <vertex-id>...",
		Short: "Print the canonical id of vertices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				out := make(map[string]string, len(args))
				for _, id := range args {
					canonical, err := env.Engine.AuditTrail().Redirect(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					out[id] = canonical
				}
				return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					for _, id := range args {
						fmt.Fprintf(w, "%s\t%s\n", id, out[id])
					}
				})
			})
		},
	}
}

func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <vertex-id>",
		Short: "List the decisions naming a vertex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd.Context(), func(env *Env) error {
				records, err := env.Engine.AuditTrail().History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), records, func(w io.Writer) {
					for _, r := range records {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.ID, r.Decision, strings.Join(r.Members, ","))
					}
				})
			})
		},
	}
}

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", migrations.Dir(), "migrations directory")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.Up(util.GetEnv("DATABASE_URL"), dir)
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.Down(util.GetEnv("DATABASE_URL"), dir, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	cmd.AddCommand(up, down)
	return cmd
}
