// Package cli implements the kbmerge operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/kbmerge/internal/bootstrap"
	"github.com/OFFIS-RIT/kbmerge/internal/config"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Env is what the commands operate on.
type Env struct {
	Engine *resolve.Engine
	Close  func()
}

// Opener builds the Env from the loaded configuration.
type Opener func(ctx context.Context, cfg *config.Config) (*Env, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format     string
	ConfigPath string

	open Opener
}

// OpenDatabase connects the commands to Postgres.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*Env, error) {
	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Env{Engine: rt.Engine, Close: rt.Close}, nil
}

func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "kbmerge",
		Short: "Entity resolution and merge passes over the knowledge base",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file (default $MERGE_CONFIG)")

	cmd.AddCommand(NewPassCommand(opts))
	cmd.AddCommand(NewReviewCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewRedirectCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

func (o *RootOptions) config() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.Load()
	}
	cfg, err := config.LoadFromFile(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid merge config: %w", err)
	}
	return cfg, nil
}

// withEnv loads the configuration, opens the Env and closes it after fn.
func (o *RootOptions) withEnv(ctx context.Context, fn func(env *Env) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	env, err := o.open(ctx, cfg)
	if err != nil {
		return err
	}
	if env.Close != nil {
		defer env.Close()
	}
	return fn(env)
}

// print writes v as indented JSON, or text when the text format is
// selected.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
