package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rpattn/dashdag/internal/export"
	"github.com/rpattn/dashdag/internal/flatten"
	"github.com/rpattn/dashdag/internal/loader"
	"github.com/rpattn/dashdag/internal/transformations"
	"github.com/rpattn/dashdag/pkg/validator"
)

// ErrInvalidGraph is returned by validate when the graph has errors.
var ErrInvalidGraph = errors.New("graph is invalid")

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		params     []string
		exports    []string
		full       bool
		concurrent bool
		format     string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a graph and print its exports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			env, err := flags.environment(cmd.ErrOrStderr(), concurrent)
			if err != nil {
				return err
			}

			mode := transformations.ModePublic
			if full {
				mode = transformations.ModeFull
			}
			opts := []transformations.ExecOption{transformations.WithMode(mode)}
			if len(exports) > 0 {
				opts = append(opts, transformations.WithExports(exports...))
			}

			results, err := env.executor.Execute(cmd.Context(), endpoint, values, opts...)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			case "csv":
				if len(results) != 1 {
					return fmt.Errorf("csv output needs exactly one export, got %d", len(results))
				}
				for _, value := range results {
					table, err := export.Tabulate(value)
					if err != nil {
						return err
					}
					if err := export.WriteCSV(cmd.OutOrStdout(), table); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("unsupported output format %q", format)
			}
			return results.Err()
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value; JSON values are decoded")
	cmd.Flags().StringSliceVarP(&exports, "export", "e", nil, "export to compute (default all)")
	cmd.Flags().BoolVar(&full, "full", false, "keep provenance context and traces in the output")
	cmd.Flags().BoolVar(&concurrent, "concurrent", false, "evaluate independent nodes concurrently")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or csv")
	return cmd
}

func newFlattenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flatten FILE",
		Short: "Print the flattened node table of a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			flat, err := flatten.Endpoint(endpoint)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), flat)
		},
	}
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a graph without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			env, err := flags.environment(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}

			result := validator.NewGraphValidator(env.registry).ValidateEndpoint(endpoint)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				for _, e := range result.Errors {
					failure(out, "%s", e)
				}
				for _, w := range result.Warnings {
					warning(out, "%s", w)
				}
				if result.IsValid {
					success(out, "%s is valid (%d nodes, %d exports)", args[0], len(endpoint.Graph), len(endpoint.Exports))
				}
			}
			if !result.IsValid {
				return fmt.Errorf("%w: %d error(s)", ErrInvalidGraph, len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newFunctionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List registered functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := flags.environment(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			for _, name := range env.registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// parseParams turns name=value pairs into parameters. Values that parse as
// JSON are decoded; anything else is kept as a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[name] = value
	}
	return params, nil
}
