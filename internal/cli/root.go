// Package cli implements the dagctl command line.
package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rpattn/dashdag/internal/builtins"
	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/loader"
	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/internal/transformations"
)

type globalFlags struct {
	graphsDir string
	namespace string
	stateFile string
	logLevel  string
}

// NewRootCmd builds the dagctl command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "dagctl",
		Short: "Run, flatten and validate execution graphs",
		Long: `dagctl works with execution graph files (YAML or JSON) locally.

Examples:
  # Execute every export of a graph
  dagctl run graphs/roster.yaml --param course_id=42

  # Execute one export and write it as CSV
  dagctl run graphs/roster.yaml --export counts --format csv --state state.json

  # Show the flattened node table
  dagctl flatten graphs/roster.yaml

  # Check a graph for dangling references, cycles and unknown functions
  dagctl validate graphs/roster.yaml`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.graphsDir, "graphs", "", "directory of graphs callable as <namespace>.<graph>")
	root.PersistentFlags().StringVar(&flags.namespace, "namespace", "graphs", "namespace for graphs loaded with --graphs")
	root.PersistentFlags().StringVar(&flags.stateFile, "state", "", "JSON file of reducer state keyed by store key")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(newRunCmd(flags), newFlattenCmd(), newValidateCmd(flags), newFunctionsCmd(flags))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// environment is the registry, store and executor shared by the commands.
type environment struct {
	registry *registry.Registry
	store    kvstore.Store
	executor *transformations.Executor
}

func (f *globalFlags) environment(errOut io.Writer, concurrent bool) (*environment, error) {
	logger := ctxlog.New(errOut, f.logLevel, "text")

	reg := registry.New()
	if err := reg.RegisterModules(builtins.Module{}); err != nil {
		return nil, err
	}

	var store kvstore.Store = kvstore.NewMemory(nil)
	if f.stateFile != "" {
		mem, err := kvstore.LoadMemoryFile(f.stateFile)
		if err != nil {
			return nil, err
		}
		store = mem
	}

	exec := transformations.NewExecutor(reg, store,
		transformations.WithConcurrentSiblings(concurrent),
		transformations.WithLogger(logger),
	)

	if f.graphsDir != "" {
		endpoints, err := loader.LoadDir(f.graphsDir)
		if err != nil {
			return nil, err
		}
		ns := module.New(f.namespace, exec)
		if err := ns.Bind(endpoints); err != nil {
			return nil, err
		}
		if err := ns.RegisterFunctions(reg); err != nil {
			return nil, err
		}
	}
	return &environment{registry: reg, store: store, executor: exec}, nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ "+format+"\n", args...)
}

func failure(w io.Writer, format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(w, "✗ "+format+"\n", args...)
}

func warning(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, "! "+format+"\n", args...)
}
