package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/martinal/instant/cache"
)

func (a *app) buildCmd() *cobra.Command {
	var (
		sf    specFlags
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a module, or reuse the cached one",
		Long: `Build generates the swig interface file for a module, builds it with the
configured toolchain and prints the path of the loadable extension. When
nothing that affects the module has changed the cached extension is reused.

Modules come from flags or from a manifest with one [[module]] table per
module; manifest modules are built in parallel.`,
		Example: `  instant build -m vecsum --code 'double sum(int n, double* x);' --array n,x
  instant build -f modules.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := sf.specs(cmd.InOrStdin())
			if err != nil {
				return err
			}
			results, err := a.client.CreateExtensions(cmd.Context(), specs)
			if err != nil {
				return err
			}
			modules := make([]string, 0, len(results))
			for m := range results {
				modules = append(modules, m)
			}
			slices.Sort(modules)
			for _, m := range modules {
				res := results[m]
				if quiet {
					fmt.Fprintln(a.stdout, res.Path)
					continue
				}
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", m, buildState(res.State), res.Path)
			}
			return nil
		},
	}
	sf.register(cmd.Flags())
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print artifact paths only")
	return cmd
}

func buildState(s cache.State) string {
	if s == cache.StateReuse {
		return "cached"
	}
	return "built"
}

func (a *app) generateCmd() *cobra.Command {
	var sf specFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the swig interface file of a module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := sf.specs(cmd.InOrStdin())
			if err != nil {
				return err
			}
			for _, s := range specs {
				req, err := a.client.Request(s)
				if err != nil {
					return err
				}
				if len(specs) > 1 {
					fmt.Fprintf(a.stdout, "// %s.i\n", req.Module)
				}
				a.stdout.Write(req.Input) //nolint:errcheck
			}
			return nil
		},
	}
	sf.register(cmd.Flags())
	return cmd
}

func (a *app) fingerprintCmd() *cobra.Command {
	var sf specFlags
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint a module's cache entry is checked against",
		Long: `Fingerprint prints, for each module, the hash of everything that decides
whether its cached extension can be reused: code, options, the generated
interface file and the toolchain identity. It asks the toolchain for its
version but never builds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := sf.specs(cmd.InOrStdin())
			if err != nil {
				return err
			}
			for _, s := range specs {
				req, err := a.client.Request(s)
				if err != nil {
					return err
				}
				fp, err := a.client.Fingerprint(cmd.Context(), s)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s\t%s\n", req.Module, fp)
			}
			return nil
		},
	}
	sf.register(cmd.Flags())
	return cmd
}
