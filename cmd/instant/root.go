package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinal/instant"
	"github.com/martinal/instant/cache"
	"github.com/martinal/instant/internal/config"
	"github.com/martinal/instant/internal/logging"
	"github.com/martinal/instant/toolchain"
)

// errNoResults makes main exit non-zero without printing an extra error.
var errNoResults = errors.New("no results")

// app carries what every subcommand needs once the root command has loaded
// the configuration.
type app struct {
	stdout io.Writer
	stderr io.Writer

	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	client *instant.Client

	// toolchain replaces the configured toolchain when set.
	toolchain instant.ToolchainFunc
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, v: config.New()}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "instant",
		Short: "Build and cache Python extension modules from inline C/C++",
		Long: `instant turns C/C++ code into a Python extension module with swig and
a C++ compiler, and caches the result. Modules are rebuilt only when their
code, options or toolchain change, and concurrent builds of the same module
from any number of processes are serialized by a per-module file lock.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.String("cache-dir", "", "cache directory (default $"+cache.EnvCacheDir+" or the user cache dir)")
	pf.String("lock-backend", cache.BackendAuto, "lock backend: auto, flock, syscall or noop")
	pf.String("toolchain", toolchain.KindLocal, "toolchain: local or docker")
	pf.String("docker-image", "", "image for the docker toolchain")
	pf.String("log-level", "warn", "log level: debug, info, warn or error")
	pf.String("log-format", logging.FormatText, "log format: text, json or logfmt")

	root.AddCommand(
		a.buildCmd(),
		a.generateCmd(),
		a.fingerprintCmd(),
		a.lsCmd(),
		a.cleanCmd(),
		versionCmd(),
	)
	return root
}

// run executes args and releases the client afterwards, including when the
// command fails.
func (a *app) run(args []string) (*cobra.Command, error) {
	root := a.rootCmd()
	root.SetArgs(args)
	cmd, err := root.ExecuteC()
	return cmd, errors.Join(err, a.close())
}

func (a *app) close() error {
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.logger, err = logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	backend, err := cache.BackendByName(cfg.LockBackend)
	if err != nil {
		return err
	}
	tc := a.toolchain
	if tc == nil {
		tc = cfg.Collaborator
	}
	a.client = instant.New(
		instant.WithCacheDir(cfg.CacheDir),
		instant.WithLockBackend(backend),
		instant.WithToolchain(tc),
		instant.WithLogger(a.logger),
		instant.WithExitCleanup(true),
		instant.WithEvents(func(kind cache.EventKind, module string, err error) {
			if kind == cache.EventStarted {
				fmt.Fprintf(a.stderr, "building %s\n", module)
			}
		}),
	)
	return nil
}
