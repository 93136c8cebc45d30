package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	redisruntime "github.com/raniellyferreira/redis-runtime"
	"github.com/raniellyferreira/redis-runtime/replication"
)

type globalFlags struct {
	configPath string
	addr       string
	logLevel   string
	noColor    bool
}

// globalState is shared by every command
type globalState struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger
	flags  globalFlags
}

func newGlobalState(ctx context.Context, stdout, stderr io.Writer) *globalState {
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &globalState{
		ctx:    ctx,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
}

func newRootCommand(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:           "kvctl",
		Short:         "operate a Redis-compatible key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(gs.flags.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			gs.logger.SetLevel(level)
			return nil
		},
	}
	root.SetOut(gs.stdout)
	root.SetErr(gs.stderr)
	root.PersistentFlags().AddFlagSet(rootFlagSet(&gs.flags))

	root.AddCommand(
		getCmdServe(gs),
		getCmdInfo(gs),
		getCmdLag(gs),
		getCmdPublish(gs),
		getCmdSubscribe(gs),
		getCmdCache(gs),
		getCmdStats(gs),
		getCmdVersion(gs),
	)
	return root
}

func rootFlagSet(f *globalFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML configuration `file`; REDISRT_* variables override it")
	flags.StringVar(&f.addr, "addr", "", "store address, overrides the configured one")
	flags.StringVar(&f.logLevel, "log-level", "warn", "log level: trace, debug, info, warn or error")
	flags.BoolVar(&f.noColor, "no-color", false, "disable colored output")
	return flags
}

// loadConfig reads the configuration and applies --addr
func (gs *globalState) loadConfig() (redisruntime.Config, error) {
	cfg, err := redisruntime.LoadConfig(gs.flags.configPath)
	if err != nil {
		return cfg, err
	}
	if gs.flags.addr != "" {
		cfg.Addr = gs.flags.addr
	}
	return cfg, nil
}

// openRuntime builds a runtime for one-shot commands. The topology is never
// touched from here.
func (gs *globalState) openRuntime(withPubSub bool) (*redisruntime.Runtime, error) {
	cfg, err := gs.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.PubSub.Enabled = withPubSub
	cfg.Replication.Enabled = false
	cfg.Pool.MinConnections = min(cfg.Pool.MinConnections, 1)
	return redisruntime.New(gs.ctx, cfg, redisruntime.WithLogger(gs.logger))
}

// targetNode is the configured master, or the store address when
// replication is not configured or --addr is given
func (gs *globalState) targetNode(cfg redisruntime.Config) (replication.NodeConfig, error) {
	if cfg.Replication.Enabled && gs.flags.addr == "" {
		return cfg.Replication.Master, nil
	}
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return replication.NodeConfig{}, fmt.Errorf("invalid address %q: %w", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return replication.NodeConfig{}, fmt.Errorf("invalid address %q: bad port", cfg.Addr)
	}
	return replication.NodeConfig{Host: host, Port: port, Password: cfg.Password}, nil
}

func (gs *globalState) color(attributes ...color.Attribute) *color.Color {
	return getColor(gs.flags.noColor || color.NoColor, attributes...)
}

func getColor(noColor bool, attributes ...color.Attribute) *color.Color {
	if noColor {
		c := color.New()
		c.DisableColor()
		return c
	}

	c := color.New(attributes...)
	c.EnableColor()
	return c
}
