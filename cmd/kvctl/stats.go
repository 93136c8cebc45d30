package main

import (
	"github.com/spf13/cobra"

	redisruntime "github.com/raniellyferreira/redis-runtime"
	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/replication"
)

type statsReport struct {
	Runtime     redisruntime.Stats `yaml:"runtime"`
	Replication *replication.Info  `yaml:"replication"`
	Keyspace    string             `yaml:"keyspace"`
}

func getCmdStats(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show runtime and store statistics",
		Long: `Show runtime and store statistics.

  Opens a runtime against the store, runs INFO and prints the pool
  counters together with the replication and keyspace sections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := gs.openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			report := statsReport{}
			err = rt.Pool().Do(gs.ctx, func(c *conn.Conn) error {
				repl, err := c.Do(gs.ctx, "INFO", "replication")
				if err != nil {
					return err
				}
				keyspace, err := c.Do(gs.ctx, "INFO", "keyspace")
				if err != nil {
					return err
				}
				report.Replication = replication.ParseInfo(repl.String())
				report.Keyspace = keyspace.String()
				return nil
			})
			if err != nil {
				return err
			}
			report.Runtime = rt.Stats()
			return yamlPrint(gs.stdout, report)
		},
	}
}
