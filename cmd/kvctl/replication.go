package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	redisruntime "github.com/raniellyferreira/redis-runtime"
	"github.com/raniellyferreira/redis-runtime/conn"
	"github.com/raniellyferreira/redis-runtime/replication"
)

func (gs *globalState) connOptions(cfg redisruntime.Config) conn.Options {
	return conn.Options{
		Addr:           cfg.Addr,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Logger:         gs.logger,
	}
}

func getCmdInfo(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the replication state of a node",
		Long: `Show the replication state of a node.

  Without --addr the configured replication master is queried, or the
  store address when replication is not configured. Replicas are
  reported too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gs.loadConfig()
			if err != nil {
				return err
			}
			node, err := gs.targetNode(cfg)
			if err != nil {
				return err
			}

			opts := gs.connOptions(cfg)
			opts.Addr = node.Addr()
			opts.Password = node.Password
			c, err := conn.Dial(gs.ctx, opts)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			reply, err := c.Do(gs.ctx, "INFO", "replication")
			if err != nil {
				return err
			}
			gs.printInfo(replication.ParseInfo(reply.String()))
			return nil
		},
	}
}

func (gs *globalState) printInfo(info *replication.Info) {
	fields := map[string]string{"role": info.Role}
	if info.IsMaster() {
		fields["connected_slaves"] = strconv.Itoa(info.ConnectedSlaves)
		fields["master_repl_offset"] = strconv.FormatInt(info.MasterOffset, 10)
	} else {
		fields["master"] = fmt.Sprintf("%s:%d", info.MasterHost, info.MasterPort)
		fields["master_link_status"] = info.MasterLinkStatus
		fields["slave_repl_offset"] = strconv.FormatInt(info.SlaveOffset, 10)
	}
	gs.printFields(fields)

	value := gs.color(colorValue)
	for i, s := range info.Slaves {
		fmt.Fprintf(gs.stdout, "slave%d: %s state=%s offset=%d lag=%d\n",
			i, value.Sprintf("%s:%d", s.IP, s.Port), s.State, s.Offset, s.Lag)
	}
}

func getCmdLag(gs *globalState) *cobra.Command {
	var aggregate string
	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show the replication lag of a master",
		Long: `Show the replication lag of a master, in bytes of replication stream.

  The lag of every slave is aggregated with --aggregate; max reports the
  slave furthest behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gs.loadConfig()
			if err != nil {
				return err
			}
			agg := cfg.Replication.LagAggregate
			if cmd.Flags().Changed("aggregate") {
				agg = replication.Aggregate(aggregate)
			}
			if !agg.Valid() {
				return fmt.Errorf("invalid --aggregate %q, use max, min or mean", agg)
			}
			node, err := gs.targetNode(cfg)
			if err != nil {
				return err
			}

			m := replication.New(replication.Options{
				Master:       node,
				LagAggregate: agg,
				Conn:         gs.connOptions(cfg),
				Logger:       gs.logger,
			})
			defer m.Cleanup() //nolint:errcheck

			lag, err := masterLag(gs.ctx, m)
			if err != nil {
				return err
			}
			gs.printFields(map[string]string{
				"lag":       strconv.FormatInt(lag, 10),
				"aggregate": string(agg),
			})
			return nil
		},
	}
	lagCmd.Flags().StringVar(&aggregate, "aggregate", string(replication.LagMax), "lag aggregate: max, min or mean")
	return lagCmd
}

func masterLag(ctx context.Context, m *replication.Manager) (int64, error) {
	if err := m.SetupMaster(ctx); err != nil {
		return 0, err
	}
	return m.GetReplicationLag(ctx)
}
