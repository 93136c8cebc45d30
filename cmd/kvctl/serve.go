package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raniellyferreira/redis-runtime/server"
	"github.com/raniellyferreira/redis-runtime/storage"
)

type serveFlags struct {
	listen      string
	password    string
	dir         string
	dbFilename  string
	load        bool
	databases   int
	maxKeys     int64
	idleTimeout time.Duration
}

func getCmdServe(gs *globalState) *cobra.Command {
	f := &serveFlags{}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the embedded store",
		Long: `Run the embedded store until interrupted.

  The store speaks RESP and supports strings, expiry, scripting,
  pub/sub, replication and JSON snapshots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storage.NewMemory(
				storage.WithDatabases(f.databases),
				storage.WithMaxKeys(f.maxKeys),
			)
			defer store.Close() //nolint:errcheck

			srv := server.NewServer(f.listen, store,
				server.WithLogger(gs.logger),
				server.WithPassword(f.password),
				server.WithSnapshotFile(f.dir, f.dbFilename),
				server.WithLoadOnStart(f.load),
				server.WithIdleTimeout(f.idleTimeout),
			)
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(gs.stdout, "listening on %s\n", gs.color(colorValue).Sprint(srv.Addr()))

			<-gs.ctx.Done()
			gs.logger.Info("Shutting down")
			return srv.Stop()
		},
	}
	serveCmd.Flags().AddFlagSet(serveFlagSet(f))
	return serveCmd
}

func serveFlagSet(f *serveFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVarP(&f.listen, "listen", "l", "127.0.0.1:6379", "`address` to listen on")
	flags.StringVar(&f.password, "password", "", "require clients to AUTH with this password")
	flags.StringVar(&f.dir, "dir", ".", "snapshot directory")
	flags.StringVar(&f.dbFilename, "dbfilename", "dump.json", "snapshot file name")
	flags.BoolVar(&f.load, "load", false, "restore the snapshot file on start")
	flags.IntVar(&f.databases, "databases", 16, "number of logical databases")
	flags.Int64Var(&f.maxKeys, "max-keys", 0, "per-database key bound with LRU eviction, 0 for unbounded")
	flags.DurationVar(&f.idleTimeout, "idle-timeout", 0, "close clients idle for longer than this, 0 to disable")
	return flags
}
