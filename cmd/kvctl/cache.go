package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raniellyferreira/redis-runtime/cache"
)

func getCmdCache(gs *globalState) *cobra.Command {
	var prefix string
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Read and write cache entries",
		Long: `Read and write cache entries.

  Keys are namespaced with the configured key prefix, or --prefix.`,
	}
	cacheCmd.PersistentFlags().StringVar(&prefix, "prefix", "", "key prefix, defaults to the configured one")

	withCache := func(fn func(c *cache.Client, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := gs.openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			c := rt.Cache()
			if prefix != "" {
				c = rt.CacheWithPrefix(prefix)
			}
			return fn(c, args)
		}
	}

	var ttl time.Duration
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Long: `Store a value. Values that are valid JSON are stored as is, anything
else as a JSON string.`,
		Args: cobra.ExactArgs(2),
		RunE: withCache(func(c *cache.Client, args []string) error {
			if !c.Set(gs.ctx, args[0], jsonArg(args[1]), ttl) {
				return fmt.Errorf("could not set %q", c.Key(args[0]))
			}
			fmt.Fprintln(gs.stdout, "OK")
			return nil
		}),
	}
	setCmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live, defaults to the configured one; negative keeps the key forever")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(c *cache.Client, args []string) error {
			var v json.RawMessage
			if !c.Get(gs.ctx, args[0], &v) {
				fmt.Fprintln(gs.stdout, gs.color(colorWarn).Sprint("(nil)"))
				return nil
			}
			fmt.Fprintln(gs.stdout, string(v))
			return nil
		}),
	}

	delCmd := &cobra.Command{
		Use:   "del <key>...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(func(c *cache.Client, args []string) error {
			deleted := 0
			for _, key := range args {
				if c.Delete(gs.ctx, key) {
					deleted++
				}
			}
			fmt.Fprintf(gs.stdout, "deleted %s\n", gs.color(colorValue).Sprint(deleted))
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every key under the prefix",
		Args:  cobra.NoArgs,
		RunE: withCache(func(c *cache.Client, _ []string) error {
			n, err := c.Clear(gs.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(gs.stdout, "deleted %s\n", gs.color(colorValue).Sprint(n))
			return nil
		}),
	}

	cacheCmd.AddCommand(setCmd, getCmd, delCmd, clearCmd)
	return cacheCmd
}
