package main

import (
	"github.com/spf13/cobra"

	redisruntime "github.com/raniellyferreira/redis-runtime"
)

func getCmdVersion(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			gs.printFields(redisruntime.VersionInfo())
		},
	}
}
