package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raniellyferreira/redis-runtime/pubsub"
)

// jsonArg passes valid JSON through untouched and encodes anything else as
// a string
func jsonArg(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

func getCmdPublish(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <channel> <data>",
		Short: "Publish a message",
		Long: `Publish a message wrapped in the runtime envelope.

  Data that is valid JSON is sent as is, anything else as a JSON string.`,
		Example: `  kvctl publish orders '{"id": 42}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := gs.openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			n, err := rt.PubSub().PublishCount(gs.ctx, args[0], jsonArg(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(gs.stdout, "delivered to %s subscribers\n", gs.color(colorValue).Sprint(n))
			return nil
		},
	}
}

func getCmdSubscribe(gs *globalState) *cobra.Command {
	var (
		pattern bool
		count   int
	)
	subscribeCmd := &cobra.Command{
		Use:   "subscribe <channel>...",
		Short: "Print messages published to channels",
		Long: `Print messages published to channels until interrupted.

  With --pattern the arguments are glob patterns. Messages that fail
  envelope validation are dropped and logged.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := gs.openRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			messages := make(chan *pubsub.Message, 64)
			handler := func(m *pubsub.Message) {
				select {
				case messages <- m:
				case <-gs.ctx.Done():
				}
			}

			broker := rt.PubSub()
			for _, name := range args {
				if pattern {
					_, err = broker.Pattern(gs.ctx, name, handler)
				} else {
					_, err = broker.Subscribe(gs.ctx, name, handler)
				}
				if err != nil {
					return err
				}
			}
			gs.logger.WithField("channels", args).Info("Subscribed")

			channel := gs.color(colorValue)
			for received := 0; count == 0 || received < count; received++ {
				select {
				case m := <-messages:
					fmt.Fprintf(gs.stdout, "%s %s %s\n",
						m.Time().Format(time.RFC3339), channel.Sprint(m.Channel), m.Data)
				case <-gs.ctx.Done():
					return nil
				}
			}
			return nil
		},
	}
	subscribeCmd.Flags().BoolVarP(&pattern, "pattern", "p", false, "treat arguments as glob patterns")
	subscribeCmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages, 0 to run until interrupted")
	return subscribeCmd
}
