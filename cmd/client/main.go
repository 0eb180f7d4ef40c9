package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/chn0318/replicamap/opmsg"
	"github.com/chn0318/replicamap/storageserver"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "replicamap",
		Short:        "replicamap client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "localhost:50051", "Server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	root.AddCommand(
		mutationCmd("put <key> <value>", "Set key to value", 2, func(args []string) opmsg.Message {
			return opmsg.NewMutation(opmsg.OpPut, 0, 0, []byte(args[0]), nil, []byte(args[1]))
		}),
		mutationCmd("put-if-absent <key> <value>", "Set key if it is absent", 2, func(args []string) opmsg.Message {
			return opmsg.NewMutation(opmsg.OpPutIfAbsent, 0, 0, []byte(args[0]), nil, []byte(args[1]))
		}),
		mutationCmd("replace <key> <expected> <value>", "Replace key if it holds expected", 3, func(args []string) opmsg.Message {
			return opmsg.NewMutation(opmsg.OpReplaceExact, 0, 0, []byte(args[0]), []byte(args[1]), []byte(args[2]))
		}),
		mutationCmd("remove <key>", "Remove key", 1, func(args []string) opmsg.Message {
			return opmsg.NewMutation(opmsg.OpRemoveAny, 0, 0, []byte(args[0]), nil, nil)
		}),
		mutationCmd("merge <key> <function> <arg>", "Merge arg into key with a registered function", 3, func(args []string) opmsg.Message {
			return opmsg.NewFunctionOp(opmsg.OpMerge, 0, 0, []byte(args[0]), args[1], []byte(args[2]))
		}),
		getCmd(),
		flushCmd(),
		statsCmd(),
	)
	return root
}

func withClient(fn func(ctx context.Context, c *storageserver.Client) error) error {
	c, err := storageserver.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func mutationCmd(use, short string, nargs int, build func([]string) opmsg.Message) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *storageserver.Client) error {
				offset, err := c.Apply(ctx, build(args))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied at offset %d\n", offset)
				return nil
			})
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *storageserver.Client) error {
				v, ok, err := c.Get(ctx, []byte(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return nil
			})
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <partition>",
		Short: "Request a flush of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			part, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid partition %q: %w", args[0], err)
			}
			return withClient(func(ctx context.Context, c *storageserver.Client) error {
				return c.RequestFlush(ctx, int32(part))
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print map and flush queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *storageserver.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client_id=%v keys=%v\n", stats["client_id"], stats["keys"])
				parts, _ := stats["partitions"].([]any)
				for _, p := range parts {
					p, _ := p.(map[string]any)
					fmt.Fprintf(out, "partition=%v applied=%v queue_size=%v max_add=%v max_clean=%v\n",
						p["partition"], p["applied_offset"], p["queue_size"], p["max_add_offset"], p["max_clean_offset"])
				}
				return nil
			})
		},
	}
}
