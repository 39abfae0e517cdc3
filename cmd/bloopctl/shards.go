package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wilfre/bloop/stream"
)

func Shards(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "shards",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			shards, err := clog.ListShards(ctx, args[0])
			if err != nil {
				l.Fatal("failed to list shards", zap.Error(err))
			}
			table := getTable([]string{"ID", "Parent", "Status", "First Seq", "Last Seq"}, cmd.OutOrStdout())
			for _, shard := range shards {
				last := ""
				if shard.Status == stream.ShardClosed {
					last = strconv.FormatUint(shard.LastSequence, 10)
				}
				table.Append([]string{
					shard.ID,
					shard.ParentID,
					shard.Status.String(),
					strconv.FormatUint(shard.FirstSequence, 10),
					last,
				})
			}
			table.Render()
		},
	}
	cmd.AddCommand(list)

	split := &cobra.Command{
		Use:  "split",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			children, err := clog.SplitShard(args[0], args[1], config.GetInt("children"))
			if err != nil {
				l.Fatal("failed to split shard", zap.Error(err))
			}
			for _, id := range children {
				fmt.Println(id)
			}
		},
	}
	split.Flags().IntP("children", "n", 2, "Number of child shards.")
	cmd.AddCommand(split)

	closeCommand := &cobra.Command{
		Use:  "close",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			if err := clog.CloseShard(args[0], args[1]); err != nil {
				l.Fatal("failed to close shard", zap.Error(err))
			}
		},
	}
	cmd.AddCommand(closeCommand)

	trim := &cobra.Command{
		Use:  "trim",
		Args: cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			beforeSeq, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				l.Fatal("invalid sequence number", zap.Error(err))
			}
			if err := clog.Trim(args[0], args[1], beforeSeq); err != nil {
				l.Fatal("failed to trim shard", zap.Error(err))
			}
		},
	}
	cmd.AddCommand(trim)

	return cmd
}
