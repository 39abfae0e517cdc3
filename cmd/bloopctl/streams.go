package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wilfre/bloop/checkpoints"
	"github.com/wilfre/bloop/stream"
)

const recordTemplate = `{{ .ShardID | shorten | yellow }} {{ .SequenceNumber }} {{ .Timestamp | parseDate }} {{ .Payload | bytesToString }}`

func Streams(ctx context.Context, config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "streams",
	}

	create := &cobra.Command{
		Use:  "create",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			shards, err := clog.CreateStream(args[0], config.GetInt("shards"))
			if err != nil {
				l.Fatal("failed to create stream", zap.Error(err))
			}
			for _, id := range shards {
				fmt.Println(id)
			}
		},
	}
	create.Flags().IntP("shards", "n", 1, "Number of root shards.")
	cmd.AddCommand(create)

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, _ []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			streams, err := clog.Streams()
			if err != nil {
				l.Fatal("failed to list streams", zap.Error(err))
			}
			for _, name := range streams {
				fmt.Println(name)
			}
		},
	}
	cmd.AddCommand(list)

	appendCommand := &cobra.Command{
		Use:  "append",
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			for _, payload := range args[1:] {
				seq, err := clog.Append(args[0], config.GetString("shard"), []byte(payload))
				if err != nil {
					l.Fatal("failed to append record", zap.Error(err))
				}
				fmt.Println(seq)
			}
		},
	}
	appendCommand.Flags().StringP("shard", "s", "", "Target shard id.")
	appendCommand.MarkFlagRequired("shard")
	cmd.AddCommand(appendCommand)

	tail := &cobra.Command{
		Use:  "tail",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			clog := mustOpenLog(config, l)
			defer clog.Close()
			var store *checkpoints.Store
			checkpointName := config.GetString("checkpoint")
			if checkpointName != "" {
				store = mustOpenCheckpoints(config, l)
				defer store.Close()
			}

			position, err := resolvePosition(config, store, checkpointName)
			if err != nil {
				l.Fatal("failed to resolve starting position", zap.Error(err))
			}
			c, err := stream.Open(ctx, clog, args[0], position,
				stream.WithLogger(l),
				stream.WithMaxBatchSize(config.GetInt("max-batch-size")))
			if err != nil {
				l.Fatal("failed to open coordinator", zap.Error(err))
			}
			tpl := ParseTemplate(config.GetString("format"))
			interval := config.GetDuration("poll-interval")
			count := config.GetInt64("max-count")
			var seen int64
			for {
				record, err := c.Next(ctx)
				if err != nil {
					if stream.IsTransient(err) {
						l.Warn("transient fetch failure, backing off", zap.Error(err))
						time.Sleep(interval)
						continue
					}
					if stale, ok := err.(*stream.StaleTokenError); ok {
						for _, shardID := range stale.ShardIDs {
							l.Warn("shard fell behind the trim horizon, restarting it",
								zap.String("shard_id", shardID))
							if err := c.RestartAtTrimHorizon(shardID); err != nil {
								l.Fatal("failed to restart shard", zap.Error(err))
							}
						}
						continue
					}
					l.Fatal("failed to read stream", zap.Error(err))
				}
				if record == nil {
					if !config.GetBool("follow") {
						break
					}
					time.Sleep(interval)
					continue
				}
				tpl.Execute(cmd.OutOrStdout(), record)
				seen++
				if store != nil {
					if err := store.Save(checkpointName, c.Token()); err != nil {
						l.Fatal("failed to save checkpoint", zap.Error(err))
					}
				}
				if count > 0 && seen >= count {
					break
				}
			}
		},
	}
	tail.Flags().Bool("latest", false, "Start at the tail of the stream.")
	tail.Flags().String("at-timestamp", "", "Start at the first record at or after this RFC3339 timestamp.")
	tail.Flags().String("checkpoint", "", "Resume from this named checkpoint, saving progress back to it.")
	tail.Flags().BoolP("follow", "f", false, "Keep polling once caught up.")
	tail.Flags().Duration("poll-interval", 250*time.Millisecond, "Delay between polls when the stream is quiet.")
	tail.Flags().Int64("max-count", -1, "Stop after this many records.")
	tail.Flags().Int("max-batch-size", 100, "Records fetched per shard per poll.")
	tail.Flags().String("format", recordTemplate, "Format each record using Golang template format.")
	cmd.AddCommand(tail)

	return cmd
}

func resolvePosition(config *viper.Viper, store *checkpoints.Store, name string) (stream.Position, error) {
	if store != nil {
		checkpoint, err := store.Load(name)
		if err == nil {
			return stream.FromToken(checkpoint.Token), nil
		}
		if !checkpoints.IsNotFound(err) {
			return stream.Position{}, err
		}
	}
	if stamp := config.GetString("at-timestamp"); stamp != "" {
		at, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return stream.Position{}, err
		}
		return stream.AtTimestamp(at), nil
	}
	if config.GetBool("latest") {
		return stream.Latest(), nil
	}
	return stream.TrimHorizon(), nil
}
