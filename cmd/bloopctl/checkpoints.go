package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Checkpoints(config *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "checkpoints",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Run: func(cmd *cobra.Command, _ []string) {
			l := getLogger(config)
			store := mustOpenCheckpoints(config, l)
			defer store.Close()
			saved, err := store.List()
			if err != nil {
				l.Fatal("failed to list checkpoints", zap.Error(err))
			}
			table := getTable([]string{"Name", "Saved"}, cmd.OutOrStdout())
			for _, checkpoint := range saved {
				table.Append([]string{
					checkpoint.Name,
					humanize.Time(checkpoint.SavedAt),
				})
			}
			table.Render()
		},
	}
	cmd.AddCommand(list)

	remove := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(config)
			store := mustOpenCheckpoints(config, l)
			defer store.Close()
			for _, name := range args {
				if err := store.Delete(name); err != nil {
					l.Fatal("failed to delete checkpoint", zap.Error(err), zap.String("checkpoint_name", name))
				}
			}
		},
	}
	cmd.AddCommand(remove)

	return cmd
}
