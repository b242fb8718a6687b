package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/seeder"
	"github.com/telhawk-systems/telhawk-detect/internal/storage"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Index synthetic source events",
	Long: `Generate fake authentication, process, DNS and HTTP events and index them
into OpenSearch so rules have something to match.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		client, err := storage.Connect(ctx, cfg.OpenSearch)
		if err != nil {
			return err
		}

		index, _ := cmd.Flags().GetString("index")
		count, _ := cmd.Flags().GetInt("count")
		batch, _ := cmd.Flags().GetInt("batch-size")
		spread, _ := cmd.Flags().GetDuration("time-spread")
		types, _ := cmd.Flags().GetStringSlice("types")
		seed, _ := cmd.Flags().GetInt64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		stats, err := seeder.Seed(ctx, client, seeder.NewGenerator(seed, nil), seeder.Options{
			Index:      index,
			Count:      count,
			BatchSize:  batch,
			TimeSpread: spread,
			EventTypes: types,
		}, logger)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d events into %s (%d failed)\n", stats.Indexed, index, stats.Failed)
		if stats.Failed > 0 {
			return fmt.Errorf("%d events failed, first: %s", stats.Failed, stats.Errors[0])
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().String("index", "logs-telhawk-seed", "index to write events into")
	seedCmd.Flags().Int("count", 1000, "number of events")
	seedCmd.Flags().Int("batch-size", 500, "events per bulk request")
	seedCmd.Flags().Duration("time-spread", time.Hour, "spread event timestamps over this window ending now")
	seedCmd.Flags().StringSlice("types", seeder.AllEventTypes, "event types to generate")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
	rootCmd.AddCommand(seedCmd)
}
