package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/discovery"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// newDiscoverCmd implements `discover(seeds, options)` (spec §6): bounded
// BFS expansion from seeds, one leased account driving RunBatch to
// completion (spec §4.7's per-popped-entity algorithm).
func newDiscoverCmd() *cobra.Command {
	var (
		maxDepth       int
		perLevelCap    int
		scanLimit      int
		includePrivate bool
		includePublic  bool
		autoJoin       bool
		keyword        string
		async          bool
	)

	cmd := &cobra.Command{
		Use:   "discover <seed> [seed...]",
		Short: "Expand a seed set of channels into a connected graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			job := &discovery.Job{
				ID:               uuid.NewString(),
				Seeds:            args,
				MaxDepth:         maxDepth,
				MaxEntities:      discoveryMaxEntities(perLevelCap, maxDepth),
				ScanMessageLimit: scanLimit,
				IncludePrivate:   includePrivate,
				IncludePublic:    includePublic,
				AutoJoinPublic:   autoJoin,
				Keyword:          keyword,
			}

			if async {
				if err := app.EnqueueDiscoveryJob(ctx, job, perLevelCap); err != nil {
					return err
				}
				fmt.Printf("queued discovery job %s for %d seed(s); run `spectra serve` to process it\n", job.ID, len(job.Seeds))
				return nil
			}

			account, release, err := app.Registry.Lease(ctx, registry.Policy{Mode: registry.ModeSmart})
			if err != nil {
				return err
			}
			defer release()

			client, err := app.dialAccount(ctx, account)
			if err != nil {
				return err
			}
			defer client.Close()

			entities := 0
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				done, err := app.Discovery.RunBatch(ctx, client, account, job)
				if err != nil {
					return err
				}
				entities++
				if done {
					break
				}
				time.Sleep(app.Governor.Pace(governor.OpDiscovery))
			}

			fmt.Printf("discovery complete: %d entities visited\n", entities)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 2, "maximum BFS depth from the seed set")
	cmd.Flags().IntVar(&perLevelCap, "per-level-cap", 50, "entity budget per BFS level")
	cmd.Flags().IntVar(&scanLimit, "max-messages", 1000, "recent messages scanned per entity for references")
	cmd.Flags().BoolVar(&includePrivate, "include-private", false, "consider private entities as candidates")
	cmd.Flags().BoolVar(&includePublic, "include-public", true, "consider public entities as candidates")
	cmd.Flags().BoolVar(&autoJoin, "auto-join", false, "join public entities as they are discovered")
	cmd.Flags().StringVar(&keyword, "keyword", "", "boost candidates whose title/description matches this keyword")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the job and return immediately; a running `spectra serve` processes it")
	return cmd
}
