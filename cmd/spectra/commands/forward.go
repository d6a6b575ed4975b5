package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/discovery"
	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/fingerprint"
	"github.com/swordintel/spectra/pkg/spectra/forward"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/registry"
	"github.com/swordintel/spectra/pkg/spectra/telegram"
)

// newForwardCmd implements `forward(source?, destination?, mode, flags)`
// (spec §6), dispatching on the tagged ForwardMode variant (spec §9):
// selective copies one source to one destination; total iterates every
// AccessRecord-known source; discover-and-forward first runs a bounded
// crawl from seeds and then runs total mode, forwarding every
// AccessRecord-known source, including those the crawl added.
func newForwardCmd() *cobra.Command {
	var (
		mode               string
		destination        int64
		dedupe             bool
		prependOrigin      bool
		copyNotForward     bool
		secondaryDest      int64
		forwardToAllSaved  bool
		group              string
		groupWindowSeconds int
		maxDepth           int
		batchSize          int
		async              bool
	)

	cmd := &cobra.Command{
		Use:   "forward [source] <destination>",
		Short: "Forward messages between channels with dedup and at-most-once delivery",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			perceptualBits, fuzzySimilarity := app.Cfg.ResolveThresholds()
			opts := forward.Options{
				Mode:                       forward.Mode(mode),
				EnableDeduplication:        dedupe,
				Thresholds:                 fingerprint.Thresholds{PerceptualHashMaxDistance: perceptualBits, FuzzyMinSimilarity: fuzzySimilarity},
				PrependOriginInfo:          prependOrigin,
				CopyNotForward:             copyNotForward,
				SecondaryUniqueDestination: secondaryDest,
				ForwardToAllSaved:          forwardToAllSaved,
				Group:                      forward.GroupStrategy(group),
				GroupWindow:                time.Duration(groupWindowSeconds) * time.Second,
				MaxDepth:                   maxDepth,
			}

			if async && opts.Mode != forward.ModeSelective {
				return errs.New(errs.Configuration, "forward", fmt.Errorf("--async is only supported in selective mode"))
			}

			ctx := cmd.Context()
			switch opts.Mode {
			case forward.ModeTotal:
				destID := destination
				if destID == 0 {
					destID, err = parseEntityArg(args[len(args)-1])
					if err != nil {
						return err
					}
				}
				return runTotalForward(ctx, app, destID, opts, batchSize)
			case forward.ModeDiscoverAndForward:
				if len(args) < 2 {
					return fmt.Errorf("forward: discover_and_forward requires <seed> <destination>")
				}
				destID, err := parseEntityArg(args[1])
				if err != nil {
					return err
				}
				return runDiscoverAndForward(ctx, app, args[0], destID, opts, batchSize)
			default:
				if len(args) < 2 {
					return fmt.Errorf("forward: selective mode requires <source> <destination>")
				}
				srcID, err := parseEntityArg(args[0])
				if err != nil {
					return err
				}
				destID, err := parseEntityArg(args[1])
				if err != nil {
					return err
				}
				if async {
					job := &forward.Job{ID: uuid.NewString(), SourceEntityID: srcID, DestinationEntityID: destID, Options: opts}
					if err := app.EnqueueForwardJob(ctx, job, args[0], args[1]); err != nil {
						return err
					}
					fmt.Printf("queued forward job %s (%d -> %d); run `spectra serve` to process it\n", job.ID, srcID, destID)
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
				return runForwardJob(ctx, app, client, srcID, destID, opts, batchSize)
			}
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "selective", "selective | total | discover_and_forward")
	cmd.Flags().Int64Var(&destination, "destination", 0, "destination entity id (total mode)")
	cmd.Flags().BoolVar(&dedupe, "dedupe", true, "skip exact and near-duplicate messages")
	cmd.Flags().BoolVar(&prependOrigin, "prepend-origin-info", false, "prepend an origin banner to forwarded text")
	cmd.Flags().BoolVar(&copyNotForward, "copy", false, "re-post with the signed-in account instead of native forward")
	cmd.Flags().Int64Var(&secondaryDest, "secondary-unique-destination", 0, "best-effort secondary destination for non-duplicates")
	cmd.Flags().BoolVar(&forwardToAllSaved, "forward-to-all-saved", false, "also send every successful primary delivery to the dialing account's Saved Messages")
	cmd.Flags().StringVar(&group, "group", "", "shunt grouping strategy: filename | time")
	cmd.Flags().IntVar(&groupWindowSeconds, "group-window-seconds", 120, "window for the time grouping strategy")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 2, "discover_and_forward crawl depth")
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "messages per committed batch")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the job and return immediately (selective mode only); a running `spectra serve` processes it")
	return cmd
}

func parseEntityArg(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.New(errs.Configuration, "forward.parseEntityArg", fmt.Errorf("expected a numeric entity id, got %q", s))
	}
	return id, nil
}

// runForwardJob drives one (source, destination) pair to completion.
func runForwardJob(ctx context.Context, app *App, client *telegram.Client, src, dst int64, opts forward.Options, batchSize int) error {
	job := &forward.Job{ID: uuid.NewString(), SourceEntityID: src, DestinationEntityID: dst, Options: opts}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done, err := app.Forward.RunBatch(ctx, client, job, batchSize)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		time.Sleep(app.Governor.Pace(governor.OpMessages))
	}
}

// runTotalForward implements "total" mode: iterate every AccessRecord-known
// source and deliver to destID using the account known to have access to
// that specific source (spec §9 Open Question decision 3), not whichever
// account happens to be leased.
func runTotalForward(ctx context.Context, app *App, destID int64, opts forward.Options, batchSize int) error {
	sources, err := forward.AccessibleSources(ctx, app.Store)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if src == destID {
			continue
		}
		accountID, err := forward.AccountIDForSource(ctx, app.Store, src)
		if err != nil {
			app.Logger.Warn("total forward: no account has access, skipping source", "source", src, "error", err)
			continue
		}
		accounts, err := app.Registry.List(ctx, func(a registry.Account) bool { return a.ID == accountID })
		if err != nil || len(accounts) == 0 {
			continue
		}
		account := accounts[0]
		client, err := app.dialAccount(ctx, &account)
		if err != nil {
			app.Logger.Warn("total forward: dial failed, skipping source", "source", src, "error", err)
			continue
		}
		if err := runForwardJob(ctx, app, client, src, destID, opts, batchSize); err != nil {
			app.Logger.Warn("total forward: source failed", "source", src, "error", err)
		}
		client.Close()
	}
	return nil
}

// runDiscoverAndForward implements the "discover-and-forward" mode named
// in spec §4.6: a bounded crawl from seed, followed by runTotalForward into
// destID over every AccessRecord-known source, not only those the crawl
// added.
func runDiscoverAndForward(ctx context.Context, app *App, seed string, destID int64, opts forward.Options, batchSize int) error {
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

	job := &discovery.Job{
		ID: uuid.NewString(), Seeds: []string{seed}, MaxDepth: opts.MaxDepth,
		MaxEntities: 1 + 50*opts.MaxDepth, ScanMessageLimit: 1000,
		IncludePublic: true, AutoJoinPublic: true,
	}
	for {
		done, err := app.Discovery.RunBatch(ctx, client, account, job)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	return runTotalForward(ctx, app, destID, opts, batchSize)
}
