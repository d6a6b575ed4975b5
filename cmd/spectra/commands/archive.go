package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/archive"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// newArchiveCmd implements the operator verb `archive(entity, options)`
// (spec §6): leases one account, runs the Archival Pipeline to
// completion across as many committed batches as the history needs, then
// prints the offline-verifiable summary (spec §4.5).
func newArchiveCmd() *cobra.Command {
	var (
		downloadMedia bool
		archiveTopics bool
		batchSize     int
		maxMediaMB    int
		async         bool
	)

	cmd := &cobra.Command{
		Use:   "archive <entity>",
		Short: "Archive one channel's message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
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

			resolved, err := client.ResolveEntity(ctx, args[0])
			if err != nil {
				return err
			}

			job := &archive.Job{
				ID:             uuid.NewString(),
				TargetEntityID: resolved.ID,
				EntityRef:      args[0],
				Options: archive.Options{
					DownloadMedia:   downloadMedia,
					MaxMediaBytes:   int64(maxMediaMB) << 20,
					ArchiveTopics:   archiveTopics,
					BatchSize:       batchSize,
					InterBatchDelay: 0,
				},
			}

			if async {
				if err := app.EnqueueArchiveJob(ctx, job); err != nil {
					return err
				}
				fmt.Printf("queued archive job %s for entity %d; run `spectra serve` to process it\n", job.ID, resolved.ID)
				return nil
			}

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				done, err := app.Archive.RunBatch(ctx, client, account, job, "archive")
				if err != nil {
					return err
				}
				if done {
					break
				}
				time.Sleep(app.Governor.Pace(governor.OpMessages))
			}

			summary, err := app.Archive.Verify(ctx, resolved.ID)
			if err != nil {
				return err
			}
			fmt.Printf("archived %d messages (id %d-%d), %d media bytes, digest %s\n",
				summary.Count, summary.MinID, summary.MaxID, summary.TotalMediaBytes, summary.ChecksumDigest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&downloadMedia, "media", true, "download eligible media attachments")
	cmd.Flags().BoolVar(&archiveTopics, "topics", false, "record archive_topics in the job options (topic threads are not iterated separately)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 200, "messages fetched and committed per batch")
	cmd.Flags().IntVar(&maxMediaMB, "max-file-size-mb", 2000, "skip media larger than this, in MiB")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the job and return immediately; a running `spectra serve` processes it")
	return cmd
}
