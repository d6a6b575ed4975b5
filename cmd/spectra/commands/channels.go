package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// newChannelsCmd implements the `channels.update-access` verb (spec §6):
// re-resolve an entity for the leased account and refresh its
// AccessRecord, without running a full archive or discovery pass.
func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channels", Short: "Manage per-account channel access records"}
	cmd.AddCommand(newChannelsUpdateAccessCmd())
	return cmd
}

func newChannelsUpdateAccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-access <entity>",
		Short: "Re-resolve an entity and refresh its access hash for the leased account",
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

			entity, err := client.ResolveEntity(ctx, args[0])
			if err != nil {
				return err
			}

			tx, err := app.Store.Begin(ctx, false)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if _, err := tx.Apply(ctx, `INSERT INTO access_records (account_id, entity_id, access_hash, last_seen_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(account_id, entity_id) DO UPDATE SET access_hash = excluded.access_hash, last_seen_at = excluded.last_seen_at`,
				account.ID, entity.ID, entity.AccessHash); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}

			fmt.Printf("refreshed access hash for entity %d (%s) via %s\n", entity.ID, entity.Title, account.SessionName)
			return nil
		},
	}
}
