package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/maintenance"
)

// newScheduleCmd implements `schedule.{add,list,remove}` (spec §6): manages
// the three periodic maintenance sweeps (invitation retry, fingerprint
// retention, cooldown expiry) a running `spectra serve` process drives.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage periodic maintenance sweep jobs",
		Long: `Manages the maintenance sweeps that back the invitation sub-pipeline,
fingerprint retention, and account cooldown expiry. These jobs only run
inside a "spectra serve" process; this command edits their persisted
schedule.`,
	}
	cmd.AddCommand(newScheduleAddCmd(), newScheduleListCmd(), newScheduleRemoveCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <kind> <cron-expr>",
		Short: "Add a sweep job. kind is invitation_retry | fingerprint_retention | cooldown_expiry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			kind := maintenance.Kind(args[0])
			switch kind {
			case maintenance.KindInvitationRetry, maintenance.KindFingerprintRetention, maintenance.KindCooldownExpiry:
			default:
				return errs.New(errs.Configuration, "schedule.add", fmt.Errorf("unknown sweep kind %q", args[0]))
			}

			if err := app.Maintenance.Add(&maintenance.Job{
				ID:       string(kind),
				Kind:     kind,
				CronExpr: args[1],
				Enabled:  true,
			}); err != nil {
				return err
			}
			fmt.Printf("scheduled %s on %q\n", kind, args[1])
			return nil
		},
	}
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled sweep jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			jobs, err := app.jobStore.LoadAll()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no scheduled jobs")
				return nil
			}
			for _, j := range jobs {
				last := "never"
				if j.LastRunAt != nil {
					last = j.LastRunAt.Format("2006-01-02T15:04:05Z")
				}
				fmt.Printf("%-24s kind=%-24s cron=%-16q last-run=%s runs=%d\n", j.ID, j.Kind, j.CronExpr, last, j.RunCount)
			}
			return nil
		},
	}
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled sweep job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.jobStore.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}
