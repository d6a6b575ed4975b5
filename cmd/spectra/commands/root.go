package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the spectra CLI with every verb spec §6's operator
// surface names: archive, discover, forward, accounts.*,
// channels.update-access, schedule.*, plus a serve command that runs the
// Account Scheduler pool and the maintenance sweeps as a long-lived
// process.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "spectra",
		Short:   "Multi-account Telegram archival, discovery, and forwarding engine",
		Version: version,
	}

	root.PersistentFlags().StringP("config", "c", "spectra.json", "path to the JSON configuration document")

	root.AddCommand(
		newArchiveCmd(),
		newDiscoverCmd(),
		newForwardCmd(),
		newAccountsCmd(),
		newChannelsCmd(),
		newScheduleCmd(),
		newServeCmd(),
	)

	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}
