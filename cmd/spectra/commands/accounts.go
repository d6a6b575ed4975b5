package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// newAccountsCmd implements the `accounts.{import,list,test,reset}` verb
// group (spec §6).
func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "accounts", Short: "Manage the account inventory"}
	cmd.AddCommand(newAccountsImportCmd(), newAccountsListCmd(), newAccountsTestCmd(), newAccountsResetCmd())
	return cmd
}

// newAccountsImportCmd re-applies the configured accounts[] inventory
// (spec §4.2 Import: "never overwrites a good session with a blank one").
// NewApp already runs Import at startup, so this verb is a deliberate
// re-run for operators who edited the config file in place.
func newAccountsImportCmd() *cobra.Command {
	var login bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert the accounts[] inventory from the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()
			fmt.Printf("imported %d accounts\n", len(app.Cfg.Accounts))

			if !login {
				return nil
			}

			ctx := cmd.Context()
			accounts, err := app.Registry.List(ctx, func(a registry.Account) bool { return !a.Banned })
			if err != nil {
				return err
			}
			for _, a := range accounts {
				sess, err := app.Registry.LoadSession(a.SessionName)
				if err != nil {
					return err
				}
				if sess != nil {
					continue
				}
				fmt.Printf("%s: no stored session, starting interactive login\n", a.SessionName)
				if err := app.LoginAccount(ctx, &a); err != nil {
					return fmt.Errorf("accounts import: login for %s: %w", a.SessionName, err)
				}
				fmt.Printf("%s: login complete\n", a.SessionName)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&login, "login", false, "run an interactive Telegram login for accounts with no stored session")
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known accounts and their health state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			accounts, err := app.Registry.List(cmd.Context(), func(a registry.Account) bool { return all || !a.Banned })
			if err != nil {
				return err
			}
			for _, a := range accounts {
				fmt.Printf("%-24s state=%-12s usage=%-6d banned=%v\n", a.SessionName, a.HealthState, a.UsageCounter, a.Banned)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include banned accounts")
	return cmd
}

// newAccountsTestCmd dials every active account once to confirm its
// session still authenticates, without performing a pipeline step.
func newAccountsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Dial every active account to confirm its session is valid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			accounts, err := app.Registry.List(ctx, func(a registry.Account) bool { return !a.Banned })
			if err != nil {
				return err
			}
			for _, a := range accounts {
				client, dialErr := app.dialAccount(ctx, &a)
				if dialErr != nil {
					fmt.Printf("%-24s FAIL: %v\n", a.SessionName, dialErr)
					app.Registry.Record(ctx, registry.Event{Kind: registry.EventAuthFail, AccountID: a.ID})
					continue
				}
				client.Close()
				fmt.Printf("%-24s OK\n", a.SessionName)
				app.Registry.Record(ctx, registry.Event{Kind: registry.EventSuccess, AccountID: a.ID})
			}
			return nil
		},
	}
}

// newAccountsResetCmd clears an account's ban flag. Spec §4.2: "terminal
// banned may be cleared only by operator action" -- this command is that
// action.
func newAccountsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session-name>",
		Short: "Clear an account's ban flag (operator action only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(configPath(cmd))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			accounts, err := app.Registry.List(ctx, func(a registry.Account) bool { return a.SessionName == args[0] })
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				return errs.New(errs.Configuration, "accounts.reset", fmt.Errorf("no account named %q", args[0]))
			}

			tx, err := app.Store.Begin(ctx, false)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if _, err := tx.Apply(ctx, `UPDATE accounts SET banned = 0, health_state = 'active', cooldown_until = NULL WHERE id = ?`, accounts[0].ID); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			fmt.Printf("cleared ban flag for %s\n", args[0])
			return nil
		},
	}
}
