package telegram

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/proxydial"
	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// InteractiveLogin drives gotd/td's auth.Flow against account's phone
// number to produce a fresh, authorized session for `accounts import
// --login` (spec §4.2: first-ever login for an account with no stored
// session material). The login code is read from stdin; the two-factor
// password is read masked from the terminal unless account already has
// one on file, following the teacher's copilot.ReadPassword pattern
// (pkg/devclaw/copilot/vault.go) for reading secrets without echo.
func InteractiveLogin(ctx context.Context, account *registry.Account, dialer *proxydial.Dialer) (*registry.Session, error) {
	store := &memorySessionStorage{}
	opts := telegram.Options{
		SessionStorage: store,
		Device: telegram.DeviceConfig{
			DeviceModel:   "spectra-archiver",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	}
	if dialer != nil {
		opts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dialer.DialContext})
	}

	client := telegram.NewClient(account.APIID, account.APIHash, opts)
	authr := &terminalAuthenticator{phone: account.PhoneNumber, password: account.Password}

	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(ctx context.Context) error {
			flow := auth.NewFlow(authr, auth.SendCodeOptions{})
			return flow.Run(ctx, client.Auth())
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, mapErr("telegram.InteractiveLogin", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(store.data) == 0 {
		return nil, errs.New(errs.Auth, "telegram.InteractiveLogin", fmt.Errorf("login flow completed without producing session material for %s", account.SessionName))
	}
	return registry.NewSession(store.data), nil
}

// terminalAuthenticator implements gotd/td's auth.UserAuthenticator by
// prompting the operator at the controlling terminal: the phone number is
// already known from the account record, the code is typed at a plain
// prompt, and the password (when the account has none stored) is read
// masked.
type terminalAuthenticator struct {
	phone    string
	password string
}

func (t *terminalAuthenticator) Phone(context.Context) (string, error) {
	return t.phone, nil
}

func (t *terminalAuthenticator) Password(context.Context) (string, error) {
	if t.password != "" {
		return t.password, nil
	}
	return readMaskedLine("two-factor password: ")
}

func (t *terminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("login code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("telegram.InteractiveLogin: reading code: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (t *terminalAuthenticator) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return nil
}

func (t *terminalAuthenticator) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errs.New(errs.Auth, "telegram.InteractiveLogin",
		fmt.Errorf("phone %s is not registered with Telegram; sign-up is not supported", t.phone))
}

// readMaskedLine prompts and reads one line from the terminal without
// echoing it, falling back to a plain stdin read when stdin isn't a TTY
// (e.g. piped input in scripted tests), matching the teacher's
// copilot.ReadPassword (pkg/devclaw/copilot/vault.go).
func readMaskedLine(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		line, rerr := bufio.NewReader(os.Stdin).ReadString('\n')
		if rerr != nil {
			return "", fmt.Errorf("telegram.InteractiveLogin: reading password: %w", rerr)
		}
		return strings.TrimSpace(line), nil
	}
	return string(b), nil
}
