package commands

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/approver"
	"github.com/wolfeidau/biopay/internal/credential"
	"github.com/wolfeidau/biopay/internal/localsession"
)

type ApproveCmd struct {
	ServerFlags `embed:""`

	SecretHex string        `help:"device secret for the software authenticator, as hex" required:"" env:"BIOPAY_DEVICE_SECRET"`
	StateDir  string        `help:"directory holding the local session (default: ~/.biopay)" env:"BIOPAY_STATE_DIR"`
	Interval  time.Duration `help:"pending poll interval" default:"500ms"`
	Yes       bool          `help:"approve every request without prompting" short:"y"`
	Once      bool          `help:"exit after the first request is handled"`

	in io.Reader
}

func (c *ApproveCmd) Run(ctx context.Context, globals *Globals) error {
	deviceSecret, err := hex.DecodeString(strings.TrimPrefix(c.SecretHex, "0x"))
	if err != nil || len(deviceSecret) == 0 {
		return errors.New("--secret-hex must be non-empty hex")
	}

	persister, err := localsession.NewFilePersister(c.StateDir)
	if err != nil {
		return err
	}
	sessions, err := localsession.New(localsession.WithPersister(persister))
	if err != nil {
		return err
	}

	var authOpts []credential.SoftwareOption
	if id := sessions.CredentialID(); id != "" {
		if decoded, err := hex.DecodeString(id); err == nil {
			authOpts = append(authOpts, credential.WithCredential(decoded))
		}
	}
	manager := credential.NewManager(credential.NewSoftwareAuthenticator(deviceSecret, authOpts...))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := globals.out()
	opts := []approver.Option{
		approver.WithPollInterval(c.Interval),
		approver.WithOutcomeHandler(func(o approver.Outcome) {
			printOutcome(out, o)
			if c.Once {
				cancel()
			}
		}),
	}
	if !c.Yes {
		opts = append(opts, approver.WithDecider(c.prompt(out)))
	}

	log.Info().Str("state", persister.Path()).Msg("Approver ready")

	return approver.New(c.client(), manager, sessions, opts...).Run(ctx)
}

func (c *ApproveCmd) prompt(out io.Writer) approver.Decider {
	in := c.in
	if in == nil {
		in = os.Stdin
	}
	reader := bufio.NewReader(in)

	return func(ctx context.Context, token string) (bool, error) {
		fmt.Fprintf(out, "Agent %s requests payment authorization. Approve? [y/N] ", token)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func printOutcome(out io.Writer, o approver.Outcome) {
	switch o.Kind {
	case approver.KindGranted:
		source := "biometric"
		if o.Reused {
			source = "local session"
		}
		fmt.Fprintf(out, "Granted %s for %s (%s)\n", o.Token, o.Address, source)
	case approver.KindUnsupportedDevice:
		fmt.Fprintf(out, "Cancelled %s: this device cannot derive a wallet key\n", o.Token)
	case approver.KindTimeout:
		fmt.Fprintf(out, "Cancelled %s: verification timed out\n", o.Token)
	case approver.KindExpired:
		fmt.Fprintf(out, "Expired %s: the agent's request lapsed before it was granted\n", o.Token)
	default:
		fmt.Fprintf(out, "Cancelled %s: %s\n", o.Token, o.Reason)
	}
}
