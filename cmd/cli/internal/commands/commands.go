package commands

import (
	"io"
	"os"
	"time"

	"github.com/wolfeidau/biopay/internal/client"
)

type Globals struct {
	Debug   bool
	Version string

	// Out receives command output. Defaults to stdout.
	Out io.Writer
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// ServerFlags locates the broker.
type ServerFlags struct {
	Server  string        `help:"Server URL" default:"http://localhost:8080" env:"BIOPAY_SERVER"`
	Timeout time.Duration `help:"request timeout, must outlast the pending TTL for authorize" default:"6m" env:"BIOPAY_TIMEOUT"`
}

func (s *ServerFlags) client() *client.Client {
	return client.New(client.Config{ServerURL: s.Server, Timeout: s.Timeout})
}
