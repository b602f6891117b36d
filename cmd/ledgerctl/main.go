// Command ledgerctl runs single consistency passes and ledger operations
// against the configured store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hypetoken/ledger-engine/internal/config"
	"github.com/hypetoken/ledger-engine/internal/logging"
)

func main() {
	cmd := newRootCommand(func() (*config.Config, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		slog.SetDefault(logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat))
		return cfg, nil
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
