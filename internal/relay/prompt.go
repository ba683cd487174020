package relay

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// Refresher re-resolves the catch-up table on demand.
type Refresher interface {
	Refresh()
}

func (r *Relay) runRefreshPrompt(ctx context.Context, in io.Reader) {
	r.logger.Info("interactive refresh enabled, type r and press enter to pick up a new recording")
	readRefreshCommands(ctx, in, r.poller, r.logger)
}

// readRefreshCommands calls Refresh for every line equal to "r" until in is
// exhausted or ctx is done. It returns the number of refreshes requested.
func readRefreshCommands(ctx context.Context, in io.Reader, target Refresher, logger *slog.Logger) int {
	n := 0
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return n
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "r":
			target.Refresh()
			n++
			logger.Info("catch-up refresh requested")
		case "":
		default:
			logger.Info("unknown command, type r to refresh", "input", sc.Text())
		}
	}
	return n
}
