package neo

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseRegistryFile reads a plain-text node registry: one "host:port" per
// line, blank lines and lines starting with '#' ignored (spec §3's node
// registry format; plain text chosen over any structured format since
// nothing else in this package's external interfaces needs one — see
// SPEC_FULL.md's external interfaces section).
func ParseRegistryFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var addrs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs, sc.Err()
}

// RegistryWatcher polls a registry file for mtime changes and reconciles a
// ConnectionSet's membership against its contents, the way the teacher's
// pubsub.go reconciles subscriptions against a desired set on reconnect.
type RegistryWatcher struct {
	path     string
	conns    *ConnectionSet
	interval time.Duration
	logger   *slog.Logger
}

// NewRegistryWatcher builds a watcher for path, reconciling conns every
// interval.
func NewRegistryWatcher(path string, conns *ConnectionSet, interval time.Duration, logger *slog.Logger) *RegistryWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryWatcher{path: path, conns: conns, interval: interval, logger: logger}
}

// Run polls until ctx is done, applying the registry's additions and
// removals to conns on every change. It reconciles once immediately, then
// once per interval whenever the file's mtime has changed, and returns only
// when ctx is done.
func (w *RegistryWatcher) Run(ctx context.Context) {
	var lastMod time.Time
	reconcile := func() {
		info, err := os.Stat(w.path)
		if err != nil {
			w.logger.Warn("registry stat failed", "path", w.path, "err", err)
			return
		}
		if info.ModTime().Equal(lastMod) {
			return
		}
		lastMod = info.ModTime()

		addrs, err := ParseRegistryFile(w.path)
		if err != nil {
			w.logger.Warn("registry parse failed", "path", w.path, "err", err)
			return
		}
		w.reconcile(addrs)
	}

	reconcile()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			reconcile()
		}
	}
}

func (w *RegistryWatcher) reconcile(wanted []string) {
	want := make(map[string]struct{}, len(wanted))
	for _, a := range wanted {
		want[a] = struct{}{}
		w.conns.AddNode(a)
	}
	for _, c := range w.conns.All() {
		if _, ok := want[c.Addr]; !ok {
			w.conns.RemoveNode(c.Addr)
		}
	}
}
