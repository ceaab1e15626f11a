// Package discovery announces and finds the hub on a local network
// segment via mDNS. Sighting the hub after an offline stretch is the
// queue's connectivity-restored flush trigger; when mDNS is absent the
// node degrades to timer or manual flushes, never to data loss.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_xir-hub._tcp"
	domain      = "local."

	browseTimeout  = 5 * time.Second
	browseInterval = 30 * time.Second

	// absenceGap is how long the hub must go unseen before the next
	// sighting counts as connectivity restored again.
	absenceGap = 2 * browseInterval
)

// Announce registers this hub on the local segment until ctx is
// cancelled. Registration failure is logged and ignored: mDNS is an
// optional convenience, not a delivery path.
func Announce(ctx context.Context, instance string, port int, logger *slog.Logger) {
	server, err := zeroconf.Register(instance, serviceType, domain, port, []string{"role=hub"}, nil)
	if err != nil {
		logger.Warn("discovery: hub announce failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("discovery: hub announced",
		slog.String("instance", instance),
		slog.Int("port", port))
	<-ctx.Done()
	server.Shutdown()
}

// SightingFunc fires when the hub becomes reachable after an absence.
type SightingFunc func()

// Browse polls the local segment for the hub until ctx is cancelled,
// calling onSighting on each transition from unseen to seen. Repeat
// sightings inside one connectivity window do not re-fire; a flush per
// window is enough and the timer covers the rest.
func Browse(ctx context.Context, logger *slog.Logger, onSighting SightingFunc) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn("discovery: resolver unavailable, manual/timer flush only",
			slog.String("error", err.Error()))
		return
	}

	var lastSeen time.Time
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	for {
		if found := browseOnce(ctx, resolver, logger); found {
			now := time.Now()
			if lastSeen.IsZero() || now.Sub(lastSeen) > absenceGap {
				logger.Info("discovery: hub sighted, triggering flush")
				onSighting()
			}
			lastSeen = now
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// browseOnce runs a single bounded browse session and reports whether
// any hub instance answered.
func browseOnce(ctx context.Context, resolver *zeroconf.Resolver, logger *slog.Logger) bool {
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(browseCtx, serviceType, domain, entries); err != nil {
		logger.Debug("discovery: browse failed", slog.String("error", err.Error()))
		return false
	}

	// zeroconf closes entries when the browse context expires.
	seen := false
	for entry := range entries {
		if !seen {
			logger.Debug("discovery: hub entry",
				slog.String("instance", entry.Instance),
				slog.Int("port", entry.Port))
		}
		seen = true
	}
	return seen
}
