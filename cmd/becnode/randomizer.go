package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"

	"github.com/iykyk-syn/bec/announce"
	"github.com/iykyk-syn/bec/exchange"
	"github.com/iykyk-syn/bec/principal"
)

// RandomMessages appends a message with random payload every payloadTime and announces new heads.
func RandomMessages(ctx context.Context, self *principal.Principal, ann *announce.Announcer, payloadSize int, payloadTime time.Duration) {
	ticker := time.NewTicker(payloadTime)
	defer ticker.Stop()

	log := slog.With("module", "randomizer")
	for {
		select {
		case <-ticker.C:
			payload := make([]byte, payloadSize)
			rand.Read(payload) //nolint: errcheck

			m, err := self.Append(payload, "")
			if err != nil {
				log.ErrorContext(ctx, "appending message", "err", err)
				continue
			}
			log.DebugContext(ctx, "appended message", "digest", m.Digest(), "preds", len(m.Predecessors()))

			err = ann.Announce(ctx)
			if err != nil {
				log.ErrorContext(ctx, "announcing heads", "err", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// SyncPeers pulls from every connected peer every interval, refreshing membership before.
func SyncPeers(ctx context.Context, h host.Host, svc *exchange.Service, refresh func(), interval time.Duration) {
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := slog.With("module", "syncer")
	for {
		select {
		case <-ticker.C:
			refresh()

			n, err := svc.PullAll(ctx, h.Network().Peers())
			if err != nil {
				log.ErrorContext(ctx, "pulling from peers", "err", err)
			}
			log.DebugContext(ctx, "synced", "messages", n)

		case <-ctx.Done():
			return
		}
	}
}
