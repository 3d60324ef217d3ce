package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/iykyk-syn/bec/announce"
	"github.com/iykyk-syn/bec/bootstrap"
	"github.com/iykyk-syn/bec/exchange"
	"github.com/iykyk-syn/bec/message"
	"github.com/iykyk-syn/bec/principal"
	"github.com/iykyk-syn/bec/registry"
	"github.com/iykyk-syn/bec/repo"
)

var (
	isBootstrapper bool
	bootstrapper   string
	listenAddrs    []string
	kickoffTimeout time.Duration
	payloadSize    int
	payloadTime    time.Duration
	syncInterval   time.Duration
	logLevel       string
	keyDir         string
)

var rootCmd = &cobra.Command{
	Use:          "becnode",
	Short:        "becnode replicates a causal message log between principals",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("wrong log level: %w", err)
		}
		slog.SetLogLoggerLevel(level)

		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&isBootstrapper, "is-bootstrapper", false,
		"To indicate node is bootstrapper",
	)
	flags.StringVar(&bootstrapper, "bootstrapper", "",
		"Specifies network bootstrapper multiaddr",
	)
	flags.StringSliceVar(&listenAddrs, "listen", []string{
		"/ip4/0.0.0.0/udp/10000/quic-v1",
		"/ip6/::/udp/10000/quic-v1",
	}, "Multiaddrs to listen on")
	flags.DurationVar(&kickoffTimeout, "kickoff-timeout", time.Second*5,
		"Timeout before collecting principals and appending messages",
	)
	flags.IntVar(&payloadSize, "payload-size", 1024,
		"Size of random payloads appended every 'payload-time' (bytes). 0 disables appending",
	)
	flags.DurationVar(&payloadTime, "payload-time", time.Second, "Payload appending interval")
	flags.DurationVar(&syncInterval, "sync-interval", time.Second*10,
		"Interval of pulling from every connected peer. 0 disables periodic pulls",
	)
	flags.StringVar(&logLevel, "log-level", "debug", "Logging level")
	flags.StringVar(&keyDir, "key-dir", "", "Directory keeping node identity. Defaults to ~/.bec")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		defer os.Exit(1)
		return
	}
}

func run(ctx context.Context) error {
	p2pKey, privKey, err := getIdentity(keyDir)
	if err != nil {
		return err
	}

	listenMAddrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, s := range listenAddrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return err
		}
		listenMAddrs = append(listenMAddrs, addr)
	}

	host, err := libp2p.New(
		libp2p.Identity(p2pKey),
		libp2p.ListenAddrs(listenMAddrs...),
		libp2p.ResourceManager(&network.NullResourceManager{}),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	addrs, err := peer.AddrInfoToP2pAddrs(p2phost.InfoFromHost(host))
	if err != nil {
		return err
	}

	fmt.Println("The p2p host is listening on:")
	for _, addr := range addrs {
		fmt.Println("* ", addr.String())
	}
	fmt.Println()

	reg := registry.New()
	self, err := principal.New(bootstrap.PrincipalID(host.ID()), privKey, reg)
	if err != nil {
		return err
	}

	bootstrapSvc := bootstrap.NewService(host)
	if isBootstrapper {
		bootstrapSvc.Serve()
		defer bootstrapSvc.Stop()
	} else {
		maddr, err := multiaddr.NewMultiaddr(bootstrapper)
		if err != nil {
			return fmt.Errorf("wrong bootstrapper multiaddr: %w", err)
		}

		addrInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return err
		}

		err = bootstrapSvc.Start(ctx, *addrInfo)
		if err != nil {
			return err
		}
	}

	// principals joining later are unknown until the next membership refresh,
	// so their messages are skipped and pulled again afterwards
	quarantine := repo.WithQuarantine(func(m *message.Message, err error) {
		slog.DebugContext(ctx, "skipping unverified message", "digest", m.Digest(), "err", err)
	})
	exchangeSvc := exchange.NewService(host, self.Repository(), reg, exchange.WithReconcileOptions(quarantine))
	exchangeSvc.Start()
	defer exchangeSvc.Stop()

	pSub, err := pubsub.NewGossipSub(ctx, host, pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign))
	if err != nil {
		return err
	}

	announcer := announce.NewAnnouncer(host.ID(), pSub, self.Repository(), exchangeSvc.Pull)
	err = announcer.Start()
	if err != nil {
		return err
	}
	defer announcer.Stop(context.Background()) //nolint: errcheck

	select {
	case <-time.After(kickoffTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	refreshMembers(ctx, bootstrapSvc, reg)
	go SyncPeers(ctx, host, exchangeSvc, func() { refreshMembers(ctx, bootstrapSvc, reg) }, syncInterval)

	if payloadSize == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	RandomMessages(ctx, self, announcer, payloadSize, payloadTime)
	return nil
}

func refreshMembers(ctx context.Context, svc *bootstrap.Service, reg *registry.Registry) {
	n, err := svc.Members(reg)
	if err != nil {
		slog.ErrorContext(ctx, "refreshing members", "err", err)
	}
	slog.DebugContext(ctx, "members refreshed", "registered", n, "total", reg.Len())
}
