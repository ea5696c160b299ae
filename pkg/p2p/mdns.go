package p2p

import (
	"context"
	"sync"
	"time"

	libp2pHost "github.com/libp2p/go-libp2p/core/host"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

// LocalServiceTag is the mDNS service name HAT nodes announce on the LAN.
const LocalServiceTag = "_hat-reputation._udp"

// localDiscovery dials HAT nodes found on the local network.
type localDiscovery struct {
	host    libp2pHost.Host
	service mdns.Service
	logger  *zap.Logger
	ctx     context.Context

	mu   sync.Mutex
	seen map[libp2pPeer.ID]time.Time
}

func newLocalDiscovery(ctx context.Context, h libp2pHost.Host, logger *zap.Logger) *localDiscovery {
	ld := &localDiscovery{
		host:   h,
		logger: logger,
		ctx:    ctx,
		seen:   make(map[libp2pPeer.ID]time.Time),
	}
	ld.service = mdns.NewMdnsService(h, LocalServiceTag, ld)
	return ld
}

func (l *localDiscovery) start() error {
	if err := l.service.Start(); err != nil {
		return err
	}
	l.logger.Info("mDNS discovery started", zap.String("service_tag", LocalServiceTag))
	return nil
}

// HandlePeerFound implements mdns.Notifee.
func (l *localDiscovery) HandlePeerFound(info libp2pPeer.AddrInfo) {
	if info.ID == l.host.ID() {
		return
	}
	l.mu.Lock()
	l.seen[info.ID] = time.Now()
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, connectionTimeout)
		defer cancel()
		if err := l.host.Connect(ctx, info); err != nil {
			l.logger.Debug("Local peer unreachable",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
			return
		}
		l.logger.Debug("Connected to local peer", zap.String("peer", info.ID.String()))
	}()
}

// found returns how many distinct local peers have announced themselves.
func (l *localDiscovery) found() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func (l *localDiscovery) close() error {
	return l.service.Close()
}
