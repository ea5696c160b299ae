// Package p2p carries judgment requests and claim outcomes between HAT nodes.
package p2p

import (
	"context"
	"fmt"
	"sort"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2pHost "github.com/libp2p/go-libp2p/core/host"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hat_reputation/pkg/config"
	"hat_reputation/pkg/security"
)

const connectionTimeout = 30 * time.Second

// Host wraps the libp2p host, its gossip router and optional DHT.
type Host struct {
	cfg     config.P2PConfig
	host    libp2pHost.Host
	pubsub  *pubsub.PubSub
	disc    *discovery
	local   *localDiscovery
	key     libp2pCrypto.PrivKey
	metrics *Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost creates the node's libp2p host from cfg.
func NewHost(ctx context.Context, cfg config.P2PConfig, reg prometheus.Registerer, logger *zap.Logger) (*Host, error) {
	privKey, err := loadOrGenerateKey(cfg.KeyFile, []byte(cfg.KeyPassphrase))
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	host := &Host{
		cfg:     cfg,
		host:    h,
		pubsub:  ps,
		key:     privKey,
		metrics: NewMetrics(reg),
		logger:  logger.Named("p2p").With(zap.String("peer_id", h.ID().String())),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.EnableDHT {
		if host.disc, err = newDiscovery(ctx, h, host.logger); err != nil {
			cancel()
			h.Close()
			return nil, err
		}
	}
	if cfg.EnableMDNS {
		host.local = newLocalDiscovery(ctx, h, host.logger)
	}
	return host, nil
}

// Start connects to the bootstrap peers and joins the DHT. Unreachable
// bootstrap peers are logged, not fatal: the first node of a network has
// nobody to dial.
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("Starting P2P host", zap.Strings("addrs", h.Addrs()))

	connected := 0
	for _, addr := range h.cfg.BootstrapPeers {
		if err := h.Connect(ctx, addr); err != nil {
			h.logger.Warn("Bootstrap peer unreachable",
				zap.String("addr", addr),
				zap.Error(err))
			continue
		}
		connected++
	}

	if h.local != nil {
		if err := h.local.start(); err != nil {
			return fmt.Errorf("starting mDNS discovery: %w", err)
		}
	}

	if h.disc != nil {
		if err := h.disc.bootstrap(ctx); err != nil {
			return err
		}
		if connected > 0 {
			go func() {
				if err := h.disc.advertise(h.ctx); err != nil {
					h.logger.Warn("Advertising validator endpoint failed", zap.Error(err))
				}
			}()
		}
	}

	h.logger.Info("P2P host started",
		zap.Int("bootstrap_connected", connected),
		zap.Bool("dht", h.disc != nil),
		zap.Bool("mdns", h.local != nil))
	return nil
}

// Connect dials a peer given as a full multiaddr ending in /p2p/<id>.
func (h *Host) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parsing multiaddr %q: %w", addr, err)
	}
	info, err := libp2pPeer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("extracting peer info from %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := h.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer %s: %w", info.ID, err)
	}
	h.logger.Debug("Connected to peer", zap.String("peer", info.ID.String()))
	return nil
}

// DiscoverPeers looks up advertised validators in the DHT and dials the ones
// not yet connected. It returns the number of new connections.
func (h *Host) DiscoverPeers(ctx context.Context) (int, error) {
	if h.disc == nil {
		return 0, nil
	}
	added := 0
	for _, info := range h.disc.findValidators(ctx) {
		if len(h.host.Network().ConnsToPeer(info.ID)) > 0 {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
		err := h.host.Connect(dialCtx, info)
		cancel()
		if err != nil {
			h.logger.Debug("Discovered validator unreachable",
				zap.String("peer", info.ID.String()),
				zap.Error(err))
			continue
		}
		added++
	}
	if added > 0 {
		if err := h.disc.advertise(ctx); err != nil {
			return added, err
		}
	}
	return added, nil
}

// ID returns the local peer ID in its string form.
func (h *Host) ID() string {
	return h.host.ID().String()
}

// Addrs returns the full dialable addresses of this host.
func (h *Host) Addrs() []string {
	suffix := "/p2p/" + h.host.ID().String()
	addrs := make([]string, 0, len(h.host.Addrs()))
	for _, a := range h.host.Addrs() {
		addrs = append(addrs, a.String()+suffix)
	}
	return addrs
}

// PeerSet returns the connected peer IDs in sorted order. The node publishes
// it in its validator record for the peer-overlap checks.
func (h *Host) PeerSet() []string {
	peers := h.host.Network().Peers()
	set := make([]string, 0, len(peers))
	for _, p := range peers {
		set = append(set, p.String())
	}
	sort.Strings(set)
	return set
}

// Signer returns the vote signer bound to the host identity.
func (h *Host) Signer() (*security.Signer, error) {
	return SignerFromKey(h.key)
}

// Metrics exposes the transport counters.
func (h *Host) Metrics() *Metrics {
	return h.metrics
}

// LocalPeers returns how many peers mDNS has found, zero when disabled.
func (h *Host) LocalPeers() int {
	if h.local == nil {
		return 0
	}
	return h.local.found()
}

// Close shuts down discovery, then the host.
func (h *Host) Close() error {
	h.cancel()
	var err error
	if h.local != nil {
		err = multierr.Append(err, h.local.close())
	}
	if h.disc != nil {
		err = multierr.Append(err, h.disc.close())
	}
	err = multierr.Append(err, h.host.Close())
	h.logger.Info("P2P host stopped")
	return err
}
