package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

// ValidatorNamespace is the DHT key validators advertise under.
const ValidatorNamespace = "hat/validators/1.0.0"

const (
	dhtLookupTimeout  = 30 * time.Second
	maxProviderLookup = 64
)

// discovery finds other HAT nodes through the Kademlia DHT
type discovery struct {
	host   host.Host
	dht    *dht.IpfsDHT
	key    cid.Cid
	logger *zap.Logger
}

func newDiscovery(ctx context.Context, h host.Host, logger *zap.Logger) (*discovery, error) {
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	key, err := namespaceCID(ValidatorNamespace)
	if err != nil {
		kadDHT.Close()
		return nil, err
	}
	return &discovery{
		host:   h,
		dht:    kadDHT,
		key:    key,
		logger: logger.Named("dht"),
	}, nil
}

// namespaceCID maps a namespace string to the content ID providers announce.
func namespaceCID(namespace string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(namespace), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing namespace: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func (d *discovery) bootstrap(ctx context.Context) error {
	if err := d.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}
	return nil
}

// advertise announces this node as a validator endpoint.
func (d *discovery) advertise(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dhtLookupTimeout)
	defer cancel()
	if err := d.dht.Provide(ctx, d.key, true); err != nil {
		return fmt.Errorf("advertising %s: %w", ValidatorNamespace, err)
	}
	return nil
}

// findValidators returns the advertised validator endpoints, self excluded.
func (d *discovery) findValidators(ctx context.Context) []peer.AddrInfo {
	ctx, cancel := context.WithTimeout(ctx, dhtLookupTimeout)
	defer cancel()

	var peers []peer.AddrInfo
	for p := range d.dht.FindProvidersAsync(ctx, d.key, maxProviderLookup) {
		if p.ID == d.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

func (d *discovery) close() error {
	if err := d.dht.Close(); err != nil {
		return fmt.Errorf("closing DHT: %w", err)
	}
	return nil
}
