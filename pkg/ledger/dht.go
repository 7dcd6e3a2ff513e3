package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/multiformats/go-multiaddr"

	"github.com/snp-net/snp-core/pkg/identity"
)

// bundleNamespace is the go-libp2p-record namespace this ledger
// publishes bundles under, so the DHT's record validator knows how to
// check them: "/snpbundle/<hex address>".
const bundleNamespace = "snpbundle"

// bundleValidator lets go-libp2p-kad-dht's generic record validation
// reject a candidate bundle before it ever reaches DHTLedger.PublishBundle
// — any record whose self-signature doesn't verify, or whose address
// doesn't match the key it was stored under, is dropped at the DHT layer.
type bundleValidator struct{}

func (bundleValidator) Validate(key string, value []byte) error {
	addrHex := strings.TrimPrefix(key, "/"+bundleNamespace+"/")
	addrBytes, err := hex.DecodeString(addrHex)
	if err != nil || len(addrBytes) != len(identity.Address{}) {
		return fmt.Errorf("ledger: invalid bundle key %q", key)
	}
	b, err := identity.DecodeBundle(value)
	if err != nil {
		return err
	}
	if err := identity.VerifyBundle(b); err != nil {
		return err
	}
	var want identity.Address
	copy(want[:], addrBytes)
	if b.Address != want {
		return errors.New("ledger: bundle address does not match DHT key")
	}
	return nil
}

// Select picks the record with the newest bundle timestamp, so a DHT
// node that has seen conflicting publishes for the same address
// converges on the freshest one.
func (bundleValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestTS int64
	for i, v := range values {
		b, err := identity.DecodeBundle(v)
		if err != nil {
			continue
		}
		if best == -1 || b.Timestamp > bestTS {
			best = i
			bestTS = b.Timestamp
		}
	}
	if best == -1 {
		return 0, errors.New("ledger: no valid bundle records to select from")
	}
	return best, nil
}

// Validator exposes the namespaced validator a caller must pass to
// dht.New via dht.Validator(...) when constructing the *dht.IpfsDHT this
// package wraps.
func Validator() record.Validator {
	return record.NamespacedValidator{bundleNamespace: bundleValidator{}}
}

// DHTLedger publishes and looks up identity bundles over a
// go-libp2p-kad-dht routing table (libp2p host + *dht.IpfsDHT
// construction, NAT traversal, bootstrap). Nonces are tracked locally per
// address rather than as DHT records, since a DHT offers no consensus on
// a monotonic counter the way a blockchain's ordered ledger would; this
// node only needs one scoped to its own view of an address.
type DHTLedger struct {
	host host.Host
	dht  *dht.IpfsDHT

	mu     sync.Mutex
	nonces map[identity.Address]uint64
}

// NewDHTLedger creates a libp2p host listening on listenAddr, joins the
// DHT, and optionally bootstraps against bootstrapPeers (multiaddr
// strings). Call Bootstrap afterward once peers are known if
// bootstrapPeers is empty at construction time.
func NewDHTLedger(ctx context.Context, listenAddr string, bootstrapPeers []string) (*DHTLedger, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ledger: generate host key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.Validator(Validator()),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("ledger: create DHT: %w", err)
	}

	l := &DHTLedger{host: h, dht: kad, nonces: make(map[identity.Address]uint64)}
	if len(bootstrapPeers) > 0 {
		if err := l.Bootstrap(ctx, bootstrapPeers); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

// Bootstrap connects to the given bootstrap peer multiaddrs and joins
// the DHT's routing table, mirroring the teacher's DHTNode.Bootstrap.
func (l *DHTLedger) Bootstrap(ctx context.Context, peers []string) error {
	for _, p := range peers {
		maddr, err := multiaddr.NewMultiaddr(p)
		if err != nil {
			return fmt.Errorf("ledger: invalid bootstrap address %q: %w", p, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return fmt.Errorf("ledger: parse bootstrap peer %q: %w", p, err)
		}
		if err := l.host.Connect(ctx, *info); err != nil {
			return fmt.Errorf("ledger: connect bootstrap peer %q: %w", p, err)
		}
	}
	return l.dht.Bootstrap(ctx)
}

func bundleKey(addr identity.Address) string {
	return "/" + bundleNamespace + "/" + hex.EncodeToString(addr[:])
}

// PublishBundle stores bundle's canonical encoding as a DHT record.
// PutValue on an *dht.IpfsDHT runs the registered validator, rejecting a
// write that fails signature/address checks before it ever reaches the
// network.
func (l *DHTLedger) PublishBundle(ctx context.Context, bundle *identity.Bundle) error {
	existing, err := l.LookupBundle(ctx, bundle.Address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		existing = nil
	}
	if err := acceptBundle(existing, bundle); err != nil {
		return err
	}
	return l.dht.PutValue(ctx, bundleKey(bundle.Address), bundle.Encode())
}

// LookupBundle resolves addr's most recently published bundle via the
// DHT's GetValue, which also runs the bundleValidator's Select across
// whatever records multiple providers return.
func (l *DHTLedger) LookupBundle(ctx context.Context, addr identity.Address) (*identity.Bundle, error) {
	raw, err := l.dht.GetValue(ctx, bundleKey(addr))
	if err != nil {
		return nil, ErrNotFound
	}
	b, err := identity.DecodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode bundle record: %w", err)
	}
	return b, nil
}

// NextNonce returns this node's locally tracked next nonce for addr.
func (l *DHTLedger) NextNonce(ctx context.Context, addr identity.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.nonces[addr]
	l.nonces[addr] = n + 1
	return n, nil
}

// Host returns the underlying libp2p host, for pkg/transport to reuse the
// same network identity and connection manager.
func (l *DHTLedger) Host() host.Host { return l.host }

// Close shuts down the DHT and its libp2p host.
func (l *DHTLedger) Close() error {
	if err := l.dht.Close(); err != nil {
		l.host.Close()
		return err
	}
	return l.host.Close()
}
