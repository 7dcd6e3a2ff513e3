package transport

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func connect(t *testing.T, a, b host.Host) {
	t.Helper()
	info := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	require.NoError(t, a.Connect(context.Background(), info))
}

func TestClientGetBundleRoundTrip(t *testing.T) {
	serverHost := newTestHost(t)
	clientHost := newTestHost(t)
	connect(t, clientHost, serverHost)

	lg := ledger.NewMemoryLedger()
	NewServer(serverHost, nil, lg)

	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	spk, err := identity.GeneratePreKey(id, 1)
	require.NoError(t, err)
	bundle := identity.BuildBundle(id, spk, nil)
	require.NoError(t, lg.PublishBundle(context.Background(), bundle))

	client := NewClient(clientHost)
	addr := identity.AddressOf(id.Signing.Public)
	got, err := client.GetBundle(context.Background(), serverHost.ID(), addr)
	require.NoError(t, err)
	require.Equal(t, bundle.Encode(), got.Encode())
}

func TestClientGetBundleMissingReturnsNotFound(t *testing.T) {
	serverHost := newTestHost(t)
	clientHost := newTestHost(t)
	connect(t, clientHost, serverHost)

	lg := ledger.NewMemoryLedger()
	NewServer(serverHost, nil, lg)

	client := NewClient(clientHost)
	var addr identity.Address
	_, err := client.GetBundle(context.Background(), serverHost.ID(), addr)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSubscribeReceivesDeliveredEnvelope(t *testing.T) {
	serverHost := newTestHost(t)
	clientHost := newTestHost(t)
	connect(t, clientHost, serverHost)

	lg := ledger.NewMemoryLedger()
	server := NewServer(serverHost, nil, lg)

	client := NewClient(clientHost)
	var addr identity.Address
	addr[0] = 0x42

	ch, closer, err := client.Subscribe(context.Background(), serverHost.ID(), addr)
	require.NoError(t, err)
	defer closer()

	// Give the server a moment to register the subscriber before
	// delivering, since registration happens asynchronously in its
	// stream handler goroutine.
	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.subscribers[addr]) == 1
	}, time.Second, 10*time.Millisecond)

	pushed := envelope.New(envelope.TypeMessage, 0, []byte("hello"))
	server.Deliver(addr, pushed)

	select {
	case got := <-ch:
		require.Equal(t, envelope.TypeMessage, got.Header.Type)
		require.Equal(t, []byte("hello"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered envelope")
	}
}
