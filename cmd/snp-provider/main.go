// Command snp-provider runs a long-lived SNP provider node: it publishes
// its identity bundle to the ledger, answers GetBundle/NewSession/Message
// over pkg/transport, and serves a bundle-inspection HTTP surface. It is
// the SNP analogue of the teacher's cmd/relay, built the same way —
// parse flags, load or generate a key, wire the owned components
// together by hand, print a banner and status, wait for a signal, shut
// down gracefully.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/httpapi"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
	"github.com/snp-net/snp-core/pkg/metrics"
	"github.com/snp-net/snp-core/pkg/session"
	"github.com/snp-net/snp-core/pkg/supervisor"
	"github.com/snp-net/snp-core/pkg/transport"
)

const (
	defaultListenAddr = "/ip4/0.0.0.0/tcp/4001"
	defaultKeyPath    = "./keys/provider.pem"
	defaultDataPath   = "./data/provider-sessions.db"
	heartbeatInterval = 5 * time.Minute
)

var (
	listenAddr  = flag.String("listen", defaultListenAddr, "libp2p multiaddr to listen on")
	keyPath     = flag.String("key", defaultKeyPath, "Path to identity key file")
	generateKey = flag.Bool("genkey", false, "Generate a new identity key, overwriting -key")
	dataPath    = flag.String("data", defaultDataPath, "Path to the session store database")
	dropDB      = flag.Bool("drop_db_on_exit", false, "Delete the session store on clean shutdown (test mode)")
	otpCount    = flag.Int("otp-count", 10, "Number of one-time pre-keys to generate at startup")
	httpPort    = flag.Int("http-port", 8081, "Port for the bundle-inspection HTTP surface")
	bootstrap   = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	peerName    = flag.String("peer-name", "snp-provider", "Cosmetic label for this node, included in logs")
	netID       = flag.String("net_id", "snp-mainnet", "Network namespace; mismatches reject at envelope parse in a full deployment")
)

func main() {
	flag.Parse()
	printBanner()

	self, err := loadOrGenerateIdentity(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("Failed to load/generate identity: %v", err)
	}
	addr := identity.AddressOf(self.Signing.Public)
	log.Printf("✓ Identity loaded (%s), address %s", *peerName, hex.EncodeToString(addr[:]))

	signedPreKey, err := identity.GeneratePreKey(self, 1)
	if err != nil {
		log.Fatalf("Failed to generate signed pre-key: %v", err)
	}
	otps, err := identity.GenerateOneTimePreKeys(1, *otpCount)
	if err != nil {
		log.Fatalf("Failed to generate one-time pre-keys: %v", err)
	}
	preKeys := identity.NewPreKeyStore()
	preKeys.Add(addr, otps)
	log.Printf("✓ Signed pre-key #%d and %d one-time pre-keys generated", signedPreKey.ID, len(otps))

	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	sessions, err := session.Open(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	log.Printf("✓ Session store opened at %s", *dataPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bootstrapPeers []string
	if *bootstrap != "" {
		bootstrapPeers = strings.Split(*bootstrap, ",")
	}
	dhtLedger, err := ledger.NewDHTLedger(ctx, *listenAddr, bootstrapPeers)
	if err != nil {
		log.Fatalf("Failed to start DHT ledger: %v", err)
	}
	log.Printf("✓ libp2p host up, peer id %s", dhtLedger.Host().ID())
	for _, a := range dhtLedger.Host().Addrs() {
		log.Printf("   listening on %s/p2p/%s", a, dhtLedger.Host().ID())
	}
	if len(bootstrapPeers) > 0 {
		log.Printf("✓ Bootstrapped against %d peer(s)", len(bootstrapPeers))
	}

	var otp *identity.OneTimePreKey
	if peeked, ok := preKeys.Peek(addr); ok {
		otp = peeked
	}
	bundle := identity.BuildBundle(self, signedPreKey, otp)
	if err := dhtLedger.PublishBundle(ctx, bundle); err != nil {
		log.Fatalf("Failed to publish identity bundle: %v", err)
	}
	log.Printf("✓ Bundle published (net %s, timestamp %d)", *netID, bundle.Timestamp)

	collector := metrics.NewCollector()
	metrics.SetPreKeysRemaining(hex.EncodeToString(addr[:]), preKeys.Count(addr))

	node := supervisor.NewNode(self, signedPreKey, preKeys, sessions, dhtLedger, collector)
	if err := node.RegisterHandler(envelope.TypeChatText, handleChatText); err != nil {
		log.Fatalf("Failed to register chat handler: %v", err)
	}

	transportServer := transport.NewServer(dhtLedger.Host(), node, dhtLedger)
	log.Println("✓ Transport protocols registered (session, bundle, subscribe)")

	httpServer := httpapi.NewServer(dhtLedger, httpapi.Config{
		Port:         *httpPort,
		EnableCORS:   true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			log.Printf("HTTP API server error: %v", err)
		}
	}()
	log.Printf("✓ HTTP bundle-inspection surface on :%d (/v1/bundle/:address, /healthz, /metrics)", *httpPort)

	go heartbeatLoop(preKeys, addr)

	printStatus(addr, *httpPort)

	waitForShutdown(cancel, transportServer, sessions, dhtLedger, *dataPath, *dropDB)
}

// handleChatText answers a decrypted TypeChatText TypedMessage by
// logging it and echoing an acknowledgement back in the same session,
// the demonstration AppHandlerFunc this binary registers to exercise
// supervisor.Node.RegisterHandler end to end.
func handleChatText(ctx context.Context, sender identity.Address, msg envelope.TypedMessage) (*envelope.TypedMessage, error) {
	log.Printf("💬 chat from %s: %s", hex.EncodeToString(sender[:]), string(msg.Payload))
	reply := envelope.TypedMessage{
		TimestampNS:      msg.TimestampNS,
		TypeTag:          envelope.TypeChatText,
		Payload:          []byte(fmt.Sprintf("ack: %s", msg.Payload)),
		SenderIdentity:   msg.ReceiverIdentity,
		ReceiverIdentity: msg.SenderIdentity,
	}
	return &reply, nil
}

func loadOrGenerateIdentity(path string, generate bool) (*identity.KeyPair, error) {
	if _, err := os.Stat(path); err == nil && !generate {
		log.Println("Loading existing identity key...")
		return identity.LoadIdentity(path)
	}

	log.Println("Generating new identity key...")
	id, err := identity.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll("./keys", 0700); err != nil {
		return nil, err
	}
	if err := identity.SaveIdentity(id, path); err != nil {
		return nil, err
	}
	log.Printf("✓ New identity key saved to %s", path)
	return id, nil
}

func heartbeatLoop(preKeys *identity.PreKeyStore, addr identity.Address) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		remaining := preKeys.Count(addr)
		metrics.SetPreKeysRemaining(hex.EncodeToString(addr[:]), remaining)
		log.Printf("💓 heartbeat: %d one-time pre-keys remaining", remaining)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              SNP Provider Node v1.0                ║")
	fmt.Println("║   End-to-end encrypted sessions, ledger-backed     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(addr identity.Address, httpPort int) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Provider Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	fmt.Printf("   Address: %s\n", hex.EncodeToString(addr[:]))
	fmt.Printf("   HTTP API: http://localhost:%d\n", httpPort)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc, ts *transport.Server, sessions *session.Store, lg *ledger.DHTLedger, dataPath string, dropDB bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println()
	log.Println("Shutting down gracefully...")

	cancel()

	if err := ts.Close(); err != nil {
		log.Printf("Error closing transport server: %v", err)
	} else {
		log.Println("✓ Transport server stopped")
	}

	if err := sessions.Close(); err != nil {
		log.Printf("Error closing session store: %v", err)
	} else {
		log.Println("✓ Session store closed")
	}

	if err := lg.Close(); err != nil {
		log.Printf("Error closing ledger host: %v", err)
	} else {
		log.Println("✓ Ledger host closed")
	}

	if dropDB {
		if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
			log.Printf("Error removing session store: %v", err)
		} else {
			log.Println("✓ Session store database dropped")
		}
	}

	log.Println("Goodbye!")
	os.Exit(0)
}
