// Command node runs a single checkpoint-block consensus participant:
// it loads or generates a signing key, opens its badger store, wires the
// round manager, and serves the round-message HTTPS listener until
// interrupted, grounded on the reference tree's cmd/main bootstrap
// sequence (generate/derive key, init data dir, start node), restructured
// as a single-process cobra command instead of a local-cluster simulator,
// and adopting spf13/cobra for flag parsing the way adamwoolhether's
// wallet CLI in the retrieval pack does.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dex/app"
	"dex/config"
	"dex/consensus"
	"dex/interfaces"
	"dex/keys"
	"dex/logs"
	"dex/types"
)

var (
	flagListenAddr string
	flagDataDir    string
	flagConfigFile string
	flagKeyFile    string
	flagPeers      []string
	flagGenesis    bool
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Run a checkpoint-block consensus node",
		RunE:  runNode,
	}
	root.Flags().StringVar(&flagListenAddr, "listen", ":6000", "address the round-message HTTPS listener binds to")
	root.Flags().StringVar(&flagDataDir, "data", "./data/node", "directory for the badger store and TLS cert/key")
	root.Flags().StringVar(&flagConfigFile, "config", "", "path to a JSON config file (optional)")
	root.Flags().StringVar(&flagKeyFile, "keyfile", "", "path to a hex-encoded secp256k1 private key (generated if absent)")
	root.Flags().StringSliceVar(&flagPeers, "peer", nil, "known peer in id=host:port form, repeatable")
	root.Flags().BoolVar(&flagGenesis, "genesis", false, "seed the store with a genesis checkpoint before starting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	kp, err := loadOrGenerateKeyPair(flagDataDir)
	if err != nil {
		return err
	}
	self := types.NodeID(kp.Address)
	logs.Default.SetLevel(logs.LevelInfo)
	logger := logs.NewLogger(kp.Address.String())
	logger.Info("node address %s", kp.Address)

	cfg, err := config.LoadFromFile(flagConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Database.Dir = flagDataDir + "/badger"
	cfg.Server.ListenAddr = flagListenAddr
	cfg.Server.CertPath = flagDataDir + "/server.crt"
	cfg.Server.KeyPath = flagDataDir + "/server.key"
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	signer := func(digest []byte) []byte { return keys.Sign(kp.Private, digest) }
	container, err := app.NewContainer(cfg, self, kp.Address, signer)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}

	for _, spec := range flagPeers {
		peer, ok := parsePeer(spec)
		if !ok {
			logger.Warn("ignoring malformed --peer %q, want id=host:port", spec)
			continue
		}
		container.Registry.Upsert(peer)
	}

	if flagGenesis {
		builder := consensus.NewGenesisBuilder(container.Store)
		if _, err := builder.Build(context.Background(), []consensus.Allocation{
			{Address: kp.Address, Balance: 1_000_000_000},
		}); err != nil {
			return fmt.Errorf("build genesis: %w", err)
		}
		logger.Info("seeded genesis checkpoint")
	}

	container.SelfNode.SetNodeState(types.NodeStateReady)

	application := app.NewApp(container)
	if err := application.Start(); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	application.Stop()
	return nil
}

func loadOrGenerateKeyPair(dataDir string) (*keys.KeyPair, error) {
	path := flagKeyFile
	if path == "" {
		path = dataDir + "/node.key"
	}
	if data, err := os.ReadFile(path); err == nil {
		priv, err := keys.ParsePrivateKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", path, err)
		}
		addr, err := keys.DeriveAddress(priv)
		if err != nil {
			return nil, err
		}
		return &keys.KeyPair{Private: priv, Address: addr}, nil
	}

	kp, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%x", kp.Private.Serialize())), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return kp, nil
}

func parsePeer(spec string) (interfaces.PeerData, bool) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return interfaces.PeerData{}, false
	}
	return interfaces.PeerData{
		ID:      types.NodeID(parts[0]),
		Address: parts[1],
		Ready:   true,
		Full:    true,
	}, true
}
