// Command relayd runs the gas-fee sponsoring relay backend: the HTTP
// adapter, the relay pipeline, and the confirmation tracker, wired from a
// single configuration object loaded at start-up.
//
// Grounded on the teacher's cobra/viper cmd/synnergy entrypoint idiom
// (root command + subcommands, each a thin wrapper over package logic).
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-labs/gas-relay/internal/chainclient"
	"github.com/synnergy-labs/gas-relay/internal/counter"
	"github.com/synnergy-labs/gas-relay/internal/httpapi"
	"github.com/synnergy-labs/gas-relay/internal/nonce"
	"github.com/synnergy-labs/gas-relay/internal/pipeline"
	"github.com/synnergy-labs/gas-relay/internal/policy"
	"github.com/synnergy-labs/gas-relay/internal/signer"
	"github.com/synnergy-labs/gas-relay/internal/store"
	"github.com/synnergy-labs/gas-relay/internal/tracker"
	"github.com/synnergy-labs/gas-relay/internal/types"
	"github.com/synnergy-labs/gas-relay/internal/verify"
	"github.com/synnergy-labs/gas-relay/pkg/config"
)

func main() {
	log := logrus.New()

	root := &cobra.Command{Use: "relayd", Short: "gas-fee sponsoring relay backend"}
	root.AddCommand(serveCmd(log))
	root.AddCommand(migrateCmd(log))
	root.AddCommand(reloadPolicyCmd(log))

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("relayd: command failed")
		os.Exit(1)
	}
}

func serveCmd(log *logrus.Logger) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay HTTP server, pipeline, and confirmation tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name")
	return cmd
}

func migrateCmd(log *logrus.Logger) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the Store schema without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cfg.Store.Path, cfg.Store.MaxOpenConns)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			log.Info("relayd: schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name")
	return cmd
}

func reloadPolicyCmd(log *logrus.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reload-policy",
		Short: "signal a running relayd to reload policy rules from the Store",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(fmt.Sprintf("http://%s/policy/reload", addr), "application/json", nil)
			if err != nil {
				return fmt.Errorf("reload-policy: %w", err)
			}
			defer resp.Body.Close()
			log.WithField("status", resp.StatusCode).Info("relayd: reload-policy requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "listen address of the running relayd")
	return cmd
}

type healthGate struct {
	ping func(ctx context.Context) error
	seen atomic.Bool
}

func (h *healthGate) Healthy() bool {
	if h.seen.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if h.ping(ctx) != nil {
		return false
	}
	h.seen.Store(true)
	return true
}

func runServe(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, cfg.Store.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	maxWindow := time.Duration(cfg.CounterCache.MaxWindowSeconds) * time.Second
	if maxWindow <= 0 {
		maxWindow = 24 * time.Hour
	}
	counters := counter.New(maxWindow)

	chains := make(map[types.Network]*chainclient.Client, len(cfg.Networks))
	chainIDs := make(map[types.Network]*big.Int, len(cfg.Networks))
	networkParams := make(map[types.Network]verify.NetworkParams, len(cfg.Networks))
	healthCheckers := []httpapi.HealthChecker{&healthGate{ping: st.Ping}}

	for _, nc := range cfg.Networks {
		network := types.Network(nc.Name)
		var dialOpts []chainclient.Option
		if nc.PrivateOrderflowURL != "" {
			dialOpts = append(dialOpts, chainclient.WithBroadcaster(chainclient.NewPrivateOrderflowBroadcaster(nc.PrivateOrderflowURL, nil)))
		}
		client, err := chainclient.Dial(ctx, network, nc.RPCEndpoint, dialOpts...)
		if err != nil {
			return fmt.Errorf("dial network %s: %w", nc.Name, err)
		}
		chains[network] = client
		chainIDs[network] = big.NewInt(nc.ChainID)

		forwarder, err := types.AddressFromHex(nc.ForwarderContract)
		if err != nil {
			return fmt.Errorf("network %s: forwarder contract: %w", nc.Name, err)
		}
		networkParams[network] = verify.NetworkParams{ChainID: big.NewInt(nc.ChainID), ForwarderContract: forwarder}

		cl := client
		healthCheckers = append(healthCheckers, &healthGate{ping: func(ctx context.Context) error {
			_, err := cl.HeadBlock(ctx)
			return err
		}})
	}

	signerCap, err := buildSigner(cfg.Signer, chainIDs, log)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	allocator, err := nonce.New(multiChainPendingCounter(chains), cfg.Allocator.CursorCapacity, cfg.Allocator.SaturationThreshold)
	if err != nil {
		return fmt.Errorf("build allocator: %w", err)
	}
	for network, addr := range relayerAddressesByNetwork(ctx, signerCap, chains) {
		if err := allocator.Resync(ctx, nonce.Key{RelayerAddress: addr, Network: network}); err != nil {
			log.WithError(err).WithField("network", network).Warn("relayd: initial allocator resync failed")
		}
	}

	maxGasLimit, _ := uint256.FromDecimal(cfg.Ceilings.MaxGasLimit)
	maxValue, _ := uint256.FromDecimal(cfg.Ceilings.MaxValue)
	verifier := verify.New(networkParams, verify.Ceilings{MaxGasLimit: maxGasLimit, MaxValue: maxValue})

	policyEngine, err := policy.New(ctx, st, counters)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}
	reloadInterval := time.Duration(cfg.Policy.ReloadIntervalSeconds) * time.Second
	if reloadInterval <= 0 {
		reloadInterval = 10 * time.Second
	}
	go policyEngine.RunReloadLoop(ctx, reloadInterval)

	registry := prometheus.NewRegistry()
	pl := pipeline.New(verifier, policyEngine, chains, allocator, signerCap, st, counters,
		pipeline.FeeParams{FeeMultiplierPercent: cfg.Fees.MultiplierPercent, GasHeadroomPercent: cfg.Fees.GasHeadroomPercent},
		log, registry)

	graceWindow := time.Duration(cfg.Tracker.GraceWindowSeconds) * time.Second
	trk := tracker.New(st, chains, allocator, graceWindow, log)
	scanInterval := time.Duration(cfg.Tracker.ScanIntervalSeconds) * time.Second
	if scanInterval <= 0 {
		scanInterval = 15 * time.Second
	}
	go trk.Run(ctx, scanInterval)
	go drainStuckSignals(ctx, trk.Stuck, log)

	server := httpapi.New(pl, st, policyEngine, healthCheckers, log)
	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: server}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.ListenAddress).Info("relayd: listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func buildSigner(cfg config.SignerConfig, chainIDs map[types.Network]*big.Int, log *logrus.Logger) (signer.Capability, error) {
	switch cfg.Kind {
	case "remote":
		return signer.NewRemote(cfg.RemoteBaseURL, nil), nil
	default:
		if cfg.Mnemonic != "" {
			return signer.NewLocalFromMnemonic(cfg.Mnemonic, cfg.Passphrase, chainIDs, log)
		}
		key, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKeyHex))
		if err != nil {
			return nil, fmt.Errorf("parse signer private key: %w", err)
		}
		return signer.NewLocal(key, chainIDs, log), nil
	}
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// multiChainPendingCounter adapts a per-network map of chain clients into
// the single nonce.PendingCounter the Allocator needs, dispatching each
// call to the client for the request's own network (each Client's own
// PendingCount ignores its network argument, since it is already bound
// to one network at Dial time).
type multiChainPendingCounter map[types.Network]*chainclient.Client

func (m multiChainPendingCounter) PendingCount(ctx context.Context, network types.Network, address types.Address) (uint64, error) {
	client, ok := m[network]
	if !ok {
		return 0, fmt.Errorf("no chain client configured for network %s", network)
	}
	return client.PendingCount(ctx, network, address)
}

func relayerAddressesByNetwork(ctx context.Context, signerCap signer.Capability, chains map[types.Network]*chainclient.Client) map[types.Network]types.Address {
	out := make(map[types.Network]types.Address, len(chains))
	for network := range chains {
		addr, err := signerCap.Address(ctx, network)
		if err != nil {
			continue
		}
		out[network] = addr
	}
	return out
}

func drainStuckSignals(ctx context.Context, signals <-chan tracker.StuckSignal, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			log.WithFields(logrus.Fields{"tx_hash": sig.TxHash.Hex(), "stuck_since": sig.StuckSince}).Error("relayd: transaction stuck, operator action required")
		}
	}
}
