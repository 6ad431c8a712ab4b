package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subpay/config"
	"subpay/core"
	"subpay/core/state"
	"subpay/crypto"
	"subpay/native/billing"
	"subpay/observability/logging"
	"subpay/rpc"
	"subpay/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SUBPAY_ENV"))
	logger := logging.Setup("subpay", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	owner, err := cfg.OwnerAddress()
	if err != nil {
		panic(fmt.Sprintf("Failed to decode owner address: %v", err))
	}
	policy, err := cfg.CommissionPolicy()
	if err != nil {
		panic(fmt.Sprintf("Failed to build commission policy: %v", err))
	}

	node, err := core.NewNode(state.NewManager(db), owner, policy)
	if err != nil {
		panic(fmt.Sprintf("Failed to construct node: %v", err))
	}

	allocs, err := genesisAllocs(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse genesis allocations: %v", err))
	}
	if err := node.ApplyGenesisAllocs(allocs); err != nil {
		panic(fmt.Sprintf("Failed to apply genesis allocations: %v", err))
	}

	logger.Info("Ledger ready",
		slog.String("owner", cfg.Owner),
		slog.String("dataDir", cfg.DataDir),
		slog.Uint64("commissionRatePercent", uint64(cfg.Commission.RatePercent)),
	)

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	server := rpc.NewServer(node)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func genesisAllocs(cfg *config.Config) ([]core.GenesisAlloc, error) {
	allocs := make([]core.GenesisAlloc, 0, len(cfg.Allocs))
	for _, alloc := range cfg.Allocs {
		decoded, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return nil, err
		}
		var addr [20]byte
		copy(addr[:], decoded.Bytes())
		token, err := billing.NormalizeToken(alloc.Token)
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10)
		if !ok {
			return nil, fmt.Errorf("invalid alloc amount %q", alloc.Amount)
		}
		allocs = append(allocs, core.GenesisAlloc{Address: addr, Token: token, Amount: amount})
	}
	return allocs, nil
}
