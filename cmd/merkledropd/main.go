package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/config"
	"merkledrop/native/distribution"
	"merkledrop/native/token"
	"merkledrop/observability"
	"merkledrop/observability/logging"
	"merkledrop/rpc"
	"merkledrop/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MERKLEDROP_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("merkledropd", env, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	if !common.IsHexAddress(cfg.AdminAddress) {
		logger.Error("invalid AdminAddress in config", "address", cfg.AdminAddress)
		os.Exit(1)
	}
	admin := common.HexToAddress(cfg.AdminAddress)
	custody := deriveCustody(cfg.CustodyAddress)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	engine := distribution.NewEngine()
	engine.SetState(distribution.NewState(db))
	engine.SetTokenLedger(token.NewLedger(db))
	engine.SetEmitter(observability.NewAuditEmitter(logger))
	engine.SetAdmin(admin)
	engine.SetCustody(custody)

	server := rpc.NewServer(engine)
	logger.Info("starting merkledropd",
		"listen", cfg.ListenAddress,
		"admin", admin.Hex(),
		"custody", custody.Hex(),
	)
	if err := server.Start(cfg.ListenAddress); err != nil {
		logger.Error("rpc server terminated", "error", err)
		os.Exit(1)
	}
}

// deriveCustody returns the configured custody account, defaulting to a fixed
// well-known address when unset so deployments agree on where funded value
// lives.
func deriveCustody(configured string) common.Address {
	if common.IsHexAddress(configured) {
		return common.HexToAddress(configured)
	}
	return common.HexToAddress("0x00000000000000000000000000000000000d3090")
}
