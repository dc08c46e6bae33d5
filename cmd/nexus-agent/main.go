// Command nexus-agent runs one agent loop against the shared stores. The
// agent id comes from AGENT_ID, the signing key from the configured key env.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"NexusAgent/internal/agent"
	"NexusAgent/internal/app"
	"NexusAgent/internal/config"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/web3"
	"NexusAgent/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("nexus-agent 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPaths: cfg.Logging.OutputPaths}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	components, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	agentID := strings.TrimSpace(os.Getenv("AGENT_ID"))
	if agentID == "" {
		agentID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	workerLog := logger.Named("worker").With(slog.String("agent_id", agentID))

	ledger, address, err := loadSigner(components.DefaultChain(), os.Getenv(cfg.Agent.KeyEnv))
	if err != nil {
		return err
	}
	if ledger == nil {
		workerLog.Warn("未配置链节点，代理钱包只能记账不能转账")
	}

	w, err := components.Wallets.LoadOrCreate(ctx, agentID, address, components.PolicyDefaults())
	if err != nil {
		return err
	}
	gate := components.Wallets.Open(w, ledger)
	workerLog.Info("wallet ready", slog.String("wallet_id", w.ID), slog.String("address", gate.Address()))

	ag, err := agent.LoadOrRegister(ctx, components.Agents, agent.Spec{
		ID:       agentID,
		Name:     "Trader-" + agentID,
		Strategy: cfg.Agent.Strategy,
		WalletID: w.ID,
	}, time.Now())
	if err != nil {
		return err
	}
	// 重新开通后钱包 ID 会变化，运行时的审计按当前钱包绑定。
	ag.WalletID = w.ID

	if cfg.Agent.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Agent.MetricsAddr, components.Registry); err != nil && !errors.Is(err, context.Canceled) {
				workerLog.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	runtime := agent.NewRuntime(ag, components.Agents, components.Audit,
		agent.WithInterval(time.Duration(cfg.Agent.CheckIntervalMS)*time.Millisecond),
		agent.WithStepTimeout(time.Duration(cfg.Agent.StepTimeoutMS)*time.Millisecond),
		agent.WithMetrics(components.Metrics),
		agent.WithGate(gate, components.Wallets),
	)
	return runtime.Run(ctx, strategyFor(cfg.Agent))
}

// strategyFor 按配置选择策略，取值已由 config.Validate 校验。
func strategyFor(cfg config.AgentConfig) agent.Strategy {
	if cfg.Strategy == "sweep" {
		return agent.Sweep{Treasury: cfg.Treasury, Keep: cfg.SweepKeep, Max: cfg.SweepMax}
	}
	return agent.Idle{}
}

// loadSigner 绑定代理私钥。未提供私钥时生成一次性私钥，重启后地址会变化。
func loadSigner(chain web3.Client, keyHex string) (web3.Ledger, string, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, "", fmt.Errorf("生成代理私钥失败: %w", err)
		}
		keyHex = hex.EncodeToString(crypto.FromECDSA(key))
		logger.Named("worker").Warn("未配置代理私钥，使用一次性私钥")
	}
	if chain == nil {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, "", fmt.Errorf("解析代理私钥失败: %w", err)
		}
		return nil, crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}
	ledger, err := chain.Account(keyHex)
	if err != nil {
		return nil, "", err
	}
	return ledger, ledger.Address(), nil
}
