// Package app wires the configured storage, chain, messaging and
// observability backends into the coordinator services. Both nexusd and the
// agent worker build on it.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"NexusAgent/internal/agent"
	"NexusAgent/internal/audit"
	"NexusAgent/internal/config"
	"NexusAgent/internal/events"
	"NexusAgent/internal/observability/alerting"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/policy"
	"NexusAgent/internal/settlement"
	"NexusAgent/internal/storage/mysql"
	"NexusAgent/internal/storage/redis"
	"NexusAgent/internal/wallet"
	"NexusAgent/internal/web3"
	"NexusAgent/internal/web3/provider"
	"NexusAgent/pkg/logger"
)

// App 持有进程内共享的全部组件。
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Alerts   alerting.Dispatcher
	Audit    *audit.Logger

	WalletStore wallet.Store
	Wallets     *wallet.Service
	Agents      agent.Store
	Settlement  *settlement.Service
	Events      *events.Bus

	// Chains 为 nil 表示未配置任何链，此时转账与放款不可用。
	Chains *provider.Registry

	log     *slog.Logger
	closers []func()
}

// Build 按配置初始化各组件。返回错误前已打开的资源会被关闭。
func Build(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg, log: logger.Named("app")}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	// 指标。
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	// 告警。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second},
		})
	}
	a.Alerts = alerting.NewFanout(notifiers...)

	// 持久化。
	var (
		auditStore  audit.Store
		settleStore settlement.Store
		db          *sql.DB
	)
	switch cfg.Storage.Driver {
	case "mysql":
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSec) * time.Second,
			AutoMigrate:     cfg.Storage.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		auditStore = audit.NewMySQLStore(db)
		a.WalletStore = wallet.NewMySQLStore(db)
		a.Agents = agent.NewMySQLStore(db)
		settleStore = settlement.NewMySQLStore(db)
	default:
		auditStore = audit.NewMemoryStore()
		a.WalletStore = wallet.NewMemoryStore()
		a.Agents = agent.NewMemoryStore()
		settleStore = settlement.NewMemoryStore()
	}
	a.Audit = audit.NewLogger(auditStore, audit.WithMirror(logger.Audit()))

	// 跨进程锁与消费窗口。
	walletOpts := []wallet.ServiceOption{
		wallet.WithServiceAlerts(a.Alerts),
		wallet.WithServiceMetrics(a.Metrics),
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		client, err := redis.Dial(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		walletOpts = append(walletOpts,
			wallet.WithSharedLocker(redis.NewLocker(client, cfg.Redis.Prefix,
				redis.WithLockTTL(time.Duration(cfg.Redis.LockTTLSeconds)*time.Second))),
			wallet.WithSharedWindows(redis.NewWindowStore(client, cfg.Redis.Prefix)),
		)
	}

	// 链客户端。
	var chain web3.Client
	if cfg.Web3.ChainConfig != "" || cfg.Web3.RPCURL != "" {
		a.Chains, err = provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Chains.Close)
		if chain, err = a.Chains.DefaultClient(); err != nil {
			return nil, err
		}
		walletOpts = append(walletOpts, wallet.WithBalances(chain))
	}
	a.Wallets = wallet.NewService(a.WalletStore, a.Audit, walletOpts...)

	// 事件。
	a.Events = events.NewBus()
	a.Events.Subscribe("", func(_ context.Context, e events.Event) {
		a.log.Debug("settlement event", slog.String("event", e.Name))
	})
	var publisher events.Publisher = a.Events
	if strings.TrimSpace(cfg.Broker.URL) != "" {
		rabbit, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Broker.URL,
			Exchange:   cfg.Broker.Exchange,
			RoutingKey: cfg.Broker.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rabbit.Close() })
		publisher = events.Multi{a.Events, rabbit}
	}

	// 托管结算。
	settleOpts := []settlement.Option{
		settlement.WithPublisher(publisher),
		settlement.WithMetrics(a.Metrics),
	}
	if payer, err := a.escrowPayer(chain); err != nil {
		return nil, err
	} else if payer != nil {
		settleOpts = append(settleOpts, settlement.WithPayer(payer))
	}
	a.Settlement = settlement.NewService(settleStore, a.Agents, a.Audit, settleOpts...)
	return a, nil
}

// escrowPayer 使用托管账户私钥构建放款协作方。未配置私钥时返回 nil，
// 此时里程碑完成只更新账面状态。
func (a *App) escrowPayer(chain web3.Client) (*wallet.EscrowPayer, error) {
	key := strings.TrimSpace(os.Getenv(a.Config.Web3.EscrowKeyEnv))
	if key == "" {
		a.log.Warn("未配置托管账户私钥，里程碑放款只记账", slog.String("env", a.Config.Web3.EscrowKeyEnv))
		return nil, nil
	}
	if chain == nil {
		a.log.Warn("未配置链节点，忽略托管账户私钥")
		return nil, nil
	}
	custody, err := chain.Account(key)
	if err != nil {
		return nil, err
	}
	a.log.Info("escrow custody ready", slog.String("address", custody.Address()))
	return wallet.NewEscrowPayer(custody, a.WalletStore, a.Audit, a.Metrics), nil
}

// DefaultChain 返回默认链客户端，未配置链时返回 nil。
func (a *App) DefaultChain() web3.Client {
	if a.Chains == nil {
		return nil
	}
	client, err := a.Chains.DefaultClient()
	if err != nil {
		return nil
	}
	return client
}

// PolicyDefaults 返回新钱包使用的默认额度。
func (a *App) PolicyDefaults() policy.Config {
	cfg := policy.DefaultConfig()
	if p := a.Config.Policy; p != nil {
		cfg.PerTransaction = p.PerTransaction
		cfg.PerHour = p.PerHour
		cfg.PerDay = p.PerDay
	}
	return cfg
}

// Close 按打开的逆序释放资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
