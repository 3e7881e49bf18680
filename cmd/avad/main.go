package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"AVA-Chain/internal/agent"
	"AVA-Chain/internal/api"
	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/config"
	"AVA-Chain/internal/coordinator"
	"AVA-Chain/internal/llm"
	llmprovider "AVA-Chain/internal/llm/provider"
	"AVA-Chain/internal/recall"
	"AVA-Chain/internal/relay"
	"AVA-Chain/internal/task"
	"AVA-Chain/internal/transport/server"
	"AVA-Chain/internal/web3"
	web3provider "AVA-Chain/internal/web3/provider"
	"AVA-Chain/pkg/logger"
)

// main 是 AVA 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("avad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("avad")

	store, err := recall.Open(ctx, recall.Options{
		Driver:       cfg.Recall.Driver,
		Redis:        recall.RedisConfig(cfg.Recall.Redis),
		MySQLDSN:     cfg.Recall.MySQL.DSN,
		MySQLMaxOpen: cfg.Recall.MySQL.MaxOpenConns,
		Retry:        recall.RetryPolicy{MaxAttempts: cfg.Recall.Retry.MaxAttempts, BaseDelay: cfg.Recall.Retry.BaseDelay.Duration},
	})
	if err != nil {
		return err
	}
	defer store.Close()

	roles := make([]bus.Role, 0, len(cfg.Agents.Roles))
	for _, name := range cfg.Agents.Roles {
		roles = append(roles, bus.NormalizeRole(name))
	}
	b := bus.New(roles)
	registry := task.NewRegistry(b, store)

	observer, agents, closeAgents, err := buildAgents(ctx, cfg, b, store)
	if err != nil {
		return err
	}
	defer closeAgents()

	coord := coordinator.New(b, registry, coordinator.WithRequiredTopics(bus.TopicTaskUpdate))
	for _, a := range agents {
		if !b.HasRole(a.Role()) {
			lg.Info("角色未声明，跳过注册", slog.String("role", string(a.Role())))
			continue
		}
		if err := coord.Register(a); err != nil {
			return err
		}
	}
	if err := coord.Wire(ctx); err != nil {
		return err
	}

	timeout := cfg.LLM.Timeout.Duration
	ws := server.New(b, registry, observer,
		server.WithConfig(server.Config{
			ReadTimeout:    cfg.Transport.ReadTimeout.Duration,
			WriteTimeout:   cfg.Transport.WriteTimeout.Duration,
			SendBuffer:     cfg.Transport.SendBuffer,
			AllowedOrigins: cfg.Transport.AllowedOrigins,
		}),
		server.WithProviderFactory(func(st llmprovider.Settings) (string, llm.Client, error) {
			return llmprovider.FromSettings(st, timeout)
		}),
	)
	if err := ws.StartAnnouncer(); err != nil {
		return err
	}
	defer ws.Close()

	if cfg.Relay.Enabled {
		mirror, err := relay.Dial(relay.Config{URL: cfg.Relay.URL, Exchange: cfg.Relay.Exchange, RoutingKey: cfg.Relay.RoutingKey})
		if err != nil {
			return err
		}
		if err := mirror.Attach(b); err != nil {
			_ = mirror.Close()
			return err
		}
		defer mirror.Close()
	}

	if err := coord.Verify(); err != nil {
		return err
	}

	opts := []api.Option{
		api.WithWebSocket(cfg.Transport.Path, ws),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Duration),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(cfg.Metrics.Path))
	}
	httpServer := api.NewServer(cfg.Server.Address, registry, opts...)

	lg.Info("AVA 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("roles", strings.Join(cfg.Agents.Roles, ",")),
		slog.String("recall", cfg.Recall.Driver),
		slog.String("llm", observer.Provider()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if cerr := coord.Close(shutdownCtx); cerr != nil {
		lg.Warn("等待代理队列退出超时", slog.Any("error", cerr))
	}
	lg.Info("AVA 已退出")
	return err
}

// buildAgents 构造 observer、executor 与 cdp。
// 未启用 web3 时 executor 对所有链指令返回失败；未配置私钥时 cdp 使用进程内临时密钥。
func buildAgents(ctx context.Context, cfg *config.Config, b *bus.Bus, store recall.Store) (*agent.Observer, []agent.Agent, func(), error) {
	name, client, err := llmprovider.FromConfig(cfg.LLM)
	if err != nil {
		return nil, nil, nil, err
	}
	observer := agent.NewObserver(b, store, llm.NewSwappable(name, client))

	var chains agent.Chains
	closeAll := func() {}
	if cfg.Web3.Enabled {
		registry, err := web3provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, nil, nil, err
		}
		chains, closeAll = registry, registry.Close
	}

	signer, err := loadSigner(cfg.Web3.SignerKey)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}

	agents := []agent.Agent{
		observer,
		agent.NewExecutor(b, store, chains),
		agent.NewCDP(b, store, signer),
	}
	return observer, agents, closeAll, nil
}

func loadSigner(key string) (*web3.Signer, error) {
	if key = strings.TrimSpace(key); key != "" {
		signer, err := web3.NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("加载签名私钥失败: %w", err)
		}
		return signer, nil
	}
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("生成临时签名密钥失败: %w", err)
	}
	signer := web3.NewSignerFromKey(priv)
	logger.Named("avad").Warn("未配置 signer_key，cdp 使用临时密钥", slog.String("address", signer.Address()))
	return signer, nil
}

func loggerConfig(c config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
		},
	}
}
