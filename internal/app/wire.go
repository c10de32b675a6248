package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/nftmarket/internal/blob/s3"
	"github.com/alanyoungcy/nftmarket/internal/cache/redis"
	"github.com/alanyoungcy/nftmarket/internal/config"
	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/notify"
	"github.com/alanyoungcy/nftmarket/internal/registry"
	"github.com/alanyoungcy/nftmarket/internal/server/handler"
	"github.com/alanyoungcy/nftmarket/internal/service"
	"github.com/alanyoungcy/nftmarket/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Engine   *market.Engine
	Market   *service.MarketService
	Registry *registry.Memory
	Bank     *market.Bank

	// Stores (nil without Postgres)
	ItemStore  *postgres.ItemStore
	AuditStore domain.AuditStore

	// Redis-backed (nil without Redis)
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	ItemCache   domain.ItemCache
	RateLimiter domain.RateLimiter
	Nonces      domain.NonceStore

	// Blob storage (nil without S3)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier

	// Health maps dependency names to their pingers.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: map[string]handler.Pinger{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.ItemStore = postgres.NewItemStore(pool, cfg.Market.Name)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:          cfg.Redis.URL,
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			DialTimeout:  cfg.Redis.DialTimeout.Duration,
			ReadTimeout:  cfg.Redis.ReadTimeout.Duration,
			WriteTimeout: cfg.Redis.WriteTimeout.Duration,
			Name:         "nftmarket:" + cfg.Market.Name,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		logger.InfoContext(ctx, "wire: redis connected", slog.Any("redis", redisClient))

		deps.LockManager = redis.NewLockManager(redisClient).WithWait(cfg.Market.LockWaitTimeout())
		deps.Nonces = redis.NewNonceStore(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.ItemCache = redis.NewItemCache(redisClient, cfg.Market.Name, cfg.Redis.CacheExpiry())
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)

		// Archiver needs the persisted ledger to export.
		if deps.ItemStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.ItemStore, deps.AuditStore, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Marketplace engine ---
	if err := wireMarket(ctx, cfg, deps, logger); err != nil {
		return fail(err)
	}

	return deps, cleanup, nil
}

// wireMarket builds the engine over the in-process registry and bank,
// restores it from the journal, and layers the service on top.
func wireMarket(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	fee, err := domain.ParseAmount(cfg.Market.ListingFee)
	if err != nil {
		return fmt.Errorf("wire: market listing fee: %w", err)
	}

	deps.Registry = registry.NewMemory()
	deps.Bank = market.NewBank()

	eng, err := market.NewEngine(market.Config{
		Name:       cfg.Market.Name,
		Owner:      common.HexToAddress(cfg.Market.Owner),
		Escrow:     common.HexToAddress(cfg.Market.Escrow),
		ListingFee: fee,
	}, deps.Registry, deps.Bank, logger)
	if err != nil {
		return fmt.Errorf("wire: market engine: %w", err)
	}
	if deps.ItemStore != nil {
		eng.WithJournal(deps.ItemStore)
	}
	if deps.LockManager != nil {
		eng.WithLockManager(deps.LockManager, cfg.Market.LockTimeout())
	}
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	deps.Engine = eng

	if err := seedDevState(eng, deps.Registry, deps.Bank, cfg.Dev.GenesisBalances); err != nil {
		return fmt.Errorf("wire: %w", err)
	}

	svc := service.NewMarketService(eng, logger).WithNotifier(deps.Notifier)
	if deps.SignalBus != nil {
		svc.WithSignalBus(deps.SignalBus)
	}
	if deps.AuditStore != nil {
		svc.WithAuditStore(deps.AuditStore)
	}
	if deps.ItemCache != nil {
		svc.WithItemCache(deps.ItemCache)
	}
	deps.Market = svc

	logger.InfoContext(ctx, "wire: market ready",
		slog.String("market", eng.Name()),
		slog.String("owner", eng.Owner().Hex()),
		slog.String("escrow", eng.Escrow().Hex()),
		slog.String("listing_fee", eng.ListingFee().String()),
		slog.Int("unsold", len(eng.FetchUnsoldItems())),
	)
	return nil
}

// seedDevState makes the in-process registry and bank agree with a restored
// ledger: every item's token is re-imported with its current owner and the
// escrow wallet is credited with the accrued fee balance. Genesis balances
// are credited last.
func seedDevState(eng *market.Engine, reg *registry.Memory, bank *market.Bank, genesis map[string]string) error {
	for _, it := range eng.AllItems() {
		if err := reg.Import(it.AssetContract, it.TokenID, it.Owner, ""); err != nil {
			return fmt.Errorf("seed item %d: %w", it.ItemID, err)
		}
	}
	if bal := eng.Balance(); bal.Sign() > 0 {
		bank.Deposit(eng.Escrow(), bal)
	}

	for addr, raw := range genesis {
		amount, err := domain.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("genesis balance for %s: %w", addr, err)
		}
		if amount.Cmp(new(big.Int)) > 0 {
			bank.Deposit(common.HexToAddress(addr), amount)
		}
	}
	return nil
}
