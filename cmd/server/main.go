package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/zonesync/internal/api"
	"github.com/annel0/zonesync/internal/config"
	"github.com/annel0/zonesync/internal/eventbus"
	"github.com/annel0/zonesync/internal/levelfile"
	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/observability"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/replication"
	"github.com/annel0/zonesync/internal/transport"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $ZONESYNC_CONFIG)")
	hashToken := flag.String("hash-token", "", "вывести bcrypt-хэш токена для admin.token_hash и выйти")
	flag.Parse()

	if *hashToken != "" {
		hash, err := api.HashToken(*hashToken)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	consoleLevel, _ := logging.ParseLevel(cfg.Logging.ConsoleLevel)
	fileLevel, _ := logging.ParseLevel(cfg.Logging.FileLevel)
	logging.Configure(cfg.Logging.Dir, consoleLevel, fileLevel)
	if err := logging.GetLoggerManager().SetLevels(cfg.Logging.Components); err != nil {
		log.Fatalf("❌ %v", err)
	}
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer logging.GetLoggerManager().CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("❌ %v", err)
		os.Exit(1)
	}
	logging.Info("👋 Участник успешно остановлен")
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info("🗺  Запуск zonesync: роль=%s транспорт=%s", cfg.Session.Role, cfg.Transport.Kind)

	peerID := transport.PeerID(cfg.Session.PeerID)
	if peerID == "" {
		peerID = transport.NewPeerID()
	}

	// === TELEMETRY ===
	shutdownTelemetry := observability.Shutdown(observability.Noop)
	if cfg.Telemetry.Enabled {
		sd, err := observability.InitTelemetry(ctx, observability.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Role:        cfg.Session.Role,
			PeerID:      string(peerID),
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logging.Warn("⚠️  OpenTelemetry не инициализирован: %v", err)
		} else {
			shutdownTelemetry = sd
		}
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// === TRANSPORT ===
	tr, natsTransport, err := openTransport(cfg, peerID)
	if err != nil {
		return err
	}

	// === SESSION ===
	// Цикл останавливается явно после закрытия сессии, а не по сигналу
	loop := owner.NewLoop(0)
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(context.Background()) }()
	defer loop.Close()

	editors := make([]zone.UserID, 0, len(cfg.Editors))
	for _, id := range cfg.Editors {
		editors = append(editors, zone.UserID(id))
	}
	peers := make(map[transport.PeerID]zone.UserID, len(cfg.Peers))
	for peer, user := range cfg.Peers {
		peers[transport.PeerID(peer)] = zone.UserID(user)
	}
	session, err := replication.NewSession(loop, tr, replication.Config{
		Role:        cfg.Session.Role,
		UserID:      zone.UserID(cfg.Session.UserID),
		Authority:   transport.PeerID(cfg.Session.AuthorityPeer),
		Peers:       peers,
		Limits:      zone.Limits{MaxZones: cfg.Limits.MaxZones, MaxAnchors: cfg.Limits.MaxAnchors},
		Permissions: replication.NewAllowList(editors...),
		Registerer:  reg,
	})
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("не удалось создать сессию: %w", err)
	}

	// Уровень загружается до включения базы: идентификаторы выдаются при Enable
	if cfg.LevelFile != "" && session.Role().Name() == replication.RoleAuthority {
		if err := populate(ctx, session, cfg.LevelFile); err != nil {
			_ = tr.Close()
			return err
		}
	}

	if err := session.Start(ctx); err != nil {
		_ = tr.Close()
		return err
	}

	// === EVENT BUS ===
	bus, err := openEventBus(cfg, natsTransport)
	if err != nil {
		// Типизированный nil в интерфейсе не равен nil
		bus = nil
		logging.Warn("⚠️  Шина событий недоступна: %v", err)
	}
	var (
		forwarder   *eventbus.StoreForwarder
		unsubscribe func()
		listener    eventbus.Subscription
		exporter    *eventbus.MetricsExporter
	)
	if bus != nil {
		forwarder = eventbus.NewStoreForwarder(bus, string(peerID), cfg.EventBus.Buffer)
		if err := loop.Do(ctx, func() { unsubscribe = session.Store().Subscribe(forwarder) }); err != nil {
			return err
		}
		if listener, err = eventbus.StartLoggingListener(bus, eventbus.Filter{}); err != nil {
			logging.Warn("Логирование событий недоступно: %v", err)
		}
		exporter = eventbus.NewMetricsExporter(bus, reg)
		exporter.Start(10 * time.Second)
	}

	// === ADMIN API ===
	var admin *api.RestServer
	if cfg.Admin.Enabled {
		admin = api.NewRestServer(api.Config{
			Port:      fmt.Sprintf(":%d", cfg.Admin.Port),
			Level:     session,
			Role:      session.Role().Name(),
			PeerID:    string(peerID),
			Metrics:   reg,
			TokenHash: cfg.Admin.TokenHash,
		})
		if err := admin.Start(); err != nil {
			return err
		}
	}

	logging.Info("✅ Участник %s готов", peerID)
	if cfg.Admin.Enabled {
		logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Admin.Port)
	}

	// Ждем сигнала для завершения
	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал завершения")
	case err := <-loopDone:
		logging.Error("Цикл-владелец остановлен: %v", err)
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			logging.Error("❌ %v", err)
		}
	}
	// Отписка выполняется в горутине-владельце; если цикл уже остановлен, уведомлений больше не будет
	if unsubscribe != nil {
		_ = loop.Do(shutdownCtx, unsubscribe)
	}
	if forwarder != nil {
		forwarder.Close()
		if dropped := forwarder.Dropped(); dropped > 0 {
			logging.Warn("Не опубликовано событий: %d", dropped)
		}
	}
	if listener != nil {
		listener.Unsubscribe()
	}
	if exporter != nil {
		exporter.Stop()
	}
	// Шина закрывается раньше транспорта: JetStream может использовать его соединение
	if bus != nil {
		if err := bus.Close(); err != nil {
			logging.Warn("Ошибка закрытия шины событий: %v", err)
		}
	}

	if err := session.Close(shutdownCtx); err != nil && !errors.Is(err, owner.ErrClosed) {
		logging.Error("❌ Ошибка закрытия сессии: %v", err)
	}
	return nil
}

// openTransport создаёт транспорт участника. Второе значение не nil только для NATS.
func openTransport(cfg *config.Config, id transport.PeerID) (transport.Transport, *transport.NATS, error) {
	if cfg.Transport.Kind == "memory" {
		// Одиночный участник без сети, например локальный редактор
		peer, err := transport.NewHub().Join(id)
		if err != nil {
			return nil, nil, err
		}
		return peer, nil, nil
	}

	var compressor *transport.Compressor
	if cfg.Transport.CompressThreshold > 0 {
		c, err := transport.NewCompressor(cfg.Transport.CompressThreshold)
		if err != nil {
			return nil, nil, fmt.Errorf("не удалось создать компрессор: %w", err)
		}
		compressor = c
	}

	switch cfg.Transport.Kind {
	case "kcp":
		kcpCfg := transport.KCPConfig{Addr: cfg.Transport.KCPAddr, Compressor: compressor}
		var (
			t   *transport.KCP
			err error
		)
		if role, _ := replication.NewRole(cfg.Session.Role); role != nil && role.Name() == replication.RoleAuthority {
			t, err = transport.ListenKCP(kcpCfg, id)
		} else {
			t, err = transport.DialKCP(kcpCfg, id)
		}
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil
	default:
		n, err := transport.DialNATS(transport.NATSConfig{
			URL:           cfg.Transport.NATSURL,
			Prefix:        cfg.Transport.Prefix,
			MaxReconnects: cfg.Transport.MaxReconnects,
			ReconnectWait: cfg.Transport.ReconnectWaitDuration(),
			Compressor:    compressor,
		}, id)
		if err != nil {
			return nil, nil, err
		}
		return n, n, nil
	}
}

// openEventBus создаёт шину событий. JetStream переиспользует соединение транспорта, если оно есть.
func openEventBus(cfg *config.Config, n *transport.NATS) (eventbus.EventBus, error) {
	switch cfg.EventBus.Kind {
	case "none":
		return nil, nil
	case "jetstream":
		jsCfg := eventbus.JetStreamConfig{
			URL:       cfg.EventBus.URL,
			Stream:    cfg.EventBus.Stream,
			Prefix:    cfg.Transport.Prefix,
			Retention: cfg.EventBus.RetentionDuration(),
		}
		if n != nil && cfg.EventBus.URL == cfg.Transport.NATSURL {
			return eventbus.NewJetStreamBusWithConn(n.Conn(), jsCfg)
		}
		return eventbus.NewJetStreamBus(jsCfg)
	case "redis":
		return eventbus.NewRedisBus(eventbus.RedisConfig{
			Addr:     cfg.EventBus.RedisAddr,
			Password: os.Getenv(config.EnvRedisPassword),
			DB:       cfg.EventBus.RedisDB,
			Prefix:   cfg.Transport.Prefix,
		})
	default:
		return eventbus.NewMemoryBus(cfg.EventBus.Buffer), nil
	}
}

// populate заполняет хранилище сервера из файла уровня в горутине-владельце
func populate(ctx context.Context, session *replication.Session, path string) error {
	file, err := levelfile.Load(path)
	if err != nil {
		return err
	}
	var added int
	var perr error
	if err := session.Loop().Do(ctx, func() {
		added, perr = levelfile.Populate(session.Store(), file.Zones)
	}); err != nil {
		return err
	}
	if perr != nil {
		return fmt.Errorf("файл уровня %s: %w", path, perr)
	}
	logging.Info("📦 Загружено зон из %s: %d", path, added)
	return nil
}
