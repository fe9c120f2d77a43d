package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/term"

	"merchantd/config"
	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/gateway"
	"merchantd/keystate"
	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/merchant/longpoll"
	"merchantd/merchant/order"
	"merchantd/merchant/payment"
	"merchantd/merchant/refund"
	"merchantd/merchant/transfer"
	"merchantd/observability/logging"
	"merchantd/observability/otel"
	"merchantd/storage"
)

func main() {
	configFile := flag.String("config", "/etc/merchantd/config.toml", "Path to the configuration file")
	initKey := flag.String("init-key", "", "Generate a new merchant key at the given path and exit")
	flag.Parse()

	if *initKey != "" {
		if err := runInitKey(*initKey); err != nil {
			fmt.Fprintf(os.Stderr, "init-key: %v\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(run(*configFile))
}

func run(configFile string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "merchantd: %v\n", err)
		return 1
	}
	logger := logging.Setup("merchantd", cfg.Environment, cfg.LogFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName: "merchantd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("database open failed", "err", err)
		return 1
	}
	defer store.Close()

	instances := instance.NewManager(store)
	if cfg.InstanceSeed != "" {
		if err := seedInstances(ctx, instances, cfg.InstanceSeed, logger); err != nil {
			logger.Error("instance seeding failed", "err", err)
			return 1
		}
	}

	entries := make(map[string]keystate.ExchangeEntry, len(cfg.Exchanges))
	backends := make(map[string]*exchange.Client, len(cfg.Exchanges))
	orderRefs := make([]order.ExchangeRef, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		client, err := exchange.NewClient(ex.URL)
		if err != nil {
			logger.Error("exchange client", "url", ex.URL, "err", err)
			return 1
		}
		masterPub, err := crypto.DecodePublicKey(ex.MasterPub)
		if err != nil {
			logger.Error("exchange master key", "url", ex.URL, "err", err)
			return 1
		}
		entries[ex.URL] = keystate.ExchangeEntry{
			Source:    client,
			MasterPub: masterPub,
			Trusted:   ex.Trusted,
		}
		backends[ex.URL] = client
		orderRefs = append(orderRefs, order.ExchangeRef{URL: ex.URL, MasterPub: ex.MasterPub})
	}
	auditors := make([]keystate.Auditor, 0, len(cfg.Auditors))
	auditorRefs := make([]order.AuditorRef, 0, len(cfg.Auditors))
	for _, aud := range cfg.Auditors {
		pub, err := crypto.DecodePublicKey(aud.PublicKey)
		if err != nil {
			logger.Error("auditor key", "name", aud.Name, "err", err)
			return 1
		}
		auditors = append(auditors, keystate.Auditor{Name: aud.Name, URL: aud.URL, PublicKey: pub})
		auditorRefs = append(auditorRefs, order.AuditorRef{Name: aud.Name, URL: aud.URL, AuditorPub: aud.PublicKey})
	}

	keysOpts := []keystate.ServiceOption{
		keystate.WithLogger(logger),
		keystate.WithRetirer(store),
	}
	if cfg.Keys.CachePath != "" {
		cache, err := keystate.OpenCache(cfg.Keys.CachePath)
		if err != nil {
			logger.Error("keys cache open failed", "err", err)
			return 1
		}
		defer cache.Close()
		keysOpts = append(keysOpts, keystate.WithCache(cache))
	}
	keysvc := keystate.NewService(entries, auditors, cfg.Keys.RequireAuditor, keysOpts...)

	waker := longpoll.New()
	inv := inventory.NewService(store)
	orders := order.NewEngine(store, order.Config{
		Currency:  cfg.Currency,
		Exchanges: orderRefs,
		Auditors:  auditorRefs,
	})
	payments := payment.NewPipeline(store, keysvc, asPaymentBackends(backends), waker,
		payment.WithLogger(logger))
	refunds := refund.NewEngine(store, keysvc, asRefundBackends(backends), waker,
		refund.WithLogger(logger))
	transfers := transfer.NewTracker(store, asTransferBackends(backends),
		transfer.WithLogger(logger))

	server := gateway.New(gateway.Deps{
		Store:     store,
		Instances: instances,
		Inventory: inv,
		Orders:    orders,
		Payments:  payments,
		Refunds:   refunds,
		Transfers: transfers,
		Waker:     waker,
	}, gateway.Config{
		Currency: cfg.Currency,
		Auth: gateway.AuthConfig{
			HMACSecret: cfg.AdminSecret,
			Issuer:     "merchantd",
		},
	}, gateway.WithLogger(logger))

	coordinator := keystate.NewCoordinator(keysvc, cfg.Keys.Lookahead.Duration, logger)
	coordinator.TriggerReload()
	go coordinator.Run(ctx)

	listener, err := net.Listen("tcp", cfg.HTTP.Bind)
	if err != nil {
		logger.Error("listen failed", "bind", cfg.HTTP.Bind, "err", err)
		return 1
	}
	listener = netutil.LimitListener(listener, cfg.HTTP.MaxConnections)
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "bind", cfg.HTTP.Bind)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			cancel()
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.HTTP.MetricsBind,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	// The coordinator owns the signal loop; its exit code is ours.
	code := <-coordinator.Done()
	logger.Info("shutting down", "exit_code", code)

	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	_ = httpServer.Shutdown(sctx)
	_ = metricsServer.Shutdown(sctx)
	return code
}

func seedInstances(ctx context.Context, instances *instance.Manager, path string, logger *slog.Logger) error {
	seeds, err := config.LoadInstanceSeeds(path)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		_, err := instances.Create(ctx, instance.Spec{
			ID:           seed.ID,
			Name:         seed.Name,
			Accounts:     seed.Accounts,
			Address:      seed.Address,
			Jurisdiction: seed.Jurisdiction,
			AuthToken:    seed.AuthToken,
		})
		if errors.Is(err, instance.ErrExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed instance %q: %w", seed.ID, err)
		}
		logger.Info("seeded instance", "id", seed.ID)
	}
	return nil
}

func asPaymentBackends(clients map[string]*exchange.Client) map[string]payment.Backend {
	out := make(map[string]payment.Backend, len(clients))
	for url, client := range clients {
		out[url] = client
	}
	return out
}

func asRefundBackends(clients map[string]*exchange.Client) map[string]refund.Backend {
	out := make(map[string]refund.Backend, len(clients))
	for url, client := range clients {
		out[url] = client
	}
	return out
}

func asTransferBackends(clients map[string]*exchange.Client) map[string]transfer.Backend {
	out := make(map[string]transfer.Backend, len(clients))
	for url, client := range clients {
		out[url] = client
	}
	return out
}

// runInitKey generates a fresh merchant signing key, encrypted under a
// passphrase read from the terminal.
func runInitKey(path string) error {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	again, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}
	if string(pass) != string(again) {
		return errors.New("passphrases do not match")
	}
	if strings.TrimSpace(string(pass)) == "" {
		return errors.New("empty passphrase")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveKey(path, key, string(pass)); err != nil {
		return err
	}
	fmt.Printf("wrote %s (public key %s)\n", path, key.PubKey())
	return nil
}
