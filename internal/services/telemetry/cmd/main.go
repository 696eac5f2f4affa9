package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/internal/services/telemetry"
	"github.com/cropsense/cropsense/internal/storage"
	"github.com/cropsense/cropsense/internal/storage/influx"
	"github.com/cropsense/cropsense/internal/storage/sqlstore"
	"github.com/cropsense/cropsense/pkg/dedup"
	"github.com/cropsense/cropsense/pkg/rabbitmq"
)

var (
	configPath  string
	autoMigrate bool
	fromFlag    string
	toFlag      string
	typesFlag   []string
	deviceName  string
	deviceLoc   string

	rootCmd = &cobra.Command{
		Use:           "cropsense-telemetry",
		Short:         "CropSense telemetry service",
		Long:          "Ingests sensor batches, stages them in memory, flushes them to the telemetry store and decides irrigation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC health and MQTT ingest endpoints",
		RunE:  serve,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the relational schema",
		RunE:  migrate,
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE:  listDevices,
	}

	addDeviceCmd = &cobra.Command{
		Use:   "add [device-id]",
		Short: "Register a device",
		Args:  cobra.ExactArgs(1),
		RunE:  addDevice,
	}

	historyCmd = &cobra.Command{
		Use:   "history [device-id]",
		Short: "Print stored readings of a device as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  history,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML configuration file")

	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Migrate the relational schema before serving")

	historyCmd.Flags().StringVar(&fromFlag, "from", "", "Start (RFC3339), default 24h ago")
	historyCmd.Flags().StringVar(&toFlag, "to", "", "End (RFC3339), default now")
	historyCmd.Flags().StringSliceVarP(&typesFlag, "type", "t", nil, "Sensor types to include")

	addDeviceCmd.Flags().StringVar(&deviceName, "name", "", "Display name")
	addDeviceCmd.Flags().StringVar(&deviceLoc, "location", "", "Location")
	devicesCmd.AddCommand(addDeviceCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// backends holds the stores selected by the configuration. sql is nil when
// no database driver is configured.
type backends struct {
	telemetry storage.TelemetryWriter
	history   telemetry.ReadingHistory
	sql       *sqlstore.Store
	influx    *influx.Repository
}

func (b *backends) Close() {
	if b.influx != nil {
		b.influx.Close()
	}
	if b.sql != nil {
		if err := b.sql.Close(); err != nil {
			logger.Warnf("sqlstore: close: %v", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	if cfg.Database.Driver != "" {
		s, err := sqlstore.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.sql = s
	}

	switch cfg.Telemetry.Backend {
	case "influx":
		repo, err := influx.New(cfg.Influx)
		if err != nil {
			b.Close()
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Warnf("influx: %s not reachable yet: %v", cfg.Influx.URL, err)
		}
		cancel()
		b.influx = repo
		b.telemetry = repo
		b.history = repo
	case "sql":
		b.telemetry = b.sql
		b.history = b.sql
	}
	return b, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if autoMigrate && b.sql != nil {
		if err := b.sql.Migrate(); err != nil {
			return err
		}
	}

	metrics := telemetry.NewMetrics()
	metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := telemetry.Options{
		Thresholds: &telemetry.Thresholds{
			SoilHumidity:    cfg.Thresholds.SoilHumidity,
			AirHumidity:     cfg.Thresholds.AirHumidity,
			SoilTemperature: cfg.Thresholds.SoilTemperature,
		},
		Flush: telemetry.FlushOptions{
			Interval:        cfg.Flush.Interval,
			ItemTimeout:     cfg.Flush.ItemTimeout,
			RequeueFailed:   cfg.Flush.RequeueFailed,
			OnShutdown:      cfg.Flush.OnShutdown,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		},
		History: b.history,
		Metrics: metrics,
	}
	if b.sql != nil {
		opts.Devices = storage.GuardDevices(b.sql, cfg.Breaker)
	}

	// MQTT is optional; HTTP ingest works without it.
	var (
		mqttClient mqtt.Client
		consumer   *rabbitmq.Consumer
	)
	if cfg.MQTT.Enabled {
		rmq := &rabbitmq.RabbitMQConfig{
			Host:     cfg.MQTT.Host,
			Port:     cfg.MQTT.Port,
			User:     cfg.MQTT.User,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
		}
		client, err := rabbitmq.NewRabbitMQConn(ctx, rmq)
		if err != nil {
			return err
		}
		mqttClient = client
		if cfg.MQTT.DecisionTopic != "" {
			pub := rabbitmq.NewPublisher(client, 1, 5*time.Second)
			opts.Events = telemetry.NewMQTTDecisions(pub, cfg.MQTT.DecisionTopic)
		}
	}

	svc := telemetry.NewService(storage.GuardTelemetry(b.telemetry, cfg.Breaker), opts)
	if mqttClient != nil {
		ingest := telemetry.NewMQTTIngest(svc, dedup.New(10*time.Minute, 20000))
		consumer = rabbitmq.NewConsumer(mqttClient, cfg.MQTT.IngestTopic, 1, ingest.Handle)
	}
	hc := telemetry.NewHealth(svc, mqttClient)

	// HTTP
	proxies, err := cfg.HTTP.ProxyPrefixes()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	telemetry.NewAPI(svc).TrustProxies(proxies).Register(mux)
	hc.Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	hs := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	// gRPC health
	lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		return fmt.Errorf("listen grpc :%s: %w", cfg.GRPC.Port, err)
	}
	gs := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	reflection.Register(gs)

	errc := make(chan error, 2)
	var wg sync.WaitGroup

	go func() {
		logger.Infof("telemetry: HTTP listening on :%s", cfg.HTTP.Port)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Infof("telemetry: gRPC health listening on :%s", cfg.GRPC.Port)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		hc.SyncGRPC(ctx, healthSrv, 5*time.Second)
	}()
	if consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.ConsumeMessage(ctx); err != nil {
				errc <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infof("telemetry: shutting down")
	case runErr = <-errc:
		logger.Errorf("telemetry: %v", runErr)
		stop()
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shCtx); err != nil {
		logger.Warnf("telemetry: http shutdown: %v", err)
	}
	gs.GracefulStop()

	// waits for the final flush
	wg.Wait()
	logger.Infof("telemetry: shutdown complete")
	return runErr
}

func openStore(ctx context.Context) (*sqlstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "" {
		return nil, errors.New("no database driver configured (database.driver or DB_DRIVER)")
	}
	return sqlstore.Open(ctx, cfg)
}

func migrate(cmd *cobra.Command, _ []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		return err
	}
	logger.Infof("migrate: schema up to date")
	return nil
}

func listDevices(cmd *cobra.Command, _ []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.ListDevices(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLOCATION\tLAST IP\tLAST SEEN")
	fmt.Fprintln(w, "--\t----\t--------\t-------\t---------")
	for _, d := range devices {
		seen := "-"
		if d.LastCommunicationAt != nil {
			seen = d.LastCommunicationAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Location, d.LastIP, seen)
	}
	return w.Flush()
}

func addDevice(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	id := model.NormalizeID(args[0])
	if id == "" {
		return errors.New("device id is required")
	}
	return s.CreateDevice(cmd.Context(), &sqlstore.Device{ID: string(id), Name: deviceName, Location: deviceLoc})
}

func history(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackends(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if fromFlag != "" {
		if start, err = time.Parse(time.RFC3339, fromFlag); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if toFlag != "" {
		if end, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}
	var types []model.SensorType
	for _, name := range typesFlag {
		t, err := model.ParseSensorType(name)
		if err != nil {
			return err
		}
		types = append(types, t)
	}

	readings, err := b.history.ReadingsInRange(cmd.Context(), string(model.NormalizeID(args[0])), start, end, types...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(readings)
}
