package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cropsense/cropsense/internal/config"
	simulator "github.com/cropsense/cropsense/internal/device-simulator"
	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/pkg/rabbitmq"
)

var (
	configPath  string
	deviceID    string
	ip          string
	interval    time.Duration
	irrigateFor time.Duration
	halfLife    time.Duration
	seed        float64

	rootCmd = &cobra.Command{
		Use:          "cropsense-devsim",
		Short:        "Simulated field board publishing readings over MQTT",
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML configuration file")
	f.StringVar(&deviceID, "device-id", "1", "device identifier")
	f.StringVar(&ip, "ip", "", "address reported in each batch")
	f.DurationVar(&interval, "interval", 10*time.Second, "publish interval")
	f.DurationVar(&irrigateFor, "irrigate-for", 5*time.Minute, "valve open time after an irrigate decision")
	f.DurationVar(&halfLife, "half-life", 2*time.Hour, "soil moisture half-life with the valve closed")
	f.Float64Var(&seed, "seed", 0.30, "initial soil moisture in (0, 1]")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Logging.LogFile = ""
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := model.NormalizeID(deviceID)
	rmq := &rabbitmq.RabbitMQConfig{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		User:     cfg.MQTT.User,
		Password: cfg.MQTT.Password,
		ClientID: "cropsense-devsim-" + string(id),
	}
	client, err := rabbitmq.NewRabbitMQConn(ctx, rmq)
	if err != nil {
		return err
	}

	var consumer rabbitmq.IConsumer
	if cfg.MQTT.DecisionTopic != "" {
		topic := strings.ReplaceAll(cfg.MQTT.DecisionTopic, "{device}", string(id))
		consumer = rabbitmq.NewConsumer(client, topic, 1, nil)
	}
	publisher := rabbitmq.NewPublisher(client, 1, 5*time.Second)

	decay := 0.0
	if halfLife > 0 {
		// linear approximation of the initial exponential decay rate
		decay = seed * math.Ln2 / halfLife.Minutes()
	}
	gen := simulator.NewDataGenerator(seed, decay, nil)
	sim := simulator.NewDeviceSimulator(consumer, publisher, gen, id, "sensor/readings/{device}", irrigateFor)
	sim.SetIP(ip)

	logger.Infof("simulator %s: publishing every %s", id, interval)
	sim.Start(ctx, interval)
	return nil
}
