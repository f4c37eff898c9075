package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/golang/glog"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"

	"github.com/telepat-io/worker/transport"
	"github.com/telepat-io/worker/worker"
)

const LocalVersion = "0.0.0-local"

const DefaultConfigPath = "config.json"

type Config struct {
	Redis struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Password string `json:"password,omitempty"`
	} `json:"redis"`
	Elasticsearch struct {
		Addresses []string `json:"addresses"`
		Username  string   `json:"username,omitempty"`
		Password  string   `json:"password,omitempty"`
	} `json:"elasticsearch"`
	Kafka struct {
		Brokers    []string `json:"brokers"`
		ClientName string   `json:"clientName"`
	} `json:"kafka"`
	Sockets struct {
		ListenAddress string `json:"listenAddress,omitempty"`
	} `json:"sockets"`
	LookupConcurrency   int `json:"lookupConcurrency,omitempty"`
	DispatchConcurrency int `json:"dispatchConcurrency,omitempty"`
}

func main() {
	usage := fmt.Sprintf(
		`Telepat sync worker.

Usage:
    worker -t <worker_type> [-i <worker_index>] [--config=<config>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    -t <worker_type>       Worker type (write, sockets_transport).
    -i <worker_index>      Worker index [default: 0].
    --config=<config>      Config file path [default: %s].`,
		DefaultConfigPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	workerType, _ := opts.String("-t")
	workerIndex, _ := opts.Int("-i")
	configPath, _ := opts.String("--config")

	config, err := loadConfig(configPath)
	if err != nil {
		glog.Errorf("[main]%s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	if err := run(ctx, config, workerType, workerIndex); err != nil {
		glog.Errorf("[main]%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config *Config, workerType string, workerIndex int) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
	})
	defer redisClient.Close()

	// the stores come up in their own time, keep retrying
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return redisClient.Ping(ctx).Err()
		},
		NotifyFunc: func(err error, attempt int) {
			glog.Infof("[main]waiting for redis (attempt %d): %s\n", attempt, err)
		},
		Attempts:    20,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	glog.Infof("[main]connected to redis\n")

	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Elasticsearch.Addresses,
		Username:  config.Elasticsearch.Username,
		Password:  config.Elasticsearch.Password,
	})
	if err != nil {
		return fmt.Errorf("create elasticsearch client: %w", err)
	}
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			res, err := esClient.Ping(esClient.Ping.WithContext(ctx))
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.IsError() {
				return fmt.Errorf("ping: %s", res.Status())
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			glog.Infof("[main]waiting for elasticsearch (attempt %d): %s\n", attempt, err)
		},
		Attempts:    20,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("connect to elasticsearch: %w", err)
	}
	glog.Infof("[main]connected to elasticsearch\n")

	clientName := config.Kafka.ClientName
	if clientName == "" {
		clientName = "telepat"
	}
	kafkaSettings := worker.DefaultKafkaClientSettings()
	kafkaSettings.Brokers = config.Kafka.Brokers
	// the group name is shared by the whole pool of this worker type;
	// queued topics must reach exactly one worker of the pool
	messagingClient := worker.NewKafkaClient(
		fmt.Sprintf("%s-%s", clientName, workerType),
		kafkaSettings,
	)
	defer messagingClient.Close()

	store := worker.NewRedisStore(redisClient)
	modelStore := worker.NewElasticStore(esClient)

	switch workerType {
	case "write":
		settings := worker.DefaultWriterWorkerSettings()
		if 0 < config.LookupConcurrency {
			settings.ResolverSettings.LookupConcurrency = config.LookupConcurrency
		}
		if 0 < config.DispatchConcurrency {
			settings.RouterSettings.DispatchConcurrency = config.DispatchConcurrency
		}
		writer := worker.NewWriterWorker(store, modelStore, store, messagingClient, settings)
		glog.Infof("[main]write worker %d ready\n", workerIndex)
		return writer.Run(ctx)
	default:
		parts := strings.SplitN(workerType, "_", 2)
		if len(parts) == 2 && parts[1] == "transport" {
			if parts[0] != worker.SocketsTransportType {
				return fmt.Errorf("no transport worker for type %q", parts[0])
			}
			settings := transport.DefaultSocketsWorkerSettings()
			if config.Sockets.ListenAddress != "" {
				settings.ListenAddress = config.Sockets.ListenAddress
			}
			socketsWorker := transport.NewSocketsWorker(ctx, messagingClient, settings)
			glog.Infof("[main]sockets transport worker %d ready\n", workerIndex)
			return socketsWorker.Run()
		}
		return fmt.Errorf("invalid worker type %q", workerType)
	}
}

func loadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &config, nil
}
