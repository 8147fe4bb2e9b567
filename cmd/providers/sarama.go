package providers

import (
	"context"
	"os"

	"github.com/Shopify/sarama"
	"github.com/pelletier/go-toml"
	"github.com/spf13/viper"
	"go.od2.network/fleet/pkg/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Event stream config keys.
const (
	ConfEventsKafkaAddrs      = "events.kafka.addrs"
	ConfEventsKafkaTopic      = "events.kafka.topic"
	ConfEventsKafkaConfigFile = "events.kafka.config_file"
	ConfEventsBuffer          = "events.buffer"
)

func init() {
	viper.SetDefault(ConfEventsKafkaAddrs, []string{})
	viper.SetDefault(ConfEventsKafkaTopic, "fleet-events")
	viper.SetDefault(ConfEventsKafkaConfigFile, "")
	viper.SetDefault(ConfEventsBuffer, events.DefaultBuffer)
}

// NewSaramaConfig reads the Kafka producer settings.
func NewSaramaConfig(log *zap.Logger) (*sarama.Config, error) {
	config := sarama.NewConfig()
	// Since sarama has so many options, it's easiest to read in a file.
	if configFilePath := viper.GetString(ConfEventsKafkaConfigFile); configFilePath != "" {
		log.Info("Reading sarama config",
			zap.String(ConfEventsKafkaConfigFile, configFilePath))
		f, err := os.Open(configFilePath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(config); err != nil {
			return nil, err
		}
	}
	config.Producer.Return.Successes = true
	return config, nil
}

// NewEventSink connects to Kafka if an event stream is configured.
// Without Kafka brokers, events are discarded.
func NewEventSink(lc fx.Lifecycle, log *zap.Logger, config *sarama.Config) (events.Sink, error) {
	addrs := viper.GetStringSlice(ConfEventsKafkaAddrs)
	if len(addrs) == 0 {
		return events.Nop{}, nil
	}
	log.Info("Connecting to Kafka (sarama)",
		zap.Strings(ConfEventsKafkaAddrs, addrs))
	producer, err := sarama.NewSyncProducer(addrs, config)
	if err != nil {
		return nil, err
	}
	sink := events.NewKafkaSink(producer,
		viper.GetString(ConfEventsKafkaTopic),
		log.Named("events"),
		viper.GetInt(ConfEventsBuffer))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing Kafka producer")
			sink.Close()
			return producer.Close()
		},
	})
	return sink, nil
}
