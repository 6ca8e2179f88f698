package kafkafeed

import (
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

// Mirror publishes change events to the feed topic, keyed by scope. The
// feed server uses it to fan events out to Kafka alongside the WebSocket
// hub.
type Mirror struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

// NewMirror creates an idempotent sync producer for topic.
func NewMirror(brokers []string, topic string, cfg *sarama.Config) (*Mirror, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Mirror{producer: producer, topic: topic, log: logging.Component("kafkamirror")}, nil
}

// Publish sends one change event under the given scope key. Publish
// failures are logged, not propagated: the WebSocket fan-out is the primary
// path and Kafka mirroring is best-effort.
func (m *Mirror) Publish(scope string, ev domain.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal change event")
		return
	}
	_, _, err = m.producer.SendMessage(&sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(scope),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		m.log.Error().Err(err).Str("scope", scope).Msg("mirror publish failed")
	}
}

// Close releases the producer.
func (m *Mirror) Close() error {
	return m.producer.Close()
}
