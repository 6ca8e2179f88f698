// Package kafkafeed implements the push-provider contract over a Kafka
// topic of change events. Records are keyed by scope, so per-scope delivery
// order rides partition order.
package kafkafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

// Provider consumes the change-event topic. Each subscription runs its own
// consumer group so every subscriber observes the full scope stream.
type Provider struct {
	brokers []string
	topic   string
	groupID string
	cfg     *sarama.Config
	log     zerolog.Logger
}

var _ domain.PushProvider = (*Provider)(nil)

// NewProvider creates a provider reading topic from brokers. groupID is the
// consumer-group prefix; the scope is appended per subscription.
func NewProvider(brokers []string, topic, groupID string, cfg *sarama.Config) *Provider {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	return &Provider{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		cfg:     cfg,
		log:     logging.Component("kafkafeed"),
	}
}

// Subscribe starts a consumer filtered to scope. Consume errors are surfaced
// through OnError and end the subscription; the provider does not retry.
func (p *Provider) Subscribe(ctx context.Context, scope string, h domain.EventHandlers) (domain.Handle, error) {
	group, err := sarama.NewConsumerGroup(p.brokers, fmt.Sprintf("%s-%s", p.groupID, scope), p.cfg)
	if err != nil {
		return nil, fmt.Errorf("consumer group: %w: %v", domain.ErrConnection, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &handle{
		scope:  scope,
		group:  group,
		cancel: cancel,
		log:    p.log.With().Str("scope", scope).Logger(),
	}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		claims := claimHandler{scope: scope, handlers: h, log: sub.log}
		for {
			if err := group.Consume(runCtx, []string{p.topic}, claims); err != nil {
				if runCtx.Err() == nil {
					sub.log.Error().Err(err).Msg("feed consume failed")
					if h.OnError != nil {
						h.OnError(fmt.Errorf("feed consume: %w: %v", domain.ErrConnection, err))
					}
				}
				return
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()
	return sub, nil
}

type handle struct {
	scope  string
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
	log    zerolog.Logger
}

func (s *handle) Scope() string { return s.scope }

// Close stops the consumer loop and releases the group. Idempotent.
func (s *handle) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.err = s.group.Close()
	})
	return s.err
}

type claimHandler struct {
	scope    string
	handlers domain.EventHandlers
	log      zerolog.Logger
}

func (claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for record := range claim.Messages() {
		if string(record.Key) != c.scope {
			sess.MarkMessage(record, "")
			continue
		}
		var ev domain.ChangeEvent
		if err := json.Unmarshal(record.Value, &ev); err != nil {
			c.log.Warn().Err(err).Int64("offset", record.Offset).Msg("dropping undecodable change event")
			sess.MarkMessage(record, "")
			continue
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
		sess.MarkMessage(record, "")
	}
	return nil
}
