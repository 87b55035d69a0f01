package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/gcnstream/internal/alert"
	"github.com/gcnstream/internal/logging"
)

// Processor handles one raw notice. A returned error leaves the offset
// uncommitted so the notice is redelivered.
type Processor interface {
	Process(ctx context.Context, raw []byte) error
}

// LoopConfig configures the ingestion loop.
type LoopConfig struct {
	Brokers      []string
	GroupID      string
	ClientID     string
	ClientSecret string
	Topics       []string
	// RestartQueue re-reads every topic from its first offset instead of the
	// committed position.
	RestartQueue bool
}

// messageSource is the reader surface the consume cycle needs.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Loop is the outer poll/process/commit cycle: one reader per topic, each
// strictly sequential, commit only after a notice fully processed.
type Loop struct {
	readers map[string]*kafka.Reader
	gw      Processor
	grb     Processor
	backoff time.Duration
	log     zerolog.Logger
}

// NewLoop builds readers for every configured topic and routes them to the
// two processors by topic classification.
func NewLoop(cfg LoopConfig, gw, grb Processor) (*Loop, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	var dialer *kafka.Dialer
	if cfg.ClientID != "" {
		dialer = &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
			SASLMechanism: plain.Mechanism{
				Username: cfg.ClientID,
				Password: cfg.ClientSecret,
			},
		}
	}

	readers := make(map[string]*kafka.Reader, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		rc := kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			Dialer:      dialer,
			StartOffset: kafka.LastOffset,
		}
		if cfg.RestartQueue {
			rc.StartOffset = kafka.FirstOffset
		}
		readers[topic] = kafka.NewReader(rc)
	}

	return &Loop{
		readers: readers,
		gw:      gw,
		grb:     grb,
		backoff: 5 * time.Second,
		log:     logging.Component("ingestion"),
	}, nil
}

// Run consumes every topic until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for topic, reader := range l.readers {
		wg.Add(1)
		go func(topic string, reader *kafka.Reader) {
			defer wg.Done()
			l.consume(ctx, topic, reader)
		}(topic, reader)
	}
	wg.Wait()
	return ctx.Err()
}

// Close closes all readers.
func (l *Loop) Close() {
	for topic, reader := range l.readers {
		if err := reader.Close(); err != nil {
			l.log.Warn().Err(err).Str("topic", topic).Msg("failed to close reader")
		}
	}
}

func (l *Loop) processorFor(topic string) Processor {
	kind := alert.ClassifyTopic(topic)
	if kind == alert.KindGW {
		return l.gw
	}
	return l.grb
}

// consume is the per-topic cycle: fetch, process, commit on success. A
// processing error retries the same notice with backoff: fetching the next
// message would advance the reader's position past the failed one, and a
// later commit would mark it consumed without it ever being handled.
// Undecodable payloads are dropped inside the processors, so retries only
// ever wait out transient downstream failures.
func (l *Loop) consume(ctx context.Context, topic string, src messageSource) {
	log := l.log.With().Str("topic", topic).Logger()
	proc := l.processorFor(topic)
	log.Info().Str("kind", alert.ClassifyTopic(topic).String()).Msg("consuming topic")

	for {
		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error().Err(err).Msg("fetch failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff):
			}
			continue
		}

		log.Info().Int64("offset", msg.Offset).Msg("notice arrived")
		for {
			err := proc.Process(ctx, msg.Value)
			if err == nil {
				break
			}
			log.Error().Err(err).Int64("offset", msg.Offset).
				Msg("processing failed, retrying notice")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff):
			}
		}
		if err := src.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}
