package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-gateway/internal/observability"
	"go-gateway/internal/routing"
	"go-gateway/pkg/models"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes raw records to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Writer is the subset of *kafka.Writer used by the processor.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProcessorConfig struct {
	Brokers     []string
	Topic       string // when empty the topic property of the message is used
	Acks        int    // -1 for all, 0 for none, 1 for leader
	Retries     int
	Idempotent  bool
	Compression kafka.Compression
	MaxRetries  int
	BaseBackoff time.Duration
	Metrics     observability.MetricsCollector
	Logger      *zap.Logger

	// NewWriter overrides writer construction, mainly for tests.
	NewWriter func() Writer
}

// Processor is an outbound connector publishing gateway messages to Kafka.
// The body property becomes the record value, the key property the record
// key, and the remaining properties are sent as headers.
type Processor struct {
	cfg          ProcessorConfig
	customWriter bool
	logger       *zap.Logger
	metrics      observability.MetricsCollector

	mu      sync.RWMutex
	writer  Writer
	lastErr error
	used    bool
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	customWriter := cfg.NewWriter != nil
	if !customWriter {
		cfg.NewWriter = func() Writer { return newKafkaWriter(cfg) }
	}

	return &Processor{
		cfg:          cfg,
		customWriter: customWriter,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

func newKafkaWriter(cfg ProcessorConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false,
		Compression:            cfg.Compression,
	}

	// idempotent delivery requires acks=all
	if cfg.Idempotent {
		w.RequiredAcks = kafka.RequireAll
		w.MaxAttempts = 10
	}
	return w
}

func (p *Processor) Configure() error {
	if len(p.cfg.Brokers) == 0 && !p.customWriter {
		return fmt.Errorf("kafka processor requires at least one broker")
	}
	return nil
}

func (p *Processor) Destroy() error {
	return p.Stop(context.Background())
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		p.writer = p.cfg.NewWriter()
		p.logger.Info("Kafka processor started", zap.Strings("brokers", p.cfg.Brokers))
	}
	return nil
}

// Stop closes the writer. It can be started again afterwards.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.mu.Unlock()

	if w == nil {
		return nil
	}
	p.logger.Info("Closing kafka processor")
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

// Supports accepts messages that resolve to a topic.
func (p *Processor) Supports(msg *models.Message) bool {
	return p.topicFor(msg) != ""
}

func (p *Processor) Process(ctx context.Context, msg *models.Message) error {
	topic := p.topicFor(msg)
	if topic == "" {
		return &routing.PermanentError{Err: fmt.Errorf("message %s has no topic", msg.Reference)}
	}
	return p.Publish(ctx, topic, msg.PropertyString(models.PropertyKey), bodyOf(msg), headersOf(msg))
}

// Publish sends a record, retrying with exponential backoff.
func (p *Processor) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("kafka processor is not started")
	}

	record := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	if len(headers) > 0 {
		record.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			record.Headers = append(record.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.BaseBackoff
	eb.MaxInterval = 5 * time.Second
	eb.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return w.WriteMessages(ctx, record)
	}, policy, func(err error, wait time.Duration) {
		p.logger.Info("Retrying message publish",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	p.mu.Lock()
	p.used = true
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		p.metrics.IncPublishFailed()
		return fmt.Errorf("failed to publish message after %d attempts: %w", attempt, err)
	}

	p.metrics.IncPublished()
	p.logger.Debug("Message published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int("attempt", attempt),
	)
	return nil
}

// Status reflects the outcome of the last publish.
func (p *Processor) Status() routing.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case !p.used:
		return routing.UnknownStatus()
	case p.lastErr != nil:
		return routing.FailedStatus("last publish failed", p.lastErr)
	default:
		return routing.OKStatus()
	}
}

// topicFor prefers the configured topic so records consumed from one topic
// are not echoed back to it.
func (p *Processor) topicFor(msg *models.Message) string {
	if p.cfg.Topic != "" {
		return p.cfg.Topic
	}
	return msg.PropertyString(models.PropertyTopic)
}

func bodyOf(msg *models.Message) []byte {
	v, _ := msg.Property(models.PropertyBody)
	if b, ok := v.([]byte); ok {
		return b
	}
	return []byte(msg.PropertyString(models.PropertyBody))
}

// headersOf carries the reference, the source and every property that does
// not map onto a record field.
func headersOf(msg *models.Message) map[string]string {
	headers := map[string]string{
		models.HeaderMessageID: msg.Reference,
	}
	if msg.Source != "" {
		headers[models.HeaderSource] = msg.Source
	}
	for k := range msg.Properties {
		switch k {
		case models.PropertyBody, models.PropertyKey, models.PropertyTopic,
			models.PropertyPartition, models.PropertyOffset:
			continue
		}
		headers[k] = msg.PropertyString(k)
	}
	return headers
}
