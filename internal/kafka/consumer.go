package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go-gateway/internal/observability"
	"go-gateway/internal/routing"
	"go-gateway/pkg/models"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the subset of *kafka.Reader used by the receiver.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReceiverConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	Workers       int
	FetchMinBytes int
	FetchMaxBytes int
	DLQTopic      string
	// Publisher sends failed records to DLQTopic. It is started and stopped
	// with the receiver when it is Serviceable.
	Publisher   Publisher
	Metrics     observability.MetricsCollector
	DedupeStore DedupeStore
	Logger      *zap.Logger
	// ProduceTimeout bounds how long a record waits for the owning service
	// to be started.
	ProduceTimeout time.Duration

	NewReader func() Reader
}

// Receiver is an inbound connector consuming a topic with a worker pool and
// handing every record to the gateway.
type Receiver struct {
	cfg     ReceiverConfig
	logger  *zap.Logger
	metrics observability.MetricsCollector

	mu       sync.RWMutex
	producer routing.MessageProducer
	reader   Reader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	fetchErr error
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.DedupeStore == nil {
		cfg.DedupeStore = NewInMemoryDedupeStore(time.Hour)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.ProduceTimeout == 0 {
		cfg.ProduceTimeout = 5 * time.Second
	}
	if cfg.NewReader == nil {
		cfg.NewReader = func() Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:        cfg.Brokers,
				Topic:          cfg.Topic,
				GroupID:        cfg.GroupID,
				MinBytes:       cfg.FetchMinBytes,
				MaxBytes:       cfg.FetchMaxBytes,
				CommitInterval: 0, // manual commits
				StartOffset:    kafka.LastOffset,
			})
		}
	}

	return &Receiver{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("topic", cfg.Topic)),
		metrics: cfg.Metrics,
	}
}

func (r *Receiver) Configure() error {
	if r.cfg.Topic == "" {
		return fmt.Errorf("kafka receiver requires a topic")
	}
	if r.cfg.DLQTopic != "" && r.cfg.Publisher == nil {
		return fmt.Errorf("kafka receiver with a dlq topic requires a publisher")
	}
	return nil
}

func (r *Receiver) Destroy() error {
	if err := r.Stop(context.Background()); err != nil {
		return err
	}
	if s, ok := r.cfg.DedupeStore.(*InMemoryDedupeStore); ok {
		s.Close()
	}
	return nil
}

func (r *Receiver) SetMessageProducer(p routing.MessageProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producer = p
}

// Start launches the fetcher and the workers. They run until Stop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	if r.producer == nil {
		return fmt.Errorf("kafka receiver has no message producer")
	}
	if s, ok := r.cfg.Publisher.(routing.Serviceable); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start dlq publisher: %w", err)
		}
	}

	r.reader = r.cfg.NewReader()
	r.fetchErr = nil
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.logger.Info("Starting consumer", zap.Int("workers", r.cfg.Workers))

	msgChan := make(chan kafka.Message, r.cfg.Workers*2)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx, i, r.reader, msgChan)
	}
	r.wg.Add(1)
	go r.fetcher(runCtx, r.reader, msgChan)
	return nil
}

// Stop cancels consumption, waits for in-flight records and closes the reader.
// When ctx expires first the reader and the dlq publisher are released once
// the workers finish.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, reader := r.cancel, r.reader
	r.cancel, r.reader = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return r.release(ctx, reader)
	case <-ctx.Done():
		go func() {
			<-done
			if err := r.release(context.Background(), reader); err != nil {
				r.logger.Error("Failed to release consumer", zap.Error(err))
			}
		}()
		return ctx.Err()
	}
}

func (r *Receiver) release(ctx context.Context, reader Reader) error {
	r.logger.Info("Closing consumer")
	var errs []error
	if err := reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if s, ok := r.cfg.Publisher.(routing.Serviceable); ok {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dlq publisher: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Status is OK while consuming, FAILED after a fetch error and UNKNOWN when stopped.
func (r *Receiver) Status() routing.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.cancel == nil:
		return routing.UnknownStatus()
	case r.fetchErr != nil:
		return routing.FailedStatus("failed to fetch messages", r.fetchErr)
	default:
		return routing.OKStatus()
	}
}

func (r *Receiver) setFetchErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchErr = err
}

func (r *Receiver) fetcher(ctx context.Context, reader Reader, msgChan chan<- kafka.Message) {
	defer r.wg.Done()
	defer close(msgChan)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Fetcher stopping due to context cancellation")
				return
			}
			r.setFetchErr(err)
			r.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.setFetchErr(nil)

		select {
		case msgChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Receiver) worker(ctx context.Context, id int, reader Reader, msgChan <-chan kafka.Message) {
	defer r.wg.Done()

	for record := range msgChan {
		r.processRecord(ctx, reader, record, id)
	}
}

// processRecord hands one record to the gateway. Duplicates are committed
// and dropped. Records the gateway refuses without storing them go to the
// dead-letter topic; records already in a failed sink are only committed.
func (r *Receiver) processRecord(ctx context.Context, reader Reader, record kafka.Message, workerID int) {
	msg := toGatewayMessage(record)
	logger := r.logger.With(
		zap.Int("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.String("message_id", msg.Reference),
		zap.Int("worker_id", workerID),
	)

	if seen, err := r.cfg.DedupeStore.Exists(ctx, msg.Reference); err != nil {
		logger.Warn("Dedupe lookup failed", zap.Error(err))
	} else if seen {
		logger.Info("Duplicate message detected, skipping")
		r.commit(reader, record)
		return
	}

	err := r.produce(ctx, msg)
	if err != nil && ctx.Err() != nil {
		// stopping; leave the record uncommitted so it is fetched again
		return
	}
	if routing.IsSunk(err) {
		logger.Warn("Message failed inside the gateway", zap.Error(err))
		r.commit(reader, record)
		return
	}
	if err != nil {
		logger.Error("Gateway refused message", zap.Error(err))
		r.sendToDLQ(ctx, record, err)
		r.commit(reader, record)
		return
	}

	if err := r.cfg.DedupeStore.Add(ctx, msg.Reference); err != nil {
		logger.Warn("Failed to record message id", zap.Error(err))
	}
	r.commit(reader, record)
}

// produce waits for the owning service to be started before giving up.
func (r *Receiver) produce(ctx context.Context, msg *models.Message) error {
	r.mu.RLock()
	p := r.producer
	r.mu.RUnlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = r.cfg.ProduceTimeout

	return backoff.Retry(func() error {
		err := p.Produce(ctx, msg)
		if errors.Is(err, routing.ErrServiceStopped) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(eb, ctx))
}

func (r *Receiver) commit(reader Reader, record kafka.Message) {
	if err := reader.CommitMessages(context.Background(), record); err != nil {
		r.logger.Error("Failed to commit message", zap.Error(err))
	}
}

func (r *Receiver) sendToDLQ(ctx context.Context, record kafka.Message, failure error) {
	if r.cfg.DLQTopic == "" {
		return
	}

	headers := make(map[string]string, len(record.Headers)+3)
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	headers[models.HeaderOriginalTopic] = record.Topic
	headers[models.HeaderFailureReason] = failure.Error()
	headers[models.HeaderProcessedAt] = time.Now().Format(time.RFC3339)

	if err := r.cfg.Publisher.Publish(ctx, r.cfg.DLQTopic, string(record.Key), record.Value, headers); err != nil {
		r.logger.Error("Failed to send message to DLQ", zap.String("dlq_topic", r.cfg.DLQTopic), zap.Error(err))
		return
	}
	r.metrics.IncSentToDLQ()
	r.logger.Info("Message sent to DLQ", zap.String("dlq_topic", r.cfg.DLQTopic))
}

// toGatewayMessage maps a record onto a gateway message. The message-id
// header, when present, becomes the reference.
func toGatewayMessage(record kafka.Message) *models.Message {
	msg := models.NewMessage()
	if !record.Time.IsZero() {
		msg.CreationTime = record.Time
	}
	for _, h := range record.Headers {
		switch h.Key {
		case models.HeaderMessageID:
			msg.Reference = string(h.Value)
		case models.HeaderSource:
		default:
			msg.SetProperty(h.Key, string(h.Value))
		}
	}
	msg.SetProperty(models.PropertyBody, string(record.Value))
	if len(record.Key) > 0 {
		msg.SetProperty(models.PropertyKey, string(record.Key))
	}
	msg.SetProperty(models.PropertyTopic, record.Topic)
	msg.SetProperty(models.PropertyPartition, strconv.Itoa(record.Partition))
	msg.SetProperty(models.PropertyOffset, strconv.FormatInt(record.Offset, 10))
	return msg
}
