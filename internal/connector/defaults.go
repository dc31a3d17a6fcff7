package connector

import (
	"fmt"
	"strings"
	"time"

	"go-gateway/internal/acceptor"
	"go-gateway/internal/action"
	"go-gateway/internal/config"
	"go-gateway/internal/kafka"
	"go-gateway/internal/observability"
	"go-gateway/internal/routing"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deps are shared by the connectors built from configuration.
type Deps struct {
	Brokers     []string
	Metrics     observability.MetricsCollector
	KafkaLogger *zap.Logger
	// NewDedupeStore is called once per kafka receiver.
	NewDedupeStore func() kafka.DedupeStore
}

type loggingSettings struct {
	Delay       config.Duration `json:"delay"`
	RequireJSON bool            `json:"require_json"`
}

type roundRobinSettings struct {
	Delegates []config.ComponentConfig `json:"delegates"`
}

type andSettings struct {
	Acceptors []config.ComponentConfig `json:"acceptors"`
}

type kafkaProcessorSettings struct {
	Brokers     []string        `json:"brokers"`
	Topic       string          `json:"topic"`
	Acks        string          `json:"acks"`
	Retries     int             `json:"retries"`
	Idempotent  bool            `json:"idempotent"`
	Compression string          `json:"compression"`
	MaxRetries  int             `json:"max_retries"`
	BaseBackoff config.Duration `json:"base_backoff"`
}

type kafkaReceiverSettings struct {
	Brokers       []string        `json:"brokers"`
	Topic         string          `json:"topic"`
	GroupID       string          `json:"group_id"`
	Workers       int             `json:"workers"`
	FetchMinBytes int             `json:"fetch_min_bytes"`
	FetchMaxBytes int             `json:"fetch_max_bytes"`
	DLQTopic      string          `json:"dlq_topic"`
	WaitStarted   config.Duration `json:"wait_started"`
}

// NewDefaultRegistry registers every built-in connector, acceptor and action.
func NewDefaultRegistry(deps Deps) *Registry {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}
	if deps.KafkaLogger == nil {
		deps.KafkaLogger = zap.NewNop()
	}
	if deps.NewDedupeStore == nil {
		deps.NewDedupeStore = func() kafka.DedupeStore { return kafka.NewInMemoryDedupeStore(time.Hour) }
	}

	r := NewRegistry()
	mustRegister(r.RegisterConnector("logging", newLogging))
	mustRegister(r.RegisterConnector("round-robin", r.newRoundRobin))
	mustRegister(r.RegisterConnector("kafka-processor", deps.newKafkaProcessor))
	mustRegister(r.RegisterConnector("kafka-receiver", deps.newKafkaReceiver))

	mustRegister(r.RegisterAcceptor("accept-all", func(map[string]any) (routing.Acceptor, error) {
		return acceptor.AcceptAll{}, nil
	}))
	mustRegister(r.RegisterAcceptor("exact-match", acceptorOf(decodeInto(func() *acceptor.ExactMatch { return &acceptor.ExactMatch{} }))))
	mustRegister(r.RegisterAcceptor("regexp", acceptorOf(decodeInto(func() *acceptor.RegExp { return &acceptor.RegExp{} }))))
	mustRegister(r.RegisterAcceptor("and", r.newAnd))

	mustRegister(r.RegisterAction("add-prefix", actionOf(decodeInto(func() *action.AddPrefix { return &action.AddPrefix{} }))))
	mustRegister(r.RegisterAction("add-suffix", actionOf(decodeInto(func() *action.AddSuffix { return &action.AddSuffix{} }))))
	mustRegister(r.RegisterAction("update", actionOf(decodeInto(func() *action.Update { return &action.Update{} }))))
	mustRegister(r.RegisterAction("remove", actionOf(decodeInto(func() *action.Remove { return &action.Remove{} }))))
	mustRegister(r.RegisterAction("copy", actionOf(decodeInto(func() *action.Copy { return &action.Copy{} }))))
	mustRegister(r.RegisterAction("replace", actionOf(decodeInto(func() *action.Replace { return &action.Replace{} }))))
	mustRegister(r.RegisterAction("concat", actionOf(decodeInto(func() *action.Concat { return &action.Concat{} }))))
	mustRegister(r.RegisterAction("pad-right", actionOf(decodeInto(func() *action.PadRight { return &action.PadRight{} }))))
	mustRegister(r.RegisterAction("parse-json", actionOf(decodeInto(func() *action.ParseJSON { return &action.ParseJSON{} }))))
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func acceptorOf[T routing.Acceptor](f func(map[string]any) (T, error)) AcceptorFactory {
	return func(settings map[string]any) (routing.Acceptor, error) {
		v, err := f(settings)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func actionOf[T routing.Action](f func(map[string]any) (T, error)) ActionFactory {
	return func(settings map[string]any) (routing.Action, error) {
		v, err := f(settings)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func newLogging(settings map[string]any) (any, error) {
	var s loggingSettings
	if err := Decode(settings, &s); err != nil {
		return nil, err
	}
	l := NewLogging()
	l.Delay = s.Delay.Duration
	l.RequireJSON = s.RequireJSON
	return l, nil
}

func (r *Registry) newRoundRobin(settings map[string]any) (any, error) {
	var s roundRobinSettings
	if err := Decode(settings, &s); err != nil {
		return nil, err
	}
	if len(s.Delegates) == 0 {
		return nil, fmt.Errorf("round-robin requires at least one delegate")
	}

	delegates := make([]routing.Processor, 0, len(s.Delegates))
	for i, cc := range s.Delegates {
		c, err := r.NewConnector(cc.Type, cc.Settings)
		if err != nil {
			return nil, fmt.Errorf("delegate %d: %w", i, err)
		}
		p, ok := c.(routing.Processor)
		if !ok {
			return nil, fmt.Errorf("delegate %d: %q is not a processor", i, cc.Type)
		}
		delegates = append(delegates, p)
	}
	return NewRoundRobin(delegates...), nil
}

func (r *Registry) newAnd(settings map[string]any) (routing.Acceptor, error) {
	var s andSettings
	if err := Decode(settings, &s); err != nil {
		return nil, err
	}
	nested := make([]routing.Acceptor, 0, len(s.Acceptors))
	for i, cc := range s.Acceptors {
		a, err := r.NewAcceptor(cc.Type, cc.Settings)
		if err != nil {
			return nil, fmt.Errorf("acceptor %d: %w", i, err)
		}
		nested = append(nested, a)
	}
	return acceptor.NewAnd(nested...), nil
}

func (d Deps) brokers(override []string) []string {
	if len(override) > 0 {
		return override
	}
	return d.Brokers
}

func (d Deps) newKafkaProcessor(settings map[string]any) (any, error) {
	var s kafkaProcessorSettings
	if err := Decode(settings, &s); err != nil {
		return nil, err
	}
	compression, err := parseCompression(s.Compression)
	if err != nil {
		return nil, err
	}
	return kafka.NewProcessor(kafka.ProcessorConfig{
		Brokers:     d.brokers(s.Brokers),
		Topic:       s.Topic,
		Acks:        parseAcks(s.Acks),
		Retries:     s.Retries,
		Idempotent:  s.Idempotent,
		Compression: compression,
		MaxRetries:  s.MaxRetries,
		BaseBackoff: s.BaseBackoff.Duration,
		Metrics:     d.Metrics,
		Logger:      d.KafkaLogger,
	}), nil
}

func (d Deps) newKafkaReceiver(settings map[string]any) (any, error) {
	var s kafkaReceiverSettings
	if err := Decode(settings, &s); err != nil {
		return nil, err
	}
	brokers := d.brokers(s.Brokers)

	cfg := kafka.ReceiverConfig{
		Brokers:        brokers,
		Topic:          s.Topic,
		GroupID:        s.GroupID,
		Workers:        s.Workers,
		FetchMinBytes:  s.FetchMinBytes,
		FetchMaxBytes:  s.FetchMaxBytes,
		DLQTopic:       s.DLQTopic,
		Metrics:        d.Metrics,
		DedupeStore:    d.NewDedupeStore(),
		Logger:         d.KafkaLogger,
		ProduceTimeout: s.WaitStarted.Duration,
	}
	if s.DLQTopic != "" {
		cfg.Publisher = kafka.NewProcessor(kafka.ProcessorConfig{
			Brokers:    brokers,
			Acks:       -1,
			Idempotent: true,
			Metrics:    d.Metrics,
			Logger:     d.KafkaLogger,
		})
	}
	return kafka.NewReceiver(cfg), nil
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "0", "none":
		return 0
	case "1", "leader":
		return 1
	default:
		return -1
	}
}

func parseCompression(name string) (kafkago.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafkago.Gzip, nil
	case "snappy":
		return kafkago.Snappy, nil
	case "lz4":
		return kafkago.Lz4, nil
	case "zstd":
		return kafkago.Zstd, nil
	default:
		return 0, fmt.Errorf("unsupported compression %q", name)
	}
}
