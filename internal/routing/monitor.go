package routing

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMonitorDelay    = 5 * time.Second
	DefaultMonitorInterval = 30 * time.Second
)

// FailedMessagesRetrier is implemented by RoutingEngine.
type FailedMessagesRetrier interface {
	RetryFailedMessages(ctx context.Context) error
}

// FailedMessagesMonitor periodically re-dispatches failed messages. The first
// pass runs after delay, then every interval (rounded down to whole seconds,
// minimum one second).
type FailedMessagesMonitor struct {
	retrier  FailedMessagesRetrier
	delay    time.Duration
	interval time.Duration
	logger   *logrus.Entry

	mu        sync.Mutex
	running   bool
	timer     *time.Timer
	cron      *cron.Cron
	firstPass chan struct{}
}

func NewFailedMessagesMonitor(retrier FailedMessagesRetrier, delay, interval time.Duration, logger *logrus.Entry) *FailedMessagesMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if delay < 0 {
		delay = 0
	}
	return &FailedMessagesMonitor{
		retrier:  retrier,
		delay:    delay,
		interval: interval,
		logger:   logger.WithField("component", "failed-messages-monitor"),
	}
}

func (m *FailedMessagesMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("Failed messages monitor is already started")
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(m.logger))))
	c.Schedule(cron.Every(m.interval), cron.FuncJob(m.run))
	firstPass := make(chan struct{})
	m.cron = c
	m.firstPass = firstPass
	m.timer = time.AfterFunc(m.delay, func() {
		defer close(firstPass)
		m.run()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.running && m.cron == c {
			c.Start()
		}
	})
	m.running = true
	m.logger.WithFields(logrus.Fields{
		"delay":    m.delay,
		"interval": m.interval,
	}).Info("Failed messages monitor started")
}

// Stop cancels pending runs and waits for a running pass to finish, including
// the delayed first one.
func (m *FailedMessagesMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.logger.Warn("Failed messages monitor is already stopped")
		return
	}
	m.running = false
	timer, c, firstPass := m.timer, m.cron, m.firstPass
	m.mu.Unlock()

	if timer.Stop() {
		close(firstPass)
	}
	<-firstPass
	<-c.Stop().Done()
	m.logger.Info("Failed messages monitor stopped")
}

func (m *FailedMessagesMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *FailedMessagesMonitor) run() {
	if err := m.retrier.RetryFailedMessages(context.Background()); err != nil {
		m.logger.WithError(err).Error("Failed to retry failed messages")
	}
}
