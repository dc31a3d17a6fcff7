package routing

import (
	"context"
	"fmt"
	"time"

	"go-gateway/pkg/models"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRedeliveries    = 3
	DefaultMaxRedeliveryDelay = 3 * time.Second
)

// RedeliveryPolicy bounds how often a failing message is handed to a processor.
// MaxRedeliveries counts total attempts.
type RedeliveryPolicy struct {
	MaxRedeliveries    int
	MaxRedeliveryDelay time.Duration
}

func DefaultRedeliveryPolicy() RedeliveryPolicy {
	return RedeliveryPolicy{
		MaxRedeliveries:    DefaultMaxRedeliveries,
		MaxRedeliveryDelay: DefaultMaxRedeliveryDelay,
	}
}

func (p RedeliveryPolicy) backOff() backoff.BackOff {
	attempts := p.MaxRedeliveries
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.MaxRedeliveryDelay), uint64(attempts-1))
}

// deliver calls proc until it succeeds or the policy is exhausted. It blocks the
// calling worker between attempts and is not interrupted by ctx.
func (p RedeliveryPolicy) deliver(ctx context.Context, proc Processor, msg *models.Message, onRetry func(attempt int, err error)) (int, error) {
	attempt := 0
	op := func() error {
		attempt++
		err := safeProcess(ctx, proc, msg)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	err := backoff.RetryNotify(op, p.backOff(), notify)
	return attempt, err
}

func safeProcess(ctx context.Context, proc Processor, msg *models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PermanentError{Err: fmt.Errorf("processor panicked: %v", r)}
		}
	}()
	return proc.Process(ctx, msg)
}
