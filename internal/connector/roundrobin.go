package connector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go-gateway/internal/routing"
	"go-gateway/pkg/models"
)

// RoundRobin spreads messages across delegate processors. Each message
// starts at the next delegate and falls over to the following ones when a
// delegate fails or does not support it.
type RoundRobin struct {
	delegates []routing.Processor
	next      atomic.Uint64
}

func NewRoundRobin(delegates ...routing.Processor) *RoundRobin {
	return &RoundRobin{delegates: delegates}
}

func (r *RoundRobin) Delegates() []routing.Processor {
	return append([]routing.Processor(nil), r.delegates...)
}

func (r *RoundRobin) Supports(msg *models.Message) bool {
	for _, d := range r.delegates {
		if d.Supports(msg) {
			return true
		}
	}
	return false
}

func (r *RoundRobin) Process(ctx context.Context, msg *models.Message) error {
	n := len(r.delegates)
	if n == 0 {
		return &routing.PermanentError{Err: errors.New("round robin has no delegates")}
	}

	start := int((r.next.Add(1) - 1) % uint64(n))
	var errs []error
	permanent := true
	for i := 0; i < n; i++ {
		d := r.delegates[(start+i)%n]
		if !d.Supports(msg) {
			continue
		}
		err := d.Process(ctx, msg)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if !routing.IsPermanent(err) {
			permanent = false
		}
	}

	if len(errs) == 0 {
		return &routing.PermanentError{Err: fmt.Errorf("no delegate supports message %s", msg.Reference)}
	}
	err := errors.Join(errs...)
	if permanent {
		return &routing.PermanentError{Err: err}
	}
	return err
}

func (r *RoundRobin) Configure() error {
	for i, d := range r.delegates {
		if c, ok := d.(routing.Configurable); ok {
			if err := c.Configure(); err != nil {
				return fmt.Errorf("configure delegate %d: %w", i, err)
			}
		}
	}
	return nil
}

func (r *RoundRobin) Destroy() error {
	var errs []error
	for _, d := range r.delegates {
		if c, ok := d.(routing.Configurable); ok {
			errs = append(errs, c.Destroy())
		}
	}
	return errors.Join(errs...)
}

// Start starts every Serviceable delegate, stopping the ones already
// started when one fails.
func (r *RoundRobin) Start(ctx context.Context) error {
	var started []routing.Serviceable
	for i, d := range r.delegates {
		s, ok := d.(routing.Serviceable)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			for _, prev := range started {
				_ = prev.Stop(ctx)
			}
			return fmt.Errorf("start delegate %d: %w", i, err)
		}
		started = append(started, s)
	}
	return nil
}

func (r *RoundRobin) Stop(ctx context.Context) error {
	var errs []error
	for _, d := range r.delegates {
		if s, ok := d.(routing.Serviceable); ok {
			errs = append(errs, s.Stop(ctx))
		}
	}
	return errors.Join(errs...)
}

// Status is FAILED when any monitorable delegate failed, OK when at least
// one reports OK, and UNKNOWN otherwise.
func (r *RoundRobin) Status() routing.HealthStatus {
	status := routing.UnknownStatus()
	for i, d := range r.delegates {
		m, ok := d.(routing.Monitorable)
		if !ok {
			continue
		}
		s := m.Status()
		switch s.Code {
		case routing.HealthFailed:
			return routing.FailedStatus(fmt.Sprintf("delegate %d: %s", i, s.Message), s.Err)
		case routing.HealthOK:
			status = routing.OKStatus()
		}
	}
	return status
}

func (r *RoundRobin) SetConnectorContext(cc routing.ConnectorContext) {
	for _, d := range r.delegates {
		if c, ok := d.(routing.ContextAware); ok {
			c.SetConnectorContext(cc)
		}
	}
}
