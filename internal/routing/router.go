package routing

import (
	"context"
	"fmt"

	"go-gateway/internal/observability"
	"go-gateway/pkg/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Router picks the connector service of its target pool that handles a message.
type Router struct {
	target  *pool
	logger  *logrus.Entry
	metrics observability.MetricsCollector
}

func newRouter(target *pool, logger *logrus.Entry, metrics observability.MetricsCollector) *Router {
	return &Router{
		target:  target,
		logger:  logger.WithField("router", target.name),
		metrics: metrics,
	}
}

// Route returns the endpoint of the chosen service. When none is found the
// message is marked UNROUTABLE and the unroutable sink name is returned.
func (r *Router) Route(msg *models.Message) string {
	if cs := r.resolve(msg); cs != nil {
		return cs.Endpoint()
	}
	msg.SetStatus(models.StatusUnroutable)
	return r.target.unroutable.name
}

// Dispatch routes msg and hands it to the chosen service or the unroutable sink.
func (r *Router) Dispatch(ctx context.Context, msg *models.Message) error {
	ctx, span := tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("gateway.pool", r.target.name),
		attribute.String("gateway.reference", msg.Reference),
	))
	defer span.End()

	cs := r.resolve(msg)
	if cs == nil {
		r.metrics.IncUnroutable()
		r.logger.WithFields(logrus.Fields{
			"reference":   msg.Reference,
			"destination": msg.Destination,
		}).Warn("Message is unroutable")
		r.target.unroutable.accept(ctx, msg)
		return nil
	}

	r.metrics.IncRouted()
	span.SetAttributes(attribute.String("gateway.destination", cs.ID()))
	return cs.Submit(ctx, msg)
}

func (r *Router) resolve(msg *models.Message) *ConnectorService {
	if msg.Destination != "" {
		cs, ok := r.target.get(normalizeID(msg.Destination))
		if !ok || !r.supports(cs, msg) {
			return nil
		}
		return cs
	}

	for _, cs := range r.target.sorted() {
		if !r.supports(cs, msg) {
			continue
		}
		for _, a := range cs.Acceptors() {
			ok, err := evaluateAcceptor(a, msg)
			if err != nil {
				r.logger.WithFields(logrus.Fields{
					"connector_id": cs.ID(),
					"acceptor":     fmt.Sprintf("%T", a),
					"reference":    msg.Reference,
				}).WithError(err).Error("Acceptor failed")
				continue
			}
			if ok {
				return cs
			}
		}
	}
	return nil
}

func (r *Router) supports(cs *ConnectorService, msg *models.Message) (ok bool) {
	if cs.processor == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("connector_id", cs.ID()).Errorf("Supports panicked: %v", rec)
			ok = false
		}
	}()
	return cs.processor.Supports(msg)
}
