// Package metrics exports billing engine counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

const namespace = "billing"

// Collector implements subscription.Observer on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	webhookEvents   *prometheus.CounterVec
	webhookFailures *prometheus.CounterVec
	quotaChecks     *prometheus.CounterVec
	usageConsumed   prometheus.Counter
}

var _ subscription.Observer = (*Collector)(nil)

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events handled, by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		webhookFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_failures_total",
			Help:      "Webhook events rejected or failed, by event kind and reason.",
		}, []string{"kind", "reason"}),
		quotaChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Quota gate checks, by result.",
		}, []string{"result"}),
		usageConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_consumed_total",
			Help:      "Units of metered usage consumed.",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) WebhookProcessed(kind subscription.Kind, outcome subscription.Outcome) {
	c.webhookEvents.WithLabelValues(kindLabel(kind), string(outcome)).Inc()
}

func (c *Collector) WebhookFailed(kind subscription.Kind, err error) {
	c.webhookFailures.WithLabelValues(kindLabel(kind), subscription.Reason(err)).Inc()
}

func (c *Collector) QuotaChecked(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	c.quotaChecks.WithLabelValues(result).Inc()
}

func (c *Collector) UsageConsumed() {
	c.usageConsumed.Inc()
}

// kindLabel bounds label cardinality: provider kinds outside the known set
// are collapsed into "other". Failures before verification have no kind.
func kindLabel(kind subscription.Kind) string {
	switch kind {
	case "":
		return "unknown"
	case subscription.KindCheckoutCompleted,
		subscription.KindSubscriptionUpdated,
		subscription.KindSubscriptionDeleted,
		subscription.KindCheckoutExpired,
		subscription.KindPaymentFailed:
		return string(kind)
	default:
		return "other"
	}
}
