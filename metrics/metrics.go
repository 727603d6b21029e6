// Package metrics exposes the bots' Prometheus collectors. A nil *Recorder
// is a valid no-op, so components never need to know whether metrics are
// enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder bundles the collectors the fan-out pipeline and the service loop
// increment. All methods are safe on a nil receiver.
type Recorder struct {
	messagesSplit     prometheus.Counter
	messagesForwarded prometheus.Counter
	messagesInboxed   prometheus.Counter
	keyQueries        prometheus.Counter
	keyUpdates        prometheus.Counter
	permissionDenied  prometheus.Counter
	requests          *prometheus.CounterVec
	pendingReceivers  prometheus.Gauge
	activeUsers       prometheus.Gauge
	splitSeconds      prometheus.Histogram
}

// NewRecorder registers the collectors on reg and returns the recorder.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		messagesSplit: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_messages_split_total",
			Help: "Per-member copies produced by the group message split",
		}),
		messagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_messages_forwarded_total",
			Help: "Split messages forwarded to live receivers",
		}),
		messagesInboxed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_messages_inboxed_total",
			Help: "Split messages stored durably for vanished receivers",
		}),
		keyQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_key_queries_total",
			Help: "Key queries sent back to senders for missing wrapped keys",
		}),
		keyUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_key_updates_total",
			Help: "Accepted wrapped-key table updates",
		}),
		permissionDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "dimgroup_permission_denied_total",
			Help: "Group messages rejected because the sender is not a member",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dimgroup_requests_total",
			Help: "Service requests dispatched, by content kind",
		}, []string{"kind"}),
		pendingReceivers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dimgroup_pending_receivers",
			Help: "Receivers with messages waiting in the in-memory queue",
		}),
		activeUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dimgroup_active_users",
			Help: "Users tracked by the presence footprint",
		}),
		splitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dimgroup_split_seconds",
			Help:    "Time to split one group message across its members",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// MessagesSplit counts per-member copies produced by one split.
func (r *Recorder) MessagesSplit(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.messagesSplit.Add(float64(n))
}

// MessageForwarded counts one message handed to a live receiver.
func (r *Recorder) MessageForwarded() {
	if r == nil {
		return
	}
	r.messagesForwarded.Inc()
}

// MessageInboxed counts one message stored for a vanished receiver.
func (r *Recorder) MessageInboxed() {
	if r == nil {
		return
	}
	r.messagesInboxed.Inc()
}

// KeyQuerySent counts one missing-key query back to a sender.
func (r *Recorder) KeyQuerySent() {
	if r == nil {
		return
	}
	r.keyQueries.Inc()
}

// KeyUpdate counts one accepted key-table update.
func (r *Recorder) KeyUpdate() {
	if r == nil {
		return
	}
	r.keyUpdates.Inc()
}

// PermissionDenied counts one rejected non-member group message.
func (r *Recorder) PermissionDenied() {
	if r == nil {
		return
	}
	r.permissionDenied.Inc()
}

// Request counts one dispatched service request of the given kind.
func (r *Recorder) Request(kind string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(kind).Inc()
}

// SetPendingReceivers tracks how many receivers have queued messages.
func (r *Recorder) SetPendingReceivers(n int) {
	if r == nil {
		return
	}
	r.pendingReceivers.Set(float64(n))
}

// SetActiveUsers tracks the footprint size.
func (r *Recorder) SetActiveUsers(n int) {
	if r == nil {
		return
	}
	r.activeUsers.Set(float64(n))
}

// ObserveSplit records how long one group-message split took.
func (r *Recorder) ObserveSplit(d time.Duration) {
	if r == nil {
		return
	}
	r.splitSeconds.Observe(d.Seconds())
}
