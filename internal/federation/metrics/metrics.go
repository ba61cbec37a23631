package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the federation sync engines.
type Metrics struct {
	OutboundOperations       prometheus.Counter
	OutboundErrors           prometheus.Counter
	OutboundKeys             *prometheus.CounterVec
	ProtocolInconsistencies  prometheus.Counter
	InboundOperations        prometheus.Counter
	InboundErrors            prometheus.Counter
	InboundRetriesExhausted  prometheus.Counter
	InboundKeysOffered       prometheus.Counter
	InboundKeysInvalidSig    prometheus.Counter
	InboundKeysInvalidFormat prometheus.Counter
	InboundKeysStored        prometheus.Counter
	CallbacksRejected        *prometheus.CounterVec
}

// New registers the metrics on the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OutboundOperations: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_outbound_operations_total",
			Help: "Outbound upload operations started",
		}),
		OutboundErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_outbound_errors_total",
			Help: "Outbound operations that ended in ERROR",
		}),
		OutboundKeys: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efgs_sync_outbound_keys_total",
			Help: "Uploaded keys by gateway status bucket",
		}, []string{"status"}), // status: "201", "409", "500"
		ProtocolInconsistencies: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_outbound_protocol_inconsistencies_total",
			Help: "Resends answered with a second partial success",
		}),
		InboundOperations: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_operations_total",
			Help: "Inbound page imports attempted",
		}),
		InboundErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_errors_total",
			Help: "Inbound page imports that ended in ERROR",
		}),
		InboundRetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_retries_exhausted_total",
			Help: "Inbound operations that reached the retry ceiling",
		}),
		InboundKeysOffered: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_keys_offered_total",
			Help: "Downloaded keys offered for signature verification",
		}),
		InboundKeysInvalidSig: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_keys_invalid_signature_total",
			Help: "Downloaded keys dropped by signature verification",
		}),
		InboundKeysInvalidFormat: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_keys_validation_failed_total",
			Help: "Verified keys dropped by structural validation",
		}),
		InboundKeysStored: f.NewCounter(prometheus.CounterOpts{
			Name: "efgs_sync_inbound_keys_imported_total",
			Help: "Keys accepted into the local store",
		}),
		CallbacksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "efgs_sync_callbacks_rejected_total",
			Help: "Gateway callbacks not queued, by reason",
		}, []string{"reason"}), // reason: "invalid", "busy", "duplicate"
	}
}

func (m *Metrics) IncOutboundOperation() {
	if m != nil {
		m.OutboundOperations.Inc()
	}
}

func (m *Metrics) IncOutboundError() {
	if m != nil {
		m.OutboundErrors.Inc()
	}
}

// AddOutboundKeys records the bucket sizes of one finished upload.
func (m *Metrics) AddOutboundKeys(buckets map[int]int) {
	if m == nil {
		return
	}
	for status, n := range buckets {
		m.OutboundKeys.WithLabelValues(strconv.Itoa(status)).Add(float64(n))
	}
}

func (m *Metrics) IncProtocolInconsistency() {
	if m != nil {
		m.ProtocolInconsistencies.Inc()
	}
}

func (m *Metrics) IncInboundOperation() {
	if m != nil {
		m.InboundOperations.Inc()
	}
}

func (m *Metrics) IncInboundError() {
	if m != nil {
		m.InboundErrors.Inc()
	}
}

func (m *Metrics) IncInboundRetriesExhausted() {
	if m != nil {
		m.InboundRetriesExhausted.Inc()
	}
}

// AddInboundPage records the key counts of one imported page.
func (m *Metrics) AddInboundPage(offered, invalidSignature, validationFailed, stored int) {
	if m == nil {
		return
	}
	m.InboundKeysOffered.Add(float64(offered))
	m.InboundKeysInvalidSig.Add(float64(invalidSignature))
	m.InboundKeysInvalidFormat.Add(float64(validationFailed))
	m.InboundKeysStored.Add(float64(stored))
}

func (m *Metrics) IncCallbackRejected(reason string) {
	if m != nil {
		m.CallbacksRejected.WithLabelValues(reason).Inc()
	}
}
