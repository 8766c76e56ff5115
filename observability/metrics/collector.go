// Package metrics defines the Prometheus collectors the auction engine,
// scheduler, and ledger publish to, following the CounterVec/GaugeVec
// registration shape the teacher uses for its own per-module metrics.
// Unlike the teacher's process-wide singleton, Collector is constructed
// per process wiring so tests can register an isolated registry instead
// of sharing the global default one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector groups every TinyLVT metric behind nil-safe observation
// methods, so callers that construct an Engine without metrics wiring
// (e.g. unit tests) can pass a nil *Collector safely.
type Collector struct {
	roundsOpened       *prometheus.CounterVec
	bidsAccepted       prometheus.Counter
	bidsRejected       *prometheus.CounterVec
	roundCloseDuration prometheus.Histogram
	schedulerTickDur   prometheus.Histogram
	schedulerFailures  *prometheus.CounterVec
	ledgerEntries      *prometheus.CounterVec
	ledgerRejections   *prometheus.CounterVec
}

// NewCollector builds and registers a fresh Collector against reg. With no
// registerer supplied it registers against a private prometheus.Registry
// rather than the process-wide default, so constructing more than one
// Collector (as tests routinely do, one Engine per test) never panics on
// duplicate registration; cmd/tinylvtd passes prometheus.DefaultRegisterer
// explicitly to expose the real /metrics endpoint.
func NewCollector(reg ...prometheus.Registerer) *Collector {
	var registerer prometheus.Registerer = prometheus.NewRegistry()
	if len(reg) > 0 && reg[0] != nil {
		registerer = reg[0]
	}

	c := &Collector{
		roundsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_rounds_opened_total",
			Help: "Count of auction rounds opened, by site.",
		}, []string{"site_id"}),
		bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinylvt_bids_accepted_total",
			Help: "Count of bids accepted across all auctions.",
		}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_bids_rejected_total",
			Help: "Count of bids rejected, by error code.",
		}, []string{"code"}),
		roundCloseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinylvt_round_close_duration_seconds",
			Help:    "Wall-clock time spent closing a round's transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		schedulerTickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinylvt_scheduler_tick_duration_seconds",
			Help:    "Wall-clock time spent in one scheduler tick pass.",
			Buckets: prometheus.DefBuckets,
		}),
		schedulerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_scheduler_failures_total",
			Help: "Count of scheduler tick failures, by auction id.",
		}, []string{"auction_id"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_ledger_entries_total",
			Help: "Count of journal entries posted, by entry type.",
		}, []string{"entry_type"}),
		ledgerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinylvt_ledger_rejections_total",
			Help: "Count of journal entries rejected at settlement, by entry type.",
		}, []string{"entry_type"}),
	}

	registerer.MustRegister(
		c.roundsOpened,
		c.bidsAccepted,
		c.bidsRejected,
		c.roundCloseDuration,
		c.schedulerTickDur,
		c.schedulerFailures,
		c.ledgerEntries,
		c.ledgerRejections,
	)
	return c
}

func (c *Collector) RoundOpened(siteID string) {
	if c == nil {
		return
	}
	c.roundsOpened.WithLabelValues(siteID).Inc()
}

func (c *Collector) BidAccepted() {
	if c == nil {
		return
	}
	c.bidsAccepted.Inc()
}

func (c *Collector) BidRejected(code string) {
	if c == nil {
		return
	}
	c.bidsRejected.WithLabelValues(code).Inc()
}

func (c *Collector) ObserveRoundCloseDuration(seconds float64) {
	if c == nil {
		return
	}
	c.roundCloseDuration.Observe(seconds)
}

func (c *Collector) ObserveSchedulerTickDuration(seconds float64) {
	if c == nil {
		return
	}
	c.schedulerTickDur.Observe(seconds)
}

func (c *Collector) SchedulerFailure(auctionID string) {
	if c == nil {
		return
	}
	c.schedulerFailures.WithLabelValues(auctionID).Inc()
}

func (c *Collector) LedgerEntryPosted(entryType string) {
	if c == nil {
		return
	}
	c.ledgerEntries.WithLabelValues(entryType).Inc()
}

func (c *Collector) LedgerEntryRejected(entryType string) {
	if c == nil {
		return
	}
	c.ledgerRejections.WithLabelValues(entryType).Inc()
}
