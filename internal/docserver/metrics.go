package docserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts HTTP requests by route pattern and status code.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_docstore_requests_total",
			Help: "Total number of document store HTTP requests",
		},
		[]string{"route", "code"},
	)

	// documentWritesTotal counts document upserts and deletes.
	documentWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_docstore_document_writes_total",
			Help: "Total number of document writes by collection and operation",
		},
		[]string{"collection", "op"},
	)

	// signinsTotal counts sign-in attempts by outcome.
	signinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_docstore_signins_total",
			Help: "Total number of sign-in attempts by result",
		},
		[]string{"result"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelsync_docstore_subscribers",
			Help: "Number of live snapshot subscriptions",
		},
	)

	snapshotsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_docstore_snapshots_sent_total",
			Help: "Total number of snapshot frames written to subscribers",
		},
	)

	// snapshotsCoalesced counts snapshots replaced before delivery.
	snapshotsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_docstore_snapshots_coalesced_total",
			Help: "Total number of snapshots dropped in favour of a newer one",
		},
	)
)
