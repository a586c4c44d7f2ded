package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QuizzesProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "quizzes_produced_total",
		Help:      "Total number of quizzes fetched and decoded successfully.",
	})

	ProduceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "produce_failures_total",
		Help:      "Total number of failed quiz productions by error kind.",
	}, []string{"kind"})

	ProduceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tunequiz",
		Name:      "produce_duration_seconds",
		Help:      "Time to fetch, decode and concatenate one quiz clip.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	SegmentFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tunequiz",
		Name:      "segment_fetch_duration_seconds",
		Help:      "Duration of a single segment download.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	SegmentCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "segment_cache_hits_total",
		Help:      "Total number of segments served from the cache.",
	})

	SegmentCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "segment_cache_misses_total",
		Help:      "Total number of segments not found in the cache.",
	})

	DecoderFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "decoder_fallbacks_total",
		Help:      "Total number of native decode failures retried on the fallback decoder.",
	})

	CascadeDrains = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "cascade_drained_total",
		Help:      "Total number of queued results pulled by drain cascades.",
	})

	CascadeRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "cascade_recoveries_total",
		Help:      "Total number of drain cascades that found a usable quiz.",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "deliveries_total",
		Help:      "Total number of next-quiz requests by outcome.",
	}, []string{"outcome"})

	PermitsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunequiz",
		Name:      "permits_available",
		Help:      "Produce permits currently waiting for the producer.",
	})

	SlotsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunequiz",
		Name:      "slots_queued",
		Help:      "Published quiz results waiting for the consumer.",
	})

	StreamListeners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunequiz",
		Name:      "stream_listeners",
		Help:      "Connected audio and event listeners by transport.",
	}, []string{"transport"})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunequiz",
		Name:      "stream_frames_dropped_total",
		Help:      "PCM frames dropped for listeners that fell behind.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		QuizzesProduced,
		ProduceFailures,
		ProduceDuration,
		SegmentFetchDuration,
		SegmentCacheHits,
		SegmentCacheMisses,
		DecoderFallbacks,
		CascadeDrains,
		CascadeRecoveries,
		Deliveries,
		PermitsAvailable,
		SlotsQueued,
		StreamListeners,
		FramesDropped,
	)
}
