package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderRequests     *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
	TokensUsed           *prometheus.CounterVec
	ConversationsCreated prometheus.Counter
	ConversationsEnded   prometheus.Counter
	Searches             *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "provider_requests_total",
				Help:      "Provider completions by provider and outcome kind",
			}, []string{"provider", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "convoai",
				Name:      "provider_latency_seconds",
				Help:      "Latency of successful provider completions",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			}, []string{"provider"}),
			TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "tokens_used_total",
				Help:      "Tokens charged by provider and key source",
			}, []string{"provider", "key_source"}),
			ConversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "conversations_created_total",
				Help:      "Total conversations created",
			}),
			ConversationsEnded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "conversations_ended_total",
				Help:      "Total conversations ended",
			}),
			Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "searches_total",
				Help:      "Conversation searches by ranking mode",
			}, []string{"mode"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "convoai",
				Name:      "http_requests_total",
				Help:      "API requests by route and status class",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			global.ProviderRequests,
			global.ProviderLatency,
			global.TokensUsed,
			global.ConversationsCreated,
			global.ConversationsEnded,
			global.Searches,
			global.HTTPRequests,
		)
	})
	return global
}
