// Package metrics holds the Prometheus collectors shared by the exchange
// service, the HTTP layer and the janitor.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OffersRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_offers_registered_total",
		Help: "Counter for offers stored by registerOffer.",
	})
	OffersClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_offers_claimed_total",
		Help: "Counter for pending offers handed to a claimant.",
	})
	AnswersStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_answers_stored_total",
		Help: "Counter for answers stored by registerAnswer.",
	})
	AnswerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_answer_conflicts_total",
		Help: "Counter for answer batches rolled back because a claim was lost.",
	})
	AnswerPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_answer_polls_total",
		Help: "Counter for finished answer polls by outcome.",
	}, []string{"outcome"})
	ActivePolls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sdp_answer_polls_active",
		Help: "Number of answer polls currently waiting.",
	})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_rate_limited_total",
		Help: "Counter for requests rejected by the rate limiter, by exceeded window.",
	}, []string{"window"})
	StorageRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_storage_retries_total",
		Help: "Counter for transactions retried after a transient storage error.",
	})
	RecordsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sdp_records_expired_total",
		Help: "Counter for exchange records aged out by the janitor.",
	})

	registerOnce sync.Once
)

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			OffersRegistered,
			OffersClaimed,
			AnswersStored,
			AnswerConflicts,
			AnswerPolls,
			ActivePolls,
			RateLimited,
			StorageRetries,
			RecordsExpired,
		)
		//add 0 so the series exist before the first event
		OffersRegistered.Add(0)
		OffersClaimed.Add(0)
		AnswersStored.Add(0)
		AnswerConflicts.Add(0)
		StorageRetries.Add(0)
		RecordsExpired.Add(0)
	})
}
