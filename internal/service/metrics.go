package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики бизнес-операций.
var (
	disclosuresCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_disclosures_committed_total",
		Help: "Количество зафиксированных сообщений.",
	})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "di_transitions_total",
		Help: "Количество переходов статуса сообщений по событиям.",
	}, []string{"event"})
	notificationsPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "di_notifications_persisted_total",
		Help: "Количество сохранённых уведомлений по типу события.",
	}, []string{"event_type"})
	pushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "di_push_failures_total",
		Help: "Количество неудачных публикаций push.",
	})
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "di_verifications_total",
		Help: "Операции с токенами подтверждения по результату.",
	}, []string{"result"})
)
