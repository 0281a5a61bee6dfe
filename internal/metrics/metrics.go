// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts poll task invocations by outcome.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platewatch_polls_total",
		Help: "Poll task invocations by outcome.",
	}, []string{"outcome"})

	// NotificationsTotal counts delivery attempts to subscribers.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platewatch_notifications_total",
		Help: "Found-vehicle notification deliveries by status.",
	}, []string{"status"})

	// CommandsTotal counts handled bot commands.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platewatch_commands_total",
		Help: "Bot commands handled, by command.",
	}, []string{"command"})
)
