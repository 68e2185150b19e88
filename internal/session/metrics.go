package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sxmgw_logins_total",
		Help: "Upstream login attempts by result",
	}, []string{"result"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sxmgw_session_invalidations_total",
		Help: "Sessions discarded after an upstream authentication rejection",
	})
)
