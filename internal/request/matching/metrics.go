package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var candidateSearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "candidate_search_seconds",
	Help:    "Time spent finding wave candidates.",
	Buckets: prometheus.DefBuckets,
}, []string{"result"})
