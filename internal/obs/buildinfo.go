package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Auth API build information.",
		},
		[]string{"version", "store"},
	)
)

// InitBuildInfo publishes build_info{version,store} 1.
func InitBuildInfo(version, store string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, store).Set(1)
}
