// Package metrics registers the process's Prometheus collectors,
// grounded on the teacher's prometheus.NewGauge/MustRegister idiom in
// lib/srv/regular/proxy.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ActiveKeyExpiresUnix reports the active signing key's expiration time
// as a Unix timestamp, or 0 while no key is active (spec §13's
// supplemented Prometheus gauge).
var ActiveKeyExpiresUnix = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "jsxtool_active_key_expires_unix",
	Help: "Unix timestamp the currently active signing key expires at, 0 if no key is active",
})

func init() {
	prometheus.MustRegister(ActiveKeyExpiresUnix)
}
