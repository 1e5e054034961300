package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"peerdisc/swarm/peer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

// Outcomes of an observed endpoint claim
const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeSelf     = "self"
	outcomeDropped  = "dropped"
)

// Outcomes of a ping
const (
	pingVerified = "verified"
	pingStale    = "stale"
	pingMismatch = "mismatch"
	pingFailed   = "failed"
)

// Metrics are registered on a per-node registry so several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Claims *prometheus.CounterVec // by source and outcome
	Pings  *prometheus.CounterVec // by result
}

func newMetrics(peers *peer.Repository) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdisc",
			Name:      "endpoint_claims_total",
			Help:      "Endpoint claims received from other nodes, by source and outcome.",
		}, []string{"source", "outcome"}),
		Pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerdisc",
			Name:      "pings_total",
			Help:      "Outbound pings by result.",
		}, []string{"result"}),
	}

	known := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "peerdisc",
		Name:      "known_peers",
		Help:      "Identities held by the peer repository.",
	}, func() float64 {
		return float64(peers.Len())
	})

	m.Registry.MustRegister(m.Claims, m.Pings, known)
	return m
}

// serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("metrics: shutdown: %v", err)
		}
	}()

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
