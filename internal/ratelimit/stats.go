package ratelimit

import (
	"fmt"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
)

// nfInstancePattern extracts the NF instance from a stats scope prefix,
// the same pattern the source uses: the first n8e.<instance>. segment
// anywhere in the prefix (the pattern is not anchored).
var nfInstancePattern = regexp.MustCompile(`n8e\.(.+?)\.`)

func extractNFInstance(scopePrefix string) string {
	m := nfInstancePattern.FindStringSubmatch(scopePrefix)
	if len(m) != 2 {
		return "null"
	}
	return m[1]
}

const (
	kindAccepted = "accepted"
	kindRejected = "rejected"
	kindDropped  = "dropped"
)

// Stats is the ingress rate-limit filter's counter registry. Prometheus
// metric names cannot contain dots, so the fully-qualified
// "http.eirl.n8e...." name is carried as the "stat_name" label of a single
// CounterVec instead of being split across metric names — a scrape still
// exposes the exact dotted name spec.md §4.4 specifies, just as a label
// value rather than a metric name.
type Stats struct {
	nfInstance string
	counters   *prometheus.CounterVec
}

// NewStats builds the registry and pre-creates every global, per-network
// and per-RP counter at zero, so a scrape sees them before the first
// request. If reg is non-nil the CounterVec is registered with it.
func NewStats(reg prometheus.Registerer, scopePrefix string, networks, rps []string) *Stats {
	s := &Stats{
		nfInstance: extractNFInstance(scopePrefix),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingressrl_filter_events_total",
			Help: "Ingress rate-limit filter events, labelled by the http.eirl... stat name.",
		}, []string{"stat_name"}),
	}
	if reg != nil {
		reg.MustRegister(s.counters)
	}

	for _, kind := range []string{kindAccepted, kindRejected, kindDropped} {
		s.counters.WithLabelValues(s.globalName(kind))
	}
	for _, n := range networks {
		for _, kind := range []string{kindAccepted, kindRejected, kindDropped} {
			s.counters.WithLabelValues(s.perNetworkName(n, kind))
		}
	}
	for _, rp := range rps {
		for _, kind := range []string{kindAccepted, kindRejected, kindDropped} {
			s.counters.WithLabelValues(s.perRPName(rp, kind))
		}
	}
	s.counters.WithLabelValues(s.failureName())

	return s
}

func (s *Stats) prefix() string {
	return fmt.Sprintf("http.eirl.n8e.%s.g3p.ingress", s.nfInstance)
}

func (s *Stats) globalName(kind string) string {
	return fmt.Sprintf("%s.global_rate_limit_%s", s.prefix(), kind)
}

func (s *Stats) perNetworkName(network, kind string) string {
	return fmt.Sprintf("%s.n5k.%s.global_rate_limit_%s_per_network", s.prefix(), network, kind)
}

func (s *Stats) perRPName(rp, kind string) string {
	return fmt.Sprintf("%s.r12r.%s.global_rate_limit_%s_per_roaming_partner", s.prefix(), rp, kind)
}

func (s *Stats) failureName() string {
	return fmt.Sprintf("%s.rlf_lookup_failure", s.prefix())
}

func (s *Stats) incr(network, rp, kind string) {
	s.counters.WithLabelValues(s.globalName(kind)).Inc()
	if network != "" {
		s.counters.WithLabelValues(s.perNetworkName(network, kind)).Inc()
	}
	if rp != "" {
		s.counters.WithLabelValues(s.perRPName(rp, kind)).Inc()
	}
}

// IncrAccepted records a bucket that passed (rc=200).
func (s *Stats) IncrAccepted(network, rp string) { s.incr(network, rp, kindAccepted) }

// IncrRejected records a bucket over-limit with a reject action.
func (s *Stats) IncrRejected(network, rp string) { s.incr(network, rp, kindRejected) }

// IncrDropped records a bucket over-limit with a drop action.
func (s *Stats) IncrDropped(network, rp string) { s.incr(network, rp, kindDropped) }

// IncrLookupFailure records a decider/protocol error: non-2xx status,
// malformed body, or an element with an unknown/missing rc.
func (s *Stats) IncrLookupFailure() {
	s.counters.WithLabelValues(s.failureName()).Inc()
}
