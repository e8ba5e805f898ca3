package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbiproxy/ingressrl/internal/eventbus"
	"github.com/sbiproxy/ingressrl/internal/ratelimit"
	"github.com/sbiproxy/ingressrl/internal/routing"
	"github.com/sbiproxy/ingressrl/internal/scpdecorator"
	"github.com/sbiproxy/ingressrl/internal/worker"
)

type options struct {
	configPath  string
	listenAddr  string
	metricsAddr string
	upstream    string
	rlfAddr     string
	statsScope  string
	logLevel    string
	rlfWorkers  int
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "ingressrl-proxy",
		Short: "Ingress rate-limit filter and TFQDN routing proxy",
		Long: `ingressrl-proxy fronts an upstream NF with the ingress rate-limit
filter and TFQDN routing pre-processor: every request is classified
against a configured bucket table, checked against a rate-limit decider,
rewritten for telescopic-FQDN routing, and decorated on the way back
before being forwarded upstream.
`,
		Example:      `  ingressrl-proxy --config ratelimit.yaml --upstream http://127.0.0.1:9000`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "", "path to the rate-limit configuration YAML (required)")
	cmd.Flags().StringVarP(&opt.listenAddr, "listen", "l", ":8443", "address to listen on for ingress traffic")
	cmd.Flags().StringVar(&opt.metricsAddr, "metrics-listen", ":9090", "address to serve /metrics on")
	cmd.Flags().StringVarP(&opt.upstream, "upstream", "u", "", "upstream base URL to proxy accepted requests to (required)")
	cmd.Flags().StringVar(&opt.rlfAddr, "rlf-addr", "https://eric-sc-rlf", "base URL of the rate-limit decider")
	cmd.Flags().StringVar(&opt.statsScope, "stats-scope", "n8e.scp-function-0.", "stats scope prefix used to extract the nf_instance label")
	cmd.Flags().StringVar(&opt.logLevel, "log-level", "info", "log level: panic,fatal,error,warn,info,debug,trace")
	cmd.Flags().IntVar(&opt.rlfWorkers, "rlf-workers", runtime.NumCPU()*4, "bound on concurrent in-flight decider lookups")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("upstream")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	level, err := logrus.ParseLevel(opt.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opt.logLevel, err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "ingressrl-proxy")

	cfg, err := ratelimit.LoadConfig(opt.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	upstreamURL, err := url.Parse(opt.upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}

	reg := prometheus.NewRegistry()
	stats := ratelimit.NewStats(reg, opt.statsScope, cfg.Networks(), cfg.RoamingPartners())

	pool := worker.NewPool(worker.Config{Workers: opt.rlfWorkers})
	defer pool.Close()

	client := ratelimit.NewHTTPRLFClient(opt.rlfAddr)
	filter := ratelimit.NewFilter(cfg, stats, client)
	filter.Pool = pool

	bus := eventbus.New(256)
	go logOutcomes(log, bus)

	proxy := httputil.NewSingleHostReverseProxy(upstreamURL)
	proxy.ModifyResponse = decorateResponse

	handler := &ingressHandler{
		filter:   filter,
		proxy:    proxy,
		bus:      bus,
		log:      log,
		upstream: upstreamURL,
	}

	server := &http.Server{
		Addr:    opt.listenAddr,
		Handler: handler,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: opt.metricsAddr, Handler: metricsMux}

	go func() {
		log.WithField("addr", opt.metricsAddr).Info("serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		log.WithFields(logrus.Fields{
			"addr":     opt.listenAddr,
			"upstream": opt.upstream,
			"rlf_path": cfg.RLFPath,
		}).Info("ingress rate-limit proxy listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ingress server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("ingress server shutdown did not complete cleanly")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("metrics server shutdown did not complete cleanly")
	}
	return nil
}

// outcomeEvent is published to the bus once per request that the filter
// rejects or drops; requests that continue upstream publish nothing.
type outcomeEvent struct {
	Path   string
	Kind   ratelimit.OutcomeKind
	Status int
	Reason string
}

func logOutcomes(log *logrus.Entry, bus *eventbus.Bus) {
	sub := bus.Subscribe(context.Background(), eventbus.TopicOutcome)
	defer sub.Close()
	for ev := range sub.Ch {
		oe, ok := ev.Data.(outcomeEvent)
		if !ok {
			continue
		}
		log.WithFields(logrus.Fields{
			"path":   oe.Path,
			"kind":   oe.Kind,
			"status": oe.Status,
			"reason": oe.Reason,
		}).Debug("filter outcome")
	}
}

type ingressHandler struct {
	filter   *ratelimit.Filter
	proxy    *httputil.ReverseProxy
	bus      *eventbus.Bus
	log      *logrus.Entry
	upstream *url.URL
}

func (h *ingressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peerName := peerNameOf(r)
	priority := r.Header.Get("3gpp-sbi-message-priority")

	outcome, err := h.filter.Evaluate(r.Context(), priority, peerName)
	if err != nil {
		h.log.WithError(err).Error("filter evaluation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if outcome != nil {
		h.bus.Publish(r.Context(), eventbus.TopicOutcome, outcomeEvent{Path: r.URL.Path, Kind: outcome.Kind, Status: outcome.Status, Reason: outcome.Reason})
	}

	switch {
	case outcome == nil:
		h.applyRouting(r)
		h.proxy.ServeHTTP(w, r)

	case outcome.Kind == ratelimit.OutcomeReject:
		w.Header().Set("content-type", outcome.ContentType)
		if outcome.RetryAfter != "" {
			w.Header().Set("retry-after", outcome.RetryAfter)
		}
		w.WriteHeader(outcome.Status)
		w.Write(outcome.Body)

	case outcome.Kind == ratelimit.OutcomeDrop:
		hijackAndReset(w, h.log)
	}
}

// peerNameOf extracts the TLS peer's presented name; demo deployments
// terminated without client certs fall back to a plain header so the
// roaming-partner matcher can still be exercised end to end.
func peerNameOf(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return r.Header.Get("x-debug-peer-name")
}

func (h *ingressHandler) applyRouting(r *http.Request) {
	rc := &routing.RequestContext{
		Capability:      routing.Capability(r.Header.Get("x-debug-endpoint-capability")),
		Path:            r.URL.Path,
		EndpointAddress: h.upstream.Host,
		Headers:         map[string]string{},
	}
	routing.Process(rc)
	if rc.Path != "" {
		r.URL.Path = rc.Path
	}
	if rc.Authority != "" {
		r.Host = rc.Authority
	}
	if rc.Body != nil {
		r.ContentLength = int64(rc.ContentLength)
	}
}

func decorateResponse(resp *http.Response) error {
	encoderMD := scpdecorator.Metadata{}
	if v := resp.Request.Header.Get("x-debug-direct-or-indirect"); v != "" {
		encoderMD["direct-or-indirect"] = v
	}
	if v := resp.Request.Header.Get("x-debug-nf-inst-id"); v != "" {
		encoderMD["nf-inst-id"] = v
	}
	decoderMD := scpdecorator.Metadata{}
	if v := resp.Request.Header.Get("x-debug-routing-behaviour"); v != "" {
		decoderMD["routing-behaviour"] = v
	}

	rc := scpdecorator.ResponseContext{
		EncoderMetadata: encoderMD,
		DecoderMetadata: decoderMD,
		Status:          fmt.Sprintf("%d", resp.StatusCode),
	}
	if value, attach := scpdecorator.Decorate(rc); attach {
		resp.Header.Set("3gpp-sbi-producer-id", value)
	}
	return nil
}

// hijackAndReset implements the Drop action: reset the connection without
// sending any bytes downstream, the closest a net/http server can come to
// the host's LocalReset response flag.
func hijackAndReset(w http.ResponseWriter, log *logrus.Entry) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		log.WithError(err).Warn("hijack failed, falling back to 503")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn.Close()
}
