package ratelimit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbiproxy/ingressrl/internal/worker"
)

// OutcomeKind tags the terminal action a filter evaluation resolves to.
type OutcomeKind int

const (
	// OutcomeContinue means the request should proceed upstream unchanged.
	OutcomeContinue OutcomeKind = iota
	OutcomeReject
	OutcomeDrop
)

// Outcome is the filter's verdict on one request. A nil *Outcome from
// Evaluate means OutcomeContinue; Reject and Drop carry enough detail for
// the caller to write a local reply or reset the connection.
type Outcome struct {
	Kind        OutcomeKind
	Status      int
	ContentType string
	Body        []byte
	RetryAfter  string // empty if no Retry-After applies
	Reason      string // response-code-details string, for logging/tracing
}

// Reason strings mirror ratelimit.cc's RcDetails: the stable tags it
// attaches to the stream for access logging. reasonRateLimited and
// reasonStreamReset distinguish a genuine bucket-driven 429; reasonServiceError
// covers every path where the outcome was forced by a decider failure,
// an unrecognized rc, or an unresolved roaming partner rather than by the
// bucket itself being over limit.
const (
	reasonRateLimited  = "request_rate_limited"
	reasonStreamReset  = "stream_reset_by_rate_limiting"
	reasonServiceError = "rate_limiter_error"
)

type problemDoc struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// bucketEntry is one emitted RLF bucket together with the bookkeeping the
// response-interpretation stage needs: which stats keys to credit and
// which action to run on a 429.
type bucketEntry struct {
	network string // non-empty for a Network limit
	rp      string // non-empty for a RoamingPartner limit
	request BucketRequest
	action  ActionProfile
}

// Filter is the ingress rate-limit filter: one instance wraps a frozen
// Config, its Stats registry and an RLFClient, and is safe for concurrent
// use across streams — it holds no per-request state itself.
type Filter struct {
	Config *Config
	Stats  *Stats
	Client RLFClient

	// Pool, if set, bounds the number of concurrent in-flight RLF lookups;
	// nil means call the client directly on the caller's goroutine.
	Pool *worker.Pool

	Log *logrus.Entry

	// Now is the clock used by the HTTP-date Retry-After formatter;
	// NewFilter sets it to time.Now, and it can be replaced to pin the time.
	Now func() time.Time
}

// NewFilter builds a Filter ready to evaluate requests.
func NewFilter(cfg *Config, stats *Stats, client RLFClient) *Filter {
	return &Filter{
		Config: cfg,
		Stats:  stats,
		Client: client,
		Log:    logrus.WithField("component", "ingress_rate_limit_filter"),
		Now:    time.Now,
	}
}

// parsePriority maps the 3gpp-sbi-message-priority header value to a
// watermark index: missing or non-integer defaults to 24; values outside
// 0..31 also default to 24, since the field is specified as a 5-bit int.
func parsePriority(headerVal string) int {
	if headerVal == "" {
		return 24
	}
	n, err := strconv.Atoi(headerVal)
	if err != nil || n < 0 || n > 31 {
		return 24
	}
	return n
}

// classify implements §4.6.1. It returns the ordered bucket list to send
// to the decider, or a non-nil override when an rp_not_found_action fired
// and terminated the request before any RLF call. The classification loop
// runs to completion even after capturing an override, preserving the
// original's iteration order for any stats side effects of later limits;
// only the first non-Pass rp_not_found outcome is kept, since a Go HTTP
// handler can only commit a single terminal response.
func (f *Filter) classify(priority int, peerName string) (entries []bucketEntry, override *Outcome) {
	watermark := f.Config.Watermarks[priority]

	for _, limit := range f.Config.Limits {
		switch limit.Kind {
		case LimitNetwork:
			entries = append(entries, bucketEntry{
				network: f.Config.NetworkName,
				request: BucketRequest{Name: limit.BucketAction.BucketName, Watermark: watermark, Amount: 1},
				action:  limit.BucketAction.OverLimitAction,
			})

		case LimitRoamingPartner:
			rp, found := f.Config.ResolveRP(peerName)
			if !found {
				if override == nil {
					if o := f.buildOutcome(limit.RPNotFoundAction, nil, true); o != nil {
						override = o
					}
				}
				continue
			}
			pair, hasBucket := f.Config.BucketActionForRP(rp)
			if !hasBucket {
				f.Log.WithField("rp", rp).Debug("roaming partner has no configured bucket, skipping")
				continue
			}
			entries = append(entries, bucketEntry{
				rp:      rp,
				request: BucketRequest{Name: pair.BucketName, Watermark: watermark, Amount: 1},
				action:  pair.OverLimitAction,
			})
		}
	}
	return entries, override
}

// Evaluate runs the full classify -> RLF call -> interpret pipeline for
// one request and returns its terminal Outcome (nil meaning continue
// upstream). It is synchronous: the suspension the original expresses as
// StopIteration-then-resume collapses here into a single blocking call
// bounded by ctx and Config.RLFTimeout, per spec.md §9's guidance that
// this is a callback pair plus a cancel token, not async/await.
func (f *Filter) Evaluate(ctx context.Context, priorityHeader, peerName string) (*Outcome, error) {
	priority := parsePriority(priorityHeader)
	entries, override := f.classify(priority, peerName)
	if override != nil {
		return override, nil
	}
	if len(entries) == 0 {
		return nil, nil
	}

	buckets := make([]BucketRequest, len(entries))
	for i, e := range entries {
		buckets[i] = e.request
	}

	lookupCtx, cancel := WithTimeout(ctx, f.Config.RLFTimeout)
	defer cancel()

	results, ok, err := f.lookup(lookupCtx, buckets)
	if err != nil {
		f.Log.WithError(err).Warn("rlf transport failure, applying service_error_action")
		return f.buildOutcome(f.Config.ServiceErrorAction, nil, true), nil
	}
	if !ok {
		f.Stats.IncrLookupFailure()
		return f.buildOutcome(ActionProfile{Kind: ActionPass}, nil, true), nil
	}

	return f.interpret(entries, results), nil
}

// lookup calls the client directly, or through the bounded worker pool
// when one is configured.
func (f *Filter) lookup(ctx context.Context, buckets []BucketRequest) ([]BucketResult, bool, error) {
	if f.Pool == nil {
		return f.Client.Lookup(ctx, f.Config.RLFPath, buckets)
	}

	var results []BucketResult
	var ok bool
	err := f.Pool.Submit(ctx, worker.JobFunc(func(jobCtx context.Context) error {
		var lookupErr error
		results, ok, lookupErr = f.Client.Lookup(jobCtx, f.Config.RLFPath, buckets)
		return lookupErr
	}))
	return results, ok, err
}

// interpret implements §4.6.3's per-element dispatch table.
func (f *Filter) interpret(entries []bucketEntry, results []BucketResult) *Outcome {
	serviceError := false

	for i, res := range results {
		if i >= len(entries) {
			break
		}
		e := entries[i]

		switch res.RC {
		case 200:
			f.Stats.IncrAccepted(e.network, e.rp)

		case 429:
			if e.action.Kind == ActionDrop {
				f.Stats.IncrDropped(e.network, e.rp)
			} else {
				f.Stats.IncrRejected(e.network, e.rp)
			}
			return f.buildOutcome(e.action, res.RA, false)

		case 500, 404:
			serviceError = true
			f.Stats.IncrLookupFailure()

		default:
			serviceError = true
			f.Stats.IncrLookupFailure()
		}
	}

	if serviceError {
		return f.buildOutcome(f.Config.ServiceErrorAction, nil, true)
	}
	return nil
}

// buildOutcome implements §4.6.4. ra is the decider-reported delay in
// milliseconds, if the triggering element carried one. serviceError marks
// an outcome forced by a decider/config failure rather than a bucket
// genuinely reporting over limit, and picks the Reason accordingly.
func (f *Filter) buildOutcome(action ActionProfile, ra *int, serviceError bool) *Outcome {
	switch action.Kind {
	case ActionPass:
		return nil

	case ActionDrop:
		reason := reasonStreamReset
		if serviceError {
			reason = reasonServiceError
		}
		return &Outcome{Kind: OutcomeDrop, Reason: reason}

	case ActionReject:
		reason := reasonRateLimited
		if serviceError {
			reason = reasonServiceError
		}
		o := &Outcome{Kind: OutcomeReject, Status: action.Status, Reason: reason}
		switch action.BodyFormat {
		case FormatPlainText:
			o.ContentType = "text/plain"
			o.Body = []byte(action.Title)
		default:
			o.ContentType = "application/problem+json"
			body, err := json.Marshal(problemDoc{
				Status: action.Status,
				Title:  action.Title,
				Detail: action.Detail,
				Cause:  action.Cause,
			})
			if err != nil {
				f.Log.WithError(err).Error("marshalling reject body")
			}
			o.Body = body
		}
		if action.RetryAfterHeader != RetryAfterDisabled && ra != nil {
			switch action.RetryAfterHeader {
			case RetryAfterSeconds:
				o.RetryAfter = FormatRetryAfterSeconds(int64(*ra))
			case RetryAfterHTTPDate:
				o.RetryAfter = FormatRetryAfterHTTPDate(f.Now(), int64(*ra))
			}
		}
		return o

	default:
		f.Log.WithField("kind", action.Kind).Warn("unknown action variant, passing")
		return nil
	}
}
