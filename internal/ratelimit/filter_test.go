package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRLFClient returns one canned response per Lookup call, in order.
type fakeRLFClient struct {
	calls int
	plan  []fakeResponse
}

type fakeResponse struct {
	results []BucketResult
	ok      bool
	err     error
}

func (f *fakeRLFClient) Lookup(ctx context.Context, path string, buckets []BucketRequest) ([]BucketResult, bool, error) {
	r := f.plan[f.calls]
	f.calls++
	return r.results, r.ok, r.err
}

func ra(ms int) *int { return &ms }

func networkConfig(t *testing.T, overLimit ActionProfile) *Config {
	t.Helper()
	cfg, err := NewConfig(yamlConfig{
		Namespace: "SCP",
		RateLimitService: yamlRLFService{
			ServiceClusterName: "rlf",
			ServiceErrorAction: yamlActionProfile{Pass: true},
		},
		Limits: []yamlLimit{{
			Network: &yamlNetworkLimit{
				BucketAction: yamlBucketActionPair{
					BucketName:      "token_bucket=mynetwork",
					OverLimitAction: actionProfileToYAML(overLimit),
				},
			},
		}},
		Watermarks: make([]float64, 32),
	})
	require.NoError(t, err)
	return cfg
}

// actionProfileToYAML is a small test-only inverse of yamlActionProfile.compile,
// letting scenarios describe the desired ActionProfile directly.
func actionProfileToYAML(a ActionProfile) yamlActionProfile {
	switch a.Kind {
	case ActionPass:
		return yamlActionProfile{Pass: true}
	case ActionDrop:
		return yamlActionProfile{Drop: true}
	default:
		mf := "JSON"
		if a.BodyFormat == FormatPlainText {
			mf = "PLAIN_TEXT"
		}
		ra := "DISABLED"
		switch a.RetryAfterHeader {
		case RetryAfterSeconds:
			ra = "SECONDS"
		case RetryAfterHTTPDate:
			ra = "HTTP_DATE"
		}
		return yamlActionProfile{Reject: &yamlRejectAction{
			Status: a.Status, Title: a.Title, Detail: a.Detail, Cause: a.Cause,
			MessageFormat: mf, RetryAfterHeader: ra,
		}}
	}
}

// rpConfig builds a Config with a single RoamingPartner limit: "partner-a"
// has a configured bucket, "partner-b" is recognized but has no bucket of
// its own, and rpNotFound names the action to run when the peer name
// resolves to neither.
func rpConfig(t *testing.T, rpNotFound ActionProfile) *Config {
	t.Helper()
	cfg, err := NewConfig(yamlConfig{
		Namespace: "SCP",
		RateLimitService: yamlRLFService{
			ServiceClusterName: "rlf",
			ServiceErrorAction: yamlActionProfile{Pass: true},
		},
		Limits: []yamlLimit{{
			RoamingPartner: &yamlRPLimit{
				RPBucketActionTable: map[string]yamlRPEntry{
					"partner-a.example.com": {
						RPName: "partner-a",
						BucketActionPair: &yamlBucketActionPair{
							BucketName:      "token_bucket=partner-a",
							OverLimitAction: yamlActionProfile{Drop: true},
						},
					},
					"partner-b.example.com": {RPName: "partner-b"},
				},
				RPNotFoundAction: actionProfileToYAML(rpNotFound),
			},
		}},
		Watermarks: make([]float64, 32),
	})
	require.NoError(t, err)
	return cfg
}

func TestClassifyRPResolvedWithBucket(t *testing.T) {
	cfg := rpConfig(t, ActionProfile{Kind: ActionPass})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	f := NewFilter(cfg, stats, nil)

	entries, override := f.classify(24, "partner-a.example.com")
	assert.Nil(t, override)
	require.Len(t, entries, 1)
	assert.Equal(t, "partner-a", entries[0].rp)
	assert.Equal(t, "token_bucket=partner-a", entries[0].request.Name)
	assert.Equal(t, ActionDrop, entries[0].action.Kind)
}

func TestClassifyRPResolvedWithoutBucketIsSkipped(t *testing.T) {
	cfg := rpConfig(t, ActionProfile{Kind: ActionPass})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	f := NewFilter(cfg, stats, nil)

	entries, override := f.classify(24, "partner-b.example.com")
	assert.Nil(t, override)
	assert.Empty(t, entries)
}

func TestClassifyRPNotFoundTriggersOverride(t *testing.T) {
	cfg := rpConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	f := NewFilter(cfg, stats, nil)

	entries, override := f.classify(24, "unknown.example.com")
	assert.Empty(t, entries)
	require.NotNil(t, override)
	assert.Equal(t, OutcomeDrop, override.Kind)
}

// TestClassifyContinuesAfterRPNotFoundOverride confirms the "loop continues
// for stats" claim: an rp_not_found override captured from the first limit
// does not stop a later network limit from still contributing its bucket
// to entries.
func TestClassifyContinuesAfterRPNotFoundOverride(t *testing.T) {
	cfg, err := NewConfig(yamlConfig{
		Namespace: "SCP",
		RateLimitService: yamlRLFService{
			ServiceClusterName: "rlf",
			ServiceErrorAction: yamlActionProfile{Pass: true},
		},
		Limits: []yamlLimit{
			{
				RoamingPartner: &yamlRPLimit{
					RPBucketActionTable: map[string]yamlRPEntry{
						"partner-a.example.com": {
							RPName: "partner-a",
							BucketActionPair: &yamlBucketActionPair{
								BucketName:      "token_bucket=partner-a",
								OverLimitAction: yamlActionProfile{Drop: true},
							},
						},
					},
					RPNotFoundAction: yamlActionProfile{Drop: true},
				},
			},
			{
				Network: &yamlNetworkLimit{
					BucketAction: yamlBucketActionPair{
						BucketName:      "token_bucket=mynetwork",
						OverLimitAction: yamlActionProfile{Drop: true},
					},
				},
			},
		},
		Watermarks: make([]float64, 32),
	})
	require.NoError(t, err)

	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	f := NewFilter(cfg, stats, nil)

	entries, override := f.classify(24, "unknown.example.com")
	require.NotNil(t, override)
	assert.Equal(t, OutcomeDrop, override.Kind)
	require.Len(t, entries, 1, "network limit's bucket must still be collected after the rp_not_found override")
	assert.Equal(t, "mynetwork", entries[0].network)
}

func TestScenarioUnderlimitPass(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(prometheus.NewRegistry(), "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{results: []BucketResult{{RC: 200}}, ok: true}}}
	f := NewFilter(cfg, stats, client)

	outcome, err := f.Evaluate(context.Background(), "1", "")
	require.NoError(t, err)
	assert.Nil(t, outcome)

	// spec.md §8: "counters: global accepted=1, per-network accepted=1"
	assert.Equal(t, float64(1), testutil.ToFloat64(stats.counters.WithLabelValues(stats.globalName(kindAccepted))))
	assert.Equal(t, float64(1), testutil.ToFloat64(stats.counters.WithLabelValues(stats.perNetworkName(cfg.NetworkName, kindAccepted))))
}

func TestScenarioOverlimitDrop(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(prometheus.NewRegistry(), "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{results: []BucketResult{{RC: 429}}, ok: true}}}
	f := NewFilter(cfg, stats, client)

	outcome, err := f.Evaluate(context.Background(), "3", "")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeDrop, outcome.Kind)
	assert.Equal(t, "stream_reset_by_rate_limiting", outcome.Reason)

	// spec.md §8: "counters: global dropped=1, per-network dropped=1"
	assert.Equal(t, float64(1), testutil.ToFloat64(stats.counters.WithLabelValues(stats.globalName(kindDropped))))
	assert.Equal(t, float64(1), testutil.ToFloat64(stats.counters.WithLabelValues(stats.perNetworkName(cfg.NetworkName, kindDropped))))
}

func TestScenarioOverlimitRejectWithRetryAfter(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{
		Kind: ActionReject, Status: 429, Title: "Too Many Requests", Detail: "Request limit exceeded",
		BodyFormat: FormatJSON, RetryAfterHeader: RetryAfterSeconds,
	})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{results: []BucketResult{{RC: 429, RA: ra(12345)}}, ok: true}}}
	f := NewFilter(cfg, stats, client)

	outcome, err := f.Evaluate(context.Background(), "30", "")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeReject, outcome.Kind)
	assert.Equal(t, 429, outcome.Status)
	assert.Equal(t, "application/problem+json", outcome.ContentType)
	assert.JSONEq(t, `{"status":429,"title":"Too Many Requests","detail":"Request limit exceeded"}`, string(outcome.Body))
	assert.Equal(t, "13", outcome.RetryAfter)
	assert.Equal(t, "request_rate_limited", outcome.Reason)
}

func TestScenarioDeciderTimeoutServiceErrorPass(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{err: context.DeadlineExceeded}}}
	f := NewFilter(cfg, stats, client)

	outcome, err := f.Evaluate(context.Background(), "5", "")
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestScenarioDeciderTimeoutServiceErrorReject(t *testing.T) {
	cfg, err := NewConfig(yamlConfig{
		Namespace: "SCP",
		RateLimitService: yamlRLFService{
			ServiceClusterName: "rlf",
			ServiceErrorAction: yamlActionProfile{Reject: &yamlRejectAction{
				Status: 429, Title: "Service Unavailable", Detail: "decider unreachable",
				Cause: "TRANSPORT_FAILURE", MessageFormat: "JSON", RetryAfterHeader: "DISABLED",
			}},
		},
		Limits: []yamlLimit{{
			Network: &yamlNetworkLimit{BucketAction: yamlBucketActionPair{
				BucketName: "token_bucket=mynetwork", OverLimitAction: yamlActionProfile{Drop: true},
			}},
		}},
		Watermarks: make([]float64, 32),
	})
	require.NoError(t, err)

	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{err: context.DeadlineExceeded}}}
	f := NewFilter(cfg, stats, client)

	outcome, evalErr := f.Evaluate(context.Background(), "5", "")
	require.NoError(t, evalErr)
	require.NotNil(t, outcome)
	assert.Equal(t, OutcomeReject, outcome.Kind)
	assert.Equal(t, 429, outcome.Status)
	assert.Equal(t, "rate_limiter_error", outcome.Reason)
}

func TestScenarioBucketNotFoundPassesWithLookupFailure(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{results: []BucketResult{{RC: 404}}, ok: true}}}
	f := NewFilter(cfg, stats, client)

	outcome, err := f.Evaluate(context.Background(), "7", "")
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(stats.counters.WithLabelValues(stats.failureName())))
}

func TestParsePriorityDefaultsTo24(t *testing.T) {
	assert.Equal(t, 24, parsePriority(""))
	assert.Equal(t, 24, parsePriority("not-a-number"))
	assert.Equal(t, 24, parsePriority("99"))
	assert.Equal(t, 5, parsePriority("5"))
	assert.Equal(t, 0, parsePriority("0"))
}

func TestEvaluateSucceedsWithinContextDeadline(t *testing.T) {
	cfg := networkConfig(t, ActionProfile{Kind: ActionDrop})
	stats := NewStats(nil, "n8e.test.", cfg.Networks(), cfg.RoamingPartners())
	client := &fakeRLFClient{plan: []fakeResponse{{results: []BucketResult{{RC: 200}}, ok: true}}}
	f := NewFilter(cfg, stats, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Evaluate(ctx, "1", "")
	require.NoError(t, err)
}
