// Package ratelimit implements the ingress rate-limit filter: its frozen
// configuration, its Prometheus stats registry, the Retry-After formatter,
// and the per-request filter itself.
package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbiproxy/ingressrl/internal/dnmatch"
)

// ErrConfigInvalid is returned (wrapped with detail) when a configuration
// document fails validation: a network bucket name without '=', a
// watermarks list whose length isn't 32, or a DN pattern that doesn't
// compile.
var ErrConfigInvalid = errors.New("ratelimit: invalid configuration")

// Namespace selects the path segment of the RLF URL.
type Namespace int

const (
	NamespaceSCP Namespace = iota
	NamespaceSEPP
)

func (n Namespace) pathSegment() string {
	if n == NamespaceSEPP {
		return "sepp"
	}
	return "scp"
}

func (n Namespace) String() string {
	if n == NamespaceSEPP {
		return "SEPP"
	}
	return "SCP"
}

// ActionKind tags the variant held by an ActionProfile.
type ActionKind int

const (
	ActionPass ActionKind = iota
	ActionReject
	ActionDrop
)

// MessageFormat selects the reject-body rendering.
type MessageFormat int

const (
	FormatJSON MessageFormat = iota
	FormatPlainText
)

// RetryAfterMode selects whether, and how, a reject action attaches a
// Retry-After header.
type RetryAfterMode int

const (
	RetryAfterDisabled RetryAfterMode = iota
	RetryAfterSeconds
	RetryAfterHTTPDate
)

// ActionProfile is a declarative outcome attached to a bucket or to the
// service-error condition: pass, reject-with-body, or silent-drop. Only the
// fields relevant to Kind are meaningful.
type ActionProfile struct {
	Kind ActionKind

	Status           int
	Title            string
	Detail           string
	Cause            string
	BodyFormat       MessageFormat
	RetryAfterHeader RetryAfterMode
}

// BucketActionPair names the decider bucket consulted for a limit and the
// action to run when that bucket reports over-limit.
type BucketActionPair struct {
	BucketName      string
	OverLimitAction ActionProfile
}

// LimitKind distinguishes the single network limit from the
// roaming-partner limit table.
type LimitKind int

const (
	LimitNetwork LimitKind = iota
	LimitRoamingPartner
)

// rpEntry is one row of a roaming-partner limit's DN-pattern table.
type rpEntry struct {
	dnPattern    string
	rpName       string
	bucketAction *BucketActionPair // nil if this RP has no limit of its own
}

// Limit is one entry of Config.Limits: either the (at most one) network
// limit, or a roaming-partner limit with its own DN-pattern table.
type Limit struct {
	Kind LimitKind

	// Network
	BucketAction BucketActionPair

	// RoamingPartner
	rpEntries        []rpEntry
	RPNotFoundAction ActionProfile
}

// Config is the immutable, frozen snapshot compiled from a user-facing
// YAML document: limits, action profiles, the priority watermark table,
// the RLF upstream, the DN<->RP tables, and the precomputed RLF path and
// network name.
type Config struct {
	Namespace Namespace

	RLFClusterName     string
	RLFTimeout         time.Duration
	ServiceErrorAction ActionProfile

	Limits     []Limit
	Watermarks [32]float64

	NetworkName string
	RLFPath     string

	matcher        *dnmatch.Matcher
	rpBucketAction map[string]BucketActionPair

	// ConfigUpdatedAt is a timestamp captured at construction, carried as a
	// cache-epoch hint the way the filter factory timestamps the config it
	// hands to every stream.
	ConfigUpdatedAt time.Time
}

// Networks returns the configured network name, if any, as a one-element
// (or empty) slice — used to pre-create per-network stats counters.
func (c *Config) Networks() []string {
	if c.NetworkName == "" {
		return nil
	}
	return []string{c.NetworkName}
}

// RoamingPartners returns every rp_name that has a configured bucket
// action, in no particular order — used to pre-create per-RP counters.
func (c *Config) RoamingPartners() []string {
	rps := make([]string, 0, len(c.rpBucketAction))
	for rp := range c.rpBucketAction {
		rps = append(rps, rp)
	}
	return rps
}

// LoadConfig reads and validates a YAML configuration document from path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: reading config %s: %w", path, err)
	}
	var doc yamlConfig
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ratelimit: parsing config %s: %w", path, err)
	}
	return NewConfig(doc)
}

// NewConfig validates and freezes a parsed configuration document.
func NewConfig(doc yamlConfig) (*Config, error) {
	cfg := &Config{
		ConfigUpdatedAt: time.Now(),
		rpBucketAction:  make(map[string]BucketActionPair),
	}

	switch strings.ToUpper(doc.Namespace) {
	case "SEPP":
		cfg.Namespace = NamespaceSEPP
	case "SCP", "":
		cfg.Namespace = NamespaceSCP
	default:
		return nil, fmt.Errorf("%w: unknown namespace %q", ErrConfigInvalid, doc.Namespace)
	}
	cfg.RLFPath = "/nrlf-ratelimiting/v0/tokens/" + cfg.Namespace.pathSegment()

	cfg.RLFTimeout = 20 * time.Millisecond
	if doc.Timeout != "" {
		d, err := time.ParseDuration(doc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout %q: %v", ErrConfigInvalid, doc.Timeout, err)
		}
		cfg.RLFTimeout = d
	}

	cfg.RLFClusterName = doc.RateLimitService.ServiceClusterName
	serviceErrorAction, err := doc.RateLimitService.ServiceErrorAction.compile()
	if err != nil {
		return nil, fmt.Errorf("%w: service_error_action: %v", ErrConfigInvalid, err)
	}
	cfg.ServiceErrorAction = serviceErrorAction

	if len(doc.Watermarks) != 32 {
		return nil, fmt.Errorf("%w: watermarks has %d entries, want 32", ErrConfigInvalid, len(doc.Watermarks))
	}
	copy(cfg.Watermarks[:], doc.Watermarks)

	var patterns []*dnmatch.Pattern
	for _, yl := range doc.Limits {
		switch {
		case yl.Network != nil:
			bucketAction, err := yl.Network.BucketAction.compile()
			if err != nil {
				return nil, fmt.Errorf("%w: network limit: %v", ErrConfigInvalid, err)
			}
			networkName, err := networkNameFromBucket(bucketAction.BucketName)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
			}
			cfg.NetworkName = networkName
			cfg.Limits = append(cfg.Limits, Limit{Kind: LimitNetwork, BucketAction: bucketAction})

		case yl.RoamingPartner != nil:
			rpNotFound, err := yl.RoamingPartner.RPNotFoundAction.compile()
			if err != nil {
				return nil, fmt.Errorf("%w: rp_not_found_action: %v", ErrConfigInvalid, err)
			}
			limit := Limit{Kind: LimitRoamingPartner, RPNotFoundAction: rpNotFound}

			for dnPattern, entry := range yl.RoamingPartner.RPBucketActionTable {
				pattern, err := dnmatch.CompilePattern(dnPattern, entry.RPName)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
				}
				patterns = append(patterns, pattern)

				e := rpEntry{dnPattern: dnPattern, rpName: entry.RPName}
				if entry.BucketActionPair != nil {
					pair, err := entry.BucketActionPair.compile()
					if err != nil {
						return nil, fmt.Errorf("%w: rp %q bucket_action_pair: %v", ErrConfigInvalid, entry.RPName, err)
					}
					e.bucketAction = &pair
					cfg.rpBucketAction[entry.RPName] = pair
				}
				limit.rpEntries = append(limit.rpEntries, e)
			}
			cfg.Limits = append(cfg.Limits, limit)

		default:
			return nil, fmt.Errorf("%w: limit entry has neither network nor roaming_partner", ErrConfigInvalid)
		}
	}
	cfg.matcher = dnmatch.New(patterns)

	return cfg, nil
}

// ResolveRP maps a TLS peer name to a configured rp_name, if any.
func (c *Config) ResolveRP(peerName string) (string, bool) {
	return c.matcher.Resolve(peerName)
}

// BucketActionForRP returns the rp's bucket/action pair, if it has one.
func (c *Config) BucketActionForRP(rp string) (BucketActionPair, bool) {
	pair, ok := c.rpBucketAction[rp]
	return pair, ok
}

// networkNameFromBucket extracts the network name: the substring after the
// last '=' in the bucket name.
func networkNameFromBucket(bucketName string) (string, error) {
	idx := strings.LastIndex(bucketName, "=")
	if idx < 0 {
		return "", fmt.Errorf("network bucket name %q has no '='", bucketName)
	}
	return bucketName[idx+1:], nil
}
