package ratelimit

import (
	"fmt"
	"strings"
)

// yamlConfig mirrors the abstract configuration shape of spec.md §6.
// Durations are Go duration strings ("20ms"), the way cookie.Config and
// rrl.Config take them in the teacher.
type yamlConfig struct {
	Namespace        string            `yaml:"namespace"`
	Timeout          string            `yaml:"timeout,omitempty"`
	RateLimitService yamlRLFService    `yaml:"rate_limit_service"`
	Limits           []yamlLimit       `yaml:"limits"`
	Watermarks       []float64         `yaml:"watermarks"`
}

type yamlRLFService struct {
	ServiceClusterName string            `yaml:"service_cluster_name"`
	ServiceErrorAction yamlActionProfile `yaml:"service_error_action"`
}

type yamlLimit struct {
	Network        *yamlNetworkLimit `yaml:"network,omitempty"`
	RoamingPartner *yamlRPLimit      `yaml:"roaming_partner,omitempty"`
}

type yamlNetworkLimit struct {
	BucketAction yamlBucketActionPair `yaml:"bucket_action"`
}

type yamlBucketActionPair struct {
	BucketName      string            `yaml:"bucket_name"`
	OverLimitAction yamlActionProfile `yaml:"over_limit_action"`
}

type yamlRPEntry struct {
	RPName           string                `yaml:"rp_name"`
	BucketActionPair *yamlBucketActionPair `yaml:"bucket_action_pair,omitempty"`
}

type yamlRPLimit struct {
	RPBucketActionTable map[string]yamlRPEntry `yaml:"rp_bucket_action_table"`
	RPNotFoundAction    yamlActionProfile      `yaml:"rp_not_found_action"`
}

// yamlActionProfile mirrors the tagged-variant shape of ActionProfile:
// exactly one of action_pass_message / action_drop_message /
// action_reject_message is set.
type yamlActionProfile struct {
	Pass   bool             `yaml:"action_pass_message,omitempty"`
	Drop   bool             `yaml:"action_drop_message,omitempty"`
	Reject *yamlRejectAction `yaml:"action_reject_message,omitempty"`
}

type yamlRejectAction struct {
	Status           int    `yaml:"status"`
	Title            string `yaml:"title"`
	Detail           string `yaml:"detail,omitempty"`
	Cause            string `yaml:"cause,omitempty"`
	MessageFormat    string `yaml:"message_format"`
	RetryAfterHeader string `yaml:"retry_after_header"`
}

func (y yamlActionProfile) compile() (ActionProfile, error) {
	set := 0
	if y.Pass {
		set++
	}
	if y.Drop {
		set++
	}
	if y.Reject != nil {
		set++
	}
	if set != 1 {
		return ActionProfile{}, fmt.Errorf("exactly one of action_pass_message/action_drop_message/action_reject_message must be set, found %d", set)
	}

	switch {
	case y.Pass:
		return ActionProfile{Kind: ActionPass}, nil
	case y.Drop:
		return ActionProfile{Kind: ActionDrop}, nil
	default:
		format, err := parseMessageFormat(y.Reject.MessageFormat)
		if err != nil {
			return ActionProfile{}, err
		}
		retryMode, err := parseRetryAfterMode(y.Reject.RetryAfterHeader)
		if err != nil {
			return ActionProfile{}, err
		}
		return ActionProfile{
			Kind:             ActionReject,
			Status:           y.Reject.Status,
			Title:            y.Reject.Title,
			Detail:           y.Reject.Detail,
			Cause:            y.Reject.Cause,
			BodyFormat:       format,
			RetryAfterHeader: retryMode,
		}, nil
	}
}

func parseMessageFormat(s string) (MessageFormat, error) {
	switch strings.ToUpper(s) {
	case "JSON", "":
		return FormatJSON, nil
	case "PLAIN_TEXT":
		return FormatPlainText, nil
	default:
		return 0, fmt.Errorf("unknown message_format %q", s)
	}
}

func parseRetryAfterMode(s string) (RetryAfterMode, error) {
	switch strings.ToUpper(s) {
	case "DISABLED", "":
		return RetryAfterDisabled, nil
	case "SECONDS":
		return RetryAfterSeconds, nil
	case "HTTP_DATE":
		return RetryAfterHTTPDate, nil
	default:
		return 0, fmt.Errorf("unknown retry_after_header %q", s)
	}
}

func (y yamlBucketActionPair) compile() (BucketActionPair, error) {
	action, err := y.OverLimitAction.compile()
	if err != nil {
		return BucketActionPair{}, fmt.Errorf("bucket %q: %w", y.BucketName, err)
	}
	return BucketActionPair{BucketName: y.BucketName, OverLimitAction: action}, nil
}
