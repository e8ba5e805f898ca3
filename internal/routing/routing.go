// Package routing implements the request-side TFQDN routing
// pre-processor: rewriting the path, authority and body of a request
// right before it is sent to the chosen upstream host, based on that
// host's advertised endpoint capability.
package routing

// Capability is the endpoint-metadata tag attached to the chosen upstream
// host describing how it expects to receive telescopic-FQDN requests.
type Capability string

const (
	CapabilityNF      Capability = "NF"
	CapabilityTFQDN   Capability = "TFQDN"
	CapabilityIndirect Capability = "Indirect"
)

// RoutingDirection mirrors the sepp-routing-direction dynamic metadata.
type RoutingDirection string

const (
	DirectionExtToInt RoutingDirection = "ext_to_int"
	DirectionIntToExt RoutingDirection = "int_to_ext"
)

const targetAPIRootHeader = "3gpp-sbi-target-apiroot"
const legacyTargetAPIRootAlias = "target-api-root"

// RequestContext is the dynamic metadata and headers §4.7 reads and
// mutates, expressed as plain fields rather than a metadata bag so the
// rewrite rules are exhaustive and type-checked.
type RequestContext struct {
	Capability Capability

	Path string // :path

	AbsolutePathProcessing bool
	AbsolutePathValue      string
	RelativePathValue      string

	TargetAPIRootProcessing bool
	TargetAPIRootValue      string

	RoutingDirection RoutingDirection

	OriginalBodyWasReplaced bool
	OriginalBody            []byte
	ModifiedBody            []byte

	KeepAuthorityHeader bool
	PreferredHost       string
	EndpointAddress     string

	// Headers is mutated in place by Process: the caller owns the map and
	// should pass the live request header set.
	Headers map[string]string

	// Authority is set by Process when the rules call for an authority
	// rewrite; empty means leave it untouched.
	Authority string

	// Body is set by Process when the rules call for a body replacement;
	// nil means leave it untouched.
	Body []byte

	// ContentLength is set alongside Body whenever Body is replaced.
	ContentLength int
}

// Process applies §4.7's rewrite rules for rc.Capability, mutating
// rc.Headers and rc.Path in place and populating rc.Authority/rc.Body
// when a rewrite is called for.
func Process(rc *RequestContext) {
	switch rc.Capability {
	case CapabilityNF:
		processNF(rc)
	case CapabilityTFQDN:
		processTFQDN(rc)
	case CapabilityIndirect:
		processIndirect(rc)
	}

	delete(rc.Headers, legacyTargetAPIRootAlias)
}

func processNF(rc *RequestContext) {
	delete(rc.Headers, targetAPIRootHeader)

	if rc.AbsolutePathProcessing && rc.RelativePathValue != "" {
		rc.Path = rc.RelativePathValue
	}
	if rc.OriginalBodyWasReplaced {
		rc.Body = rc.OriginalBody
		rc.ContentLength = len(rc.OriginalBody)
	}
}

func processTFQDN(rc *RequestContext) {
	delete(rc.Headers, targetAPIRootHeader)

	if rc.AbsolutePathProcessing && rc.RelativePathValue != "" {
		rc.Path = rc.RelativePathValue
	}
	if rc.RoutingDirection == DirectionExtToInt && rc.ModifiedBody != nil {
		rc.Body = rc.ModifiedBody
		rc.ContentLength = len(rc.ModifiedBody)
	}
}

func processIndirect(rc *RequestContext) {
	if rc.TargetAPIRootProcessing {
		if rc.TargetAPIRootValue != "" {
			rc.Headers[targetAPIRootHeader] = rc.TargetAPIRootValue
		} else {
			delete(rc.Headers, targetAPIRootHeader)
		}
	}

	if rc.AbsolutePathProcessing && rc.AbsolutePathValue != "" {
		rc.Path = rc.AbsolutePathValue
	}

	if !rc.KeepAuthorityHeader {
		if rc.PreferredHost != "" {
			rc.Authority = rc.PreferredHost
		} else {
			rc.Authority = rc.EndpointAddress
		}
	}
}
