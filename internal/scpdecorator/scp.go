// Package scpdecorator implements the SCP response decorator: attaching
// 3gpp-sbi-producer-id to upstream responses that were routed directly to
// a producer NF, grounded on the original's scp.cc. The original's inner
// status check ("status != 307 || status != 308") is tautologically true;
// this implementation uses the intended "&&" per spec.md.
package scpdecorator

import "strings"

// RoutingBehaviour mirrors the filter_metadata value set on the decoder
// side describing how the chosen host was selected.
type RoutingBehaviour string

const (
	RoutingStrict     RoutingBehaviour = "STRICT"
	RoutingPreferred  RoutingBehaviour = "PREFERRED"
	RoutingRoundRobin RoutingBehaviour = "ROUND_ROBIN"
)

// Metadata is one stream's "eric_proxy" dynamic-metadata struct, read from
// either the encoder or decoder filter_metadata map. It is kept distinct
// from a plain map lookup so a missing key and a present-but-empty value
// stay distinguishable, the way the original's findInDynMetadata/
// extractFromDynMetadata pair treats them.
type Metadata map[string]string

// Find reports the value of key and whether it was present at all.
func (m Metadata) Find(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// ResponseContext carries the dynamic-metadata the decorator reads from
// the encoder and decoder filter state of one stream.
type ResponseContext struct {
	EncoderMetadata Metadata // encoder_callbacks' "eric_proxy" filter metadata
	DecoderMetadata Metadata // decoder_callbacks' "eric_proxy" filter metadata

	Status string // response ":status"

	// OriginalTARPresent mirrors original_tar_.has_value(): the request
	// carried a 3gpp-Sbi-target-apiRoot, so Preferred-host routing is in
	// play for this stream at all.
	OriginalTARPresent bool
	SelectedHost       string // run_ctx_.getSelectedHostAuthority()
	OriginalHost       string // original_hostname_, if any was picked
}

// Decorate returns the 3gpp-sbi-producer-id header value to attach, and
// whether to attach it at all.
func Decorate(ctx ResponseContext) (headerValue string, attach bool) {
	directOrIndirect, _ := ctx.EncoderMetadata.Find("direct-or-indirect")
	if directOrIndirect != "direct" {
		return "", false
	}
	if ctx.Status == "" {
		return "", false
	}
	if ctx.Status == "307" || ctx.Status == "308" {
		return "", false
	}

	routingBehaviour, rbPresent := ctx.DecoderMetadata.Find("routing-behaviour")
	nfInstID, nfPresent := ctx.EncoderMetadata.Find("nf-inst-id")
	if !rbPresent || !nfPresent {
		return "", false
	}
	if RoutingBehaviour(routingBehaviour) == RoutingStrict {
		return "", false
	}

	nfServInstID, _ := ctx.EncoderMetadata.Find("nf-serv-inst-id")
	nfSetID, _ := ctx.EncoderMetadata.Find("nf-set-id")
	nfServiceSetID, _ := ctx.EncoderMetadata.Find("nf-serv-set-id")

	var b strings.Builder
	b.WriteString("nfinst=")
	b.WriteString(nfInstID)
	if nfServInstID != "" {
		b.WriteString("; nfservinst=")
		b.WriteString(nfServInstID)
	}
	if nfSetID != "" {
		b.WriteString("; nfset=")
		b.WriteString(nfSetID)
	}
	if nfServiceSetID != "" {
		b.WriteString("; nfserviceset=")
		b.WriteString(nfServiceSetID)
	}
	value := b.String()

	switch RoutingBehaviour(routingBehaviour) {
	case RoutingPreferred:
		if !ctx.OriginalTARPresent {
			return "", false
		}
		reselected := ctx.SelectedHost != "" &&
			(ctx.OriginalHost == "" || !strings.EqualFold(ctx.SelectedHost, ctx.OriginalHost))
		if !reselected {
			return "", false
		}
		return value, true

	case RoutingRoundRobin:
		return value, true

	default:
		return "", false
	}
}
