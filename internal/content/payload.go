package content

import (
	"time"

	"github.com/l0p7/ledgerlens/internal/fetch"
	"github.com/l0p7/ledgerlens/internal/normalize"
)

// Kind distinguishes decoded documents from opaque bytes.
type Kind string

const (
	KindStructured Kind = "structured"
	KindBinary     Kind = "binary"
)

// Payload is the outcome of a resolution. On failure callers get back their
// default payload with Fallback set.
type Payload struct {
	Identifier  string              `json:"identifier" yaml:"identifier"`
	Kind        Kind                `json:"kind,omitempty" yaml:"kind,omitempty"`
	ContentType string              `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Data        []byte              `json:"data,omitempty" yaml:"-"`
	Document    any                 `json:"document,omitempty" yaml:"document,omitempty"`
	Metadata    *normalize.Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// Source names the gateway that served the content, "inline" for data:
	// URIs, or is empty for fallbacks.
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	Fallback   bool      `json:"fallback" yaml:"fallback"`
	Stale      bool      `json:"stale,omitempty" yaml:"stale,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero" yaml:"resolvedAt,omitempty"`
}

// cachedPayload is what the content namespace stores. Failed marks a
// remembered exhaustion so the chain is not retried until FailureTTL ends.
type cachedPayload struct {
	Payload Payload `json:"payload"`
	Failed  bool    `json:"failed,omitempty"`
}

func fallback(identifier string, def Payload) Payload {
	def.Identifier = identifier
	def.Fallback = true
	def.Stale = false
	return def
}

// RestoreNumbers converts the json.Number values left by a cache decode back
// to int64 or float64.
func RestoreNumbers(p Payload) Payload {
	p.Document = fetch.NormalizeJSONNumbers(p.Document)
	if p.Metadata != nil && len(p.Metadata.Attributes) > 0 {
		meta := *p.Metadata
		attrs := make([]normalize.Attribute, len(meta.Attributes))
		for i, attr := range meta.Attributes {
			attrs[i] = normalize.Attribute{TraitType: attr.TraitType, Value: fetch.NormalizeJSONNumbers(attr.Value)}
		}
		meta.Attributes = attrs
		p.Metadata = &meta
	}
	return p
}
