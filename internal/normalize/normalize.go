// Package normalize maps duck-typed ledger records and metadata documents to
// canonical shapes. Field aliases seen in the wild are folded onto one name.
package normalize

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Attribute is one metadata trait.
type Attribute struct {
	TraitType string `json:"traitType,omitempty" yaml:"traitType,omitempty"`
	Value     any    `json:"value" yaml:"value"`
}

// Metadata is the canonical descriptive document for a record.
type Metadata struct {
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Image        string      `json:"image,omitempty" yaml:"image,omitempty"`
	ExternalURL  string      `json:"externalUrl,omitempty" yaml:"externalUrl,omitempty"`
	AnimationURL string      `json:"animationUrl,omitempty" yaml:"animationUrl,omitempty"`
	Attributes   []Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Empty reports whether no canonical field was recognised.
func (m Metadata) Empty() bool {
	return m.Name == "" && m.Description == "" && m.Image == "" && m.ExternalURL == "" &&
		m.AnimationURL == "" && len(m.Attributes) == 0
}

var (
	nameKeys         = []string{"name", "title"}
	descriptionKeys  = []string{"description", "desc"}
	imageKeys        = []string{"image", "image_url", "imageUrl", "imageURI", "image_uri"}
	externalURLKeys  = []string{"external_url", "externalUrl", "external_link"}
	animationURLKeys = []string{"animation_url", "animationUrl"}
	attributeKeys    = []string{"attributes", "traits", "properties"}
	traitTypeKeys    = []string{"trait_type", "traitType", "name", "key"}

	uriKeys    = []string{"uri", "tokenURI", "tokenUri", "token_uri", "metadataURI", "metadataUri", "metadata_uri"}
	priceKeys  = []string{"price", "listPrice", "list_price", "amount"}
	listedKeys = []string{"listed", "isListed", "is_listed", "forSale", "for_sale"}
	ownerKeys  = []string{"owner", "seller", "holder"}
)

// MetadataFrom extracts canonical metadata from a decoded JSON document. ok
// is false when doc is not an object.
func MetadataFrom(doc any) (Metadata, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Metadata{}, false
	}
	meta := Metadata{
		Name:         firstString(obj, nameKeys),
		Description:  firstString(obj, descriptionKeys),
		Image:        firstString(obj, imageKeys),
		ExternalURL:  firstString(obj, externalURLKeys),
		AnimationURL: firstString(obj, animationURLKeys),
	}
	if raw, ok := first(obj, attributeKeys); ok {
		meta.Attributes = attributesFrom(raw)
	}
	return meta, true
}

func attributesFrom(raw any) []Attribute {
	switch v := raw.(type) {
	case []any:
		out := make([]Attribute, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			value, hasValue := obj["value"]
			if !hasValue {
				continue
			}
			out = append(out, Attribute{TraitType: firstString(obj, traitTypeKeys), Value: value})
		}
		return out
	case map[string]any:
		// {"color": "red"} style trait maps
		keys := slices.Sorted(maps.Keys(v))
		out := make([]Attribute, 0, len(keys))
		for _, k := range keys {
			out = append(out, Attribute{TraitType: k, Value: v[k]})
		}
		return out
	}
	return nil
}

// RecordPayload is the canonical view of one ledger record.
type RecordPayload struct {
	Index    uint64  `json:"index" yaml:"index"`
	URI      string  `json:"uri,omitempty" yaml:"uri,omitempty"`
	Price    float64 `json:"price,omitempty" yaml:"price,omitempty"`
	HasPrice bool    `json:"hasPrice" yaml:"hasPrice"`
	Listed   bool    `json:"listed" yaml:"listed"`
	Owner    string  `json:"owner,omitempty" yaml:"owner,omitempty"`
	// Fields is the record as read from the ledger.
	Fields map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// RecordFrom folds the raw ledger fields of record index onto RecordPayload.
func RecordFrom(index uint64, fields map[string]any) RecordPayload {
	rec := RecordPayload{
		Index:  index,
		URI:    firstString(fields, uriKeys),
		Owner:  firstString(fields, ownerKeys),
		Fields: fields,
	}
	if raw, ok := first(fields, priceKeys); ok {
		if price, ok := ToFloat(raw); ok {
			rec.Price = price
			rec.HasPrice = true
		}
	}
	if raw, ok := first(fields, listedKeys); ok {
		rec.Listed = toBool(raw)
	}
	return rec
}

// Activation exposes the record to predicate and stat expressions: the raw
// fields overlaid with the canonical names.
func (r RecordPayload) Activation() map[string]any {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["index"] = int64(r.Index)
	out["uri"] = r.URI
	out["listed"] = r.Listed
	out["owner"] = r.Owner
	if r.HasPrice {
		out["price"] = r.Price
	}
	return out
}

// ToFloat converts JSON-ish numeric values, including numeric strings.
func ToFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

func first(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(obj map[string]any, keys []string) string {
	v, ok := first(obj, keys)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case int64, float64, bool:
		return fmt.Sprint(s)
	}
	return ""
}
