// Package gateway turns content identifiers into ranked lists of fetchable
// URLs across a configured set of mirror gateways.
package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedIdentifier is returned for empty or unsupported identifiers and
// for identifiers that yield no candidate at all.
var ErrMalformedIdentifier = errors.New("gateway: malformed identifier")

// Kind classifies a parsed identifier.
type Kind string

const (
	// KindURL is a plain http(s) URL with no embedded content hash.
	KindURL Kind = "url"
	// KindContentHash identifies content by hash, optionally via a URL that
	// embeds the hash.
	KindContentHash Kind = "content_hash"
	// KindInline is a data: URI that decodes without network I/O.
	KindInline Kind = "inline"
)

const (
	SchemeIPFS    = "ipfs"
	SchemeArweave = "ar"
	SchemeData    = "data"
)

// Identifier is an immutable parsed reference to remote content.
type Identifier struct {
	Raw  string
	Kind Kind
	// URL is the direct http(s) location, when the input was one.
	URL string
	// Hash is the content hash (CID or arweave transaction id).
	Hash string
	// Path is the remainder after the hash, including the leading slash.
	Path string
	// Scheme is the hash namespace: ipfs, ar or data.
	Scheme string
}

// HasHash reports whether mirror gateways can serve the identifier.
func (id Identifier) HasHash() bool { return id.Hash != "" }

// Key is the canonical cache key: every spelling of the same hash and path
// maps to one key.
func (id Identifier) Key() string {
	switch {
	case id.Hash != "":
		return id.Scheme + "://" + id.Hash + id.Path
	case id.URL != "":
		return id.URL
	}
	return id.Raw
}

// Parse recognises ipfs://, ar://, /ipfs/<cid>, bare CIDs, http(s) URLs
// (with or without an embedded /ipfs/<cid> or <cid>.ipfs. host) and data: URIs.
func Parse(raw string) (Identifier, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identifier{}, fmt.Errorf("%w: empty", ErrMalformedIdentifier)
	}
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "data:"):
		return Identifier{Raw: trimmed, Kind: KindInline, Scheme: SchemeData}, nil
	case strings.HasPrefix(lower, "ipfs://"):
		rest := trimmed[len("ipfs://"):]
		rest = strings.TrimPrefix(rest, "ipfs/")
		return hashIdentifier(trimmed, SchemeIPFS, rest)
	case strings.HasPrefix(lower, "ar://"):
		return hashIdentifier(trimmed, SchemeArweave, trimmed[len("ar://"):])
	case strings.HasPrefix(trimmed, "/ipfs/"):
		return hashIdentifier(trimmed, SchemeIPFS, trimmed[len("/ipfs/"):])
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return parseHTTP(trimmed)
	}

	hash, _, _ := strings.Cut(trimmed, "/")
	if looksLikeCID(hash) {
		return hashIdentifier(trimmed, SchemeIPFS, trimmed)
	}
	return Identifier{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, trimmed)
}

func hashIdentifier(raw, scheme, rest string) (Identifier, error) {
	hash, path := splitHash(rest)
	if hash == "" {
		return Identifier{}, fmt.Errorf("%w: %q has no content hash", ErrMalformedIdentifier, raw)
	}
	if scheme == SchemeIPFS && !looksLikeCID(hash) {
		return Identifier{}, fmt.Errorf("%w: %q is not a CID", ErrMalformedIdentifier, hash)
	}
	return Identifier{Raw: raw, Kind: KindContentHash, Hash: hash, Path: path, Scheme: scheme}, nil
}

func splitHash(rest string) (string, string) {
	rest = strings.TrimLeft(rest, "/")
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		return rest[:idx], normalizePath(rest[idx:])
	}
	return rest, ""
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

func parseHTTP(raw string) (Identifier, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Identifier{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, raw)
	}
	id := Identifier{Raw: raw, Kind: KindURL, URL: u.String()}

	suffix := ""
	if u.RawQuery != "" {
		suffix = "?" + u.RawQuery
	}

	// path gateway: https://host/ipfs/<cid>/rest
	if idx := strings.Index(u.Path, "/ipfs/"); idx >= 0 {
		hash, path := splitHash(u.Path[idx+len("/ipfs/"):])
		if looksLikeCID(hash) {
			id.Kind = KindContentHash
			id.Hash = hash
			id.Path = normalizePath(path + suffix)
			id.Scheme = SchemeIPFS
			return id, nil
		}
	}

	// subdomain gateway: https://<cid>.ipfs.host/rest
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) > 2 && labels[1] == "ipfs" && looksLikeCID(labels[0]) {
		id.Kind = KindContentHash
		id.Hash = labels[0]
		id.Path = normalizePath(u.Path + suffix)
		id.Scheme = SchemeIPFS
	}
	return id, nil
}

const (
	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

// looksLikeCID accepts CIDv0 (Qm + 44 base58 chars) and base32 CIDv1
// (b-prefixed, lower case).
func looksLikeCID(s string) bool {
	switch {
	case len(s) == 46 && strings.HasPrefix(s, "Qm"):
		return onlyRunes(s, base58Alphabet)
	case len(s) >= 50 && s[0] == 'b':
		return onlyRunes(s[1:], base32Alphabet)
	}
	return false
}

func onlyRunes(s, alphabet string) bool {
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
