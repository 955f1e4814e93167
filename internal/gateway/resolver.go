package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/templates"
)

// ErrExhausted is returned when a candidate index is past the end of the list.
var ErrExhausted = errors.New("gateway: candidates exhausted")

// DirectGateway names the candidate that fetches an http(s) identifier as is.
const DirectGateway = "direct"

// Endpoint is one mirror gateway. Its position in the configured list is its
// priority.
type Endpoint struct {
	Name string
	// Template renders a URL from .Hash, .Path, .Scheme and .Raw.
	Template string
	// Schemes lists the hash schemes the gateway serves. Empty means ipfs.
	Schemes []string
}

// Candidate is one fetchable location for an identifier.
type Candidate struct {
	Index   int
	URL     string
	Gateway string
	// Probe asks the caller to confirm existence with a HEAD request before
	// fetching.
	Probe bool
}

// Options configures a Resolver.
type Options struct {
	Endpoints []Endpoint
	Renderer  *templates.Renderer
	// ProbeDirect marks direct URL candidates for a HEAD probe.
	ProbeDirect bool
	Logger      *slog.Logger
}

type compiledEndpoint struct {
	name    string
	tmpl    *templates.Template
	schemes []string
}

// Resolver maps identifiers to ranked candidates. It never reorders its
// endpoints; a configuration change builds a new Resolver.
type Resolver struct {
	endpoints   []compiledEndpoint
	probeDirect bool
	logger      *slog.Logger
}

type templateData struct {
	Hash   string
	Path   string
	Scheme string
	Raw    string
}

// NewResolver compiles every endpoint template.
func NewResolver(opts Options) (*Resolver, error) {
	renderer := opts.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	compiled := make([]compiledEndpoint, 0, len(opts.Endpoints))
	for i, ep := range opts.Endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			name = fmt.Sprintf("gateway-%d", i)
		}
		tmpl, err := renderer.CompileInline(name, ep.Template)
		if err != nil {
			return nil, fmt.Errorf("gateway: endpoint %s: %w", name, err)
		}
		if tmpl == nil {
			return nil, fmt.Errorf("gateway: endpoint %s: template required", name)
		}
		schemes := make([]string, 0, len(ep.Schemes))
		for _, s := range ep.Schemes {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				schemes = append(schemes, s)
			}
		}
		if len(schemes) == 0 {
			schemes = []string{SchemeIPFS}
		}
		compiled = append(compiled, compiledEndpoint{name: name, tmpl: tmpl, schemes: schemes})
	}
	return &Resolver{
		endpoints:   compiled,
		probeDirect: opts.ProbeDirect,
		logger:      logger.With(slog.String("agent", "gateway")),
	}, nil
}

// Endpoints returns the gateway names in priority order.
func (r *Resolver) Endpoints() []string {
	names := make([]string, len(r.endpoints))
	for i, ep := range r.endpoints {
		names[i] = ep.name
	}
	return names
}

// Candidates lists every location for id in priority order: the direct URL
// first when id is an http(s) URL, then each mirror serving id's scheme.
func (r *Resolver) Candidates(id Identifier) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]struct{})
	add := func(c Candidate) {
		if _, dup := seen[c.URL]; dup {
			return
		}
		seen[c.URL] = struct{}{}
		c.Index = len(out)
		out = append(out, c)
	}

	if id.URL != "" {
		add(Candidate{URL: id.URL, Gateway: DirectGateway, Probe: r.probeDirect})
	}
	if id.HasHash() {
		data := templateData{Hash: id.Hash, Path: id.Path, Scheme: id.Scheme, Raw: id.Raw}
		for _, ep := range r.endpoints {
			if !slices.Contains(ep.schemes, id.Scheme) {
				continue
			}
			rendered, err := ep.tmpl.Render(data)
			if err != nil {
				r.logger.Warn("gateway template failed", slog.String("gateway", ep.name), slog.Any("error", err))
				continue
			}
			rendered = strings.TrimSpace(rendered)
			if !isFetchableURL(rendered) {
				r.logger.Warn("gateway template rendered unusable url", slog.String("gateway", ep.name), slog.String("url", rendered))
				continue
			}
			add(Candidate{URL: rendered, Gateway: ep.name})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no gateway serves %q", ErrMalformedIdentifier, id.Raw)
	}
	return out, nil
}

// Resolve returns the highest priority candidate.
func (r *Resolver) Resolve(id Identifier) (Candidate, error) {
	return r.NextCandidate(id, 0)
}

// NextCandidate returns the candidate at index, or ErrExhausted.
func (r *Resolver) NextCandidate(id Identifier, index int) (Candidate, error) {
	candidates, err := r.Candidates(id)
	if err != nil {
		return Candidate{}, err
	}
	if index < 0 || index >= len(candidates) {
		return Candidate{}, ErrExhausted
	}
	return candidates[index], nil
}

// Cursor walks the candidates of one identifier in order.
func (r *Resolver) Cursor(id Identifier) (*Cursor, error) {
	candidates, err := r.Candidates(id)
	if err != nil {
		return nil, err
	}
	return &Cursor{candidates: candidates}, nil
}

func isFetchableURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Cursor is the fallback state machine for a single resolution: each call to
// Next advances to the following candidate until the list is exhausted.
// A Cursor is not safe for concurrent use.
type Cursor struct {
	candidates []Candidate
	next       int
}

// Next returns the following candidate, or false once exhausted.
func (c *Cursor) Next() (Candidate, bool) {
	if c.next >= len(c.candidates) {
		return Candidate{}, false
	}
	cand := c.candidates[c.next]
	c.next++
	return cand, true
}

// Exhausted reports whether every candidate has been handed out.
func (c *Cursor) Exhausted() bool { return c.next >= len(c.candidates) }

// Attempts reports how many candidates have been handed out.
func (c *Cursor) Attempts() int { return c.next }

// Len is the total number of candidates.
func (c *Cursor) Len() int { return len(c.candidates) }
