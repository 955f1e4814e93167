package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/ledgerlens/internal/templates"
)

const inlineSourceName = "inline-config"

// GatewayBundle captures the merged gateway list after loading every
// configured source. Endpoint order is the resolution priority.
type GatewayBundle struct {
	Endpoints []GatewayEndpointConfig
	Sources   []string
	Skipped   []DefinitionSkip
}

type gatewayDocument struct {
	Endpoints []GatewayEndpointConfig `koanf:"endpoints"`
}

type gatewayAggregator struct {
	order   []string
	byName  map[string]GatewayEndpointConfig
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newGatewayAggregator() *gatewayAggregator {
	return &gatewayAggregator{
		byName:  make(map[string]GatewayEndpointConfig),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *gatewayAggregator) addDocument(doc gatewayDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for i, gw := range doc.Endpoints {
		name := strings.TrimSpace(gw.Name)
		if name == "" {
			name = fmt.Sprintf("%s#%d", source, i)
		}
		gw.Name = name
		a.add(gw, source)
	}
}

func (a *gatewayAggregator) add(gw GatewayEndpointConfig, source string) {
	if existing, ok := a.skips[gw.Name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[gw.Name]; ok {
		a.recordSkip(gw.Name, "duplicate definition", prev, source)
		a.remove(gw.Name)
		return
	}
	a.origins[gw.Name] = source
	a.byName[gw.Name] = gw
	a.order = append(a.order, gw.Name)
}

func (a *gatewayAggregator) remove(name string) {
	delete(a.origins, name)
	delete(a.byName, name)
	a.order = slices.DeleteFunc(a.order, func(n string) bool { return n == name })
}

func (a *gatewayAggregator) recordSkip(name, reason string, sources ...string) {
	skip, ok := a.skips[name]
	if !ok {
		skip = &DefinitionSkip{Kind: "gateway", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	}
	if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

// validateTemplates quarantines endpoints whose URL template does not parse so
// a single typo cannot take the whole gateway list down.
func (a *gatewayAggregator) validateTemplates(renderer *templates.Renderer) {
	for _, name := range slices.Clone(a.order) {
		gw := a.byName[name]
		tmpl, err := renderer.CompileInline(name, gw.Template)
		if err == nil && tmpl != nil {
			continue
		}
		reason := "empty template"
		if err != nil {
			reason = fmt.Sprintf("invalid template: %v", err)
		}
		a.recordSkip(name, reason, a.origins[name])
		a.remove(name)
	}
}

func (a *gatewayAggregator) bundle() GatewayBundle {
	endpoints := make([]GatewayEndpointConfig, 0, len(a.order))
	for _, name := range a.order {
		endpoints = append(endpoints, a.byName[name])
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return GatewayBundle{Endpoints: endpoints, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// buildGatewayBundle merges inline endpoints ahead of the gateways file so the
// inline list keeps the highest priority.
func buildGatewayBundle(ctx context.Context, inline []GatewayEndpointConfig, path string) (GatewayBundle, error) {
	agg := newGatewayAggregator()
	if len(inline) > 0 {
		agg.addDocument(gatewayDocument{Endpoints: inline}, inlineSourceName)
	}
	if path != "" {
		select {
		case <-ctx.Done():
			return GatewayBundle{}, ctx.Err()
		default:
		}
		if err := ensureFileExists(path); err != nil {
			return GatewayBundle{}, err
		}
		doc, err := loadGatewayDocument(path)
		if err != nil {
			return GatewayBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	agg.validateTemplates(templates.NewRenderer())
	return agg.bundle(), nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: gateways file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: gateways file %s: expected a file, found directory", path)
	}
	return nil
}

func loadGatewayDocument(path string) (gatewayDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return gatewayDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return gatewayDocument{}, fmt.Errorf("config: load gateways from %s: %w", path, err)
	}
	var doc gatewayDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return gatewayDocument{}, fmt.Errorf("config: decode gateways from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported gateways file extension %s", ext)
	}
}

func cloneGateways(in []GatewayEndpointConfig) []GatewayEndpointConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]GatewayEndpointConfig, len(in))
	for i, gw := range in {
		gw.Schemes = slices.Clone(gw.Schemes)
		out[i] = gw
	}
	return out
}
