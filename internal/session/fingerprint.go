// Package session validates live sessions and detects hijacking through a
// client fingerprint recorded at session start.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// Signals are the environment probes a fingerprint is derived from.
type Signals struct {
	Canvas   string
	Language string
	Platform string
	Screen   string
	Timezone string
	GPU      string
}

func (s Signals) fields() map[string]string {
	return map[string]string{
		"canvas":   s.Canvas,
		"language": s.Language,
		"platform": s.Platform,
		"screen":   s.Screen,
		"timezone": s.Timezone,
		"gpu":      s.GPU,
	}
}

// Generate derives the fingerprint of s. The output does not depend on the
// order probes were collected in.
func Generate(s Signals) string {
	fields := s.fields()
	lines := make([]string, 0, len(fields))
	for name, value := range fields {
		lines = append(lines, name+"="+strings.TrimSpace(value))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// FingerprintSource probes the client environment. There is one
// implementation per client platform.
type FingerprintSource interface {
	Probe(ctx context.Context) (Signals, error)
}

// Client-reported probe headers.
const (
	HeaderCanvas   = "X-Client-Canvas"
	HeaderScreen   = "X-Client-Screen"
	HeaderTimezone = "X-Client-Timezone"
	HeaderGPU      = "X-Client-GPU"
	HeaderPlatform = "Sec-CH-UA-Platform"
)

// HeaderSource reads probes that browser clients send as request headers.
type HeaderSource struct {
	header http.Header
}

// NewHeaderSource captures the probe headers of r.
func NewHeaderSource(r *http.Request) HeaderSource {
	return HeaderSource{header: r.Header.Clone()}
}

// Probe returns the signals carried by the captured headers.
func (s HeaderSource) Probe(ctx context.Context) (Signals, error) {
	platform := strings.Trim(s.header.Get(HeaderPlatform), `"`)
	return Signals{
		Canvas:   s.header.Get(HeaderCanvas),
		Language: s.header.Get("Accept-Language"),
		Platform: platform,
		Screen:   s.header.Get(HeaderScreen),
		Timezone: s.header.Get(HeaderTimezone),
		GPU:      s.header.Get(HeaderGPU),
	}, nil
}

// StaticSource returns fixed signals; used by non-browser clients and tests.
type StaticSource Signals

// Probe returns the static signals.
func (s StaticSource) Probe(ctx context.Context) (Signals, error) {
	return Signals(s), nil
}
