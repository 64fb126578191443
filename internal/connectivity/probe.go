package connectivity

import (
	"context"
	"io"
	"net/http"
)

// Probe answers whether the authority is reachable right now.
type Probe interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

// Online implements Probe.
func (f ProbeFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// Static returns a probe that always reports the given state.
func Static(online bool) Probe {
	return ProbeFunc(func(context.Context) bool { return online })
}

// HTTPProbe reports online when a GET of URL returns 2xx.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// Online implements Probe.
func (p HTTPProbe) Online(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
