package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/source"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ServiceConfig describes one remote HTTP service
type ServiceConfig struct {
	BaseURL       string
	Resource      string // Path segment under the workspace, e.g. "wfs"
	Timeout       time.Duration
	RatePerSecond float64 // 0 disables limiting
	Burst         int
}

// ServiceSource mirrors a publication descriptor into a remote service
// with PUT and removes it with DELETE.
type ServiceSource struct {
	name     source.Name
	base     string
	resource string
	client   *http.Client
	limiter  *rate.Limiter
	needed   source.Predicate
}

var (
	_ source.Source  = (*ServiceSource)(nil)
	_ source.Remover = (*ServiceSource)(nil)
)

// NewServiceSource validates the base URL and builds the HTTP client
func NewServiceSource(name source.Name, cfg ServiceConfig, needed source.Predicate) (*ServiceSource, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s: invalid service url %q", name, cfg.BaseURL)
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("%s: resource is required", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if needed == nil {
		needed = source.Always
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &ServiceSource{
		name:     name,
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		resource: cfg.Resource,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		needed:   needed,
	}, nil
}

func (s *ServiceSource) Name() source.Name { return s.name }

func (s *ServiceSource) Needed(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error) {
	return s.needed(ctx, pub, opts)
}

func (s *ServiceSource) url(pub publication.Publication) string {
	return fmt.Sprintf("%s/workspaces/%s/%s/%ss/%s",
		s.base,
		url.PathEscape(pub.Workspace),
		url.PathEscape(s.resource),
		url.PathEscape(string(pub.Type)),
		url.PathEscape(pub.Name))
}

func (s *ServiceSource) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// current returns the stored descriptor, nil when the service has none
func (s *ServiceSource) current(ctx context.Context, pub publication.Publication) ([]byte, error) {
	status, body, err := s.do(ctx, http.MethodGet, s.url(pub), nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, nil
	case status >= 200 && status < 300:
		return body, nil
	}
	return nil, fmt.Errorf("GET %s: unexpected status %d", s.url(pub), status)
}

func (s *ServiceSource) put(ctx context.Context, pub publication.Publication, body []byte) error {
	status, _, err := s.do(ctx, http.MethodPut, s.url(pub), body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("PUT %s: unexpected status %d", s.url(pub), status)
	}
	return nil
}

// Refresh replaces the remote descriptor. On cancellation the previous
// descriptor is restored, or the new one deleted if there was none.
func (s *ServiceSource) Refresh(ctx context.Context, pub publication.Publication, opts publication.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := Describe(pub, opts).encode()
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}

	prev, err := s.current(ctx, pub)
	if err == nil {
		err = s.put(ctx, pub, body)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.undo(context.WithoutCancel(ctx), pub, prev)
		return fmt.Errorf("%s: %w", s.name, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

func (s *ServiceSource) undo(ctx context.Context, pub publication.Publication, prev []byte) {
	var err error
	if prev != nil {
		err = s.put(ctx, pub, prev)
	} else {
		err = s.Remove(ctx, pub)
	}
	if err != nil {
		log.Warn().Err(err).Str("source", s.name).Str("publication", pub.Key()).Msg("Failed to undo service refresh")
	}
}

// Remove deletes the remote descriptor; a missing one is not an error
func (s *ServiceSource) Remove(ctx context.Context, pub publication.Publication) error {
	status, _, err := s.do(ctx, http.MethodDelete, s.url(pub), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if status == http.StatusNotFound || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("%s: DELETE %s: unexpected status %d", s.name, s.url(pub), status)
}
