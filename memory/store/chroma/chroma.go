// Package chroma implements the remote vector index backend over the
// Chroma REST API.
//
// The client owns two pieces of process-wide protocol state. First, an
// availability circuit: a connection-refused/reset error or any 5xx
// marks the index unavailable, after which every call short-circuits to
// empty results without network I/O. The circuit never re-probes unless
// the owner opts in via WithReprobeAfter. Second, an endpoint-shape
// switch: when the legacy collection-listing path answers 410 Gone the
// client flips, once and permanently, to the tenant/database-scoped
// path pattern and starts attaching the X-Chroma-Tenant and
// X-Chroma-Database headers.
//
// A 404 on a specific resource means "absent"; it is not an error and
// never trips the circuit.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fibzlabs/fibz-memory/retry"
)

const (
	defaultURL     = "http://127.0.0.1:8000"
	defaultPrefix  = "fibz"
	defaultTenant  = "default_tenant"
	defaultDB      = "default_database"
	defaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// ErrUnavailable reports that the availability circuit is open (or a
// collection could not be resolved) and the call was answered from the
// short-circuit path.
var ErrUnavailable = errors.New("chroma: index unavailable")

// StatusError is a non-2xx response from the index.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chroma: %s %s returned status=%d body=%q", e.Method, e.Path, e.Status, e.Body)
}

// HTTPStatus implements retry.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.Status }

// Config holds the connection settings for the remote index.
type Config struct {
	// URL is the base URL of the Chroma service.
	URL string

	// Tenant and Database select the tenant-scoped namespace. Empty
	// values fall back to Chroma's defaults once tenant-scoped paths are
	// in effect.
	Tenant   string
	Database string

	// CollectionPrefix namespaces collection names, e.g. "fibz_messages".
	CollectionPrefix string

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// Retry bounds the per-call retry policy.
	Retry retry.Options
}

// ResolveConfigFromEnv reads CHROMA_URL, CHROMA_TENANT, CHROMA_DATABASE
// and CHROMA_COLLECTION_PREFIX.
func ResolveConfigFromEnv() Config {
	cfg := Config{
		URL:              os.Getenv("CHROMA_URL"),
		Tenant:           os.Getenv("CHROMA_TENANT"),
		Database:         os.Getenv("CHROMA_DATABASE"),
		CollectionPrefix: os.Getenv("CHROMA_COLLECTION_PREFIX"),
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = defaultURL
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = defaultPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

type protocol int

const (
	protocolLegacy protocol = iota
	protocolTenantScoped
)

// Store is the remote Chroma backend. It implements memory.Store and
// memory.Warmer. Data-path methods fail soft: when the index is
// unavailable they return empty results and nil errors. Count is the
// exception and surfaces ErrUnavailable, since it guards the migration
// job.
type Store struct {
	log   *zap.SugaredLogger
	cfg   Config
	httpc *http.Client

	mu            sync.Mutex
	available     bool
	downSince     time.Time
	loggedFailure bool
	proto         protocol
	collections   map[string]string // logical key -> remote id

	reprobeAfter time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpc = c }
}

// WithReprobeAfter allows one probe through the open circuit every d.
// The default (zero) preserves the historical behavior: once the index
// is marked unavailable it stays unavailable for the life of the
// process.
func WithReprobeAfter(d time.Duration) Option {
	return func(s *Store) { s.reprobeAfter = d }
}

// New creates a Store. No network I/O happens until first use.
func New(log *zap.SugaredLogger, cfg Config, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		log:         log.With("service", "ChromaStore"),
		cfg:         cfg.withDefaults(),
		available:   true,
		collections: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpc == nil {
		s.httpc = &http.Client{Timeout: s.cfg.Timeout}
	}
	return s
}

// Available reports whether the circuit is closed.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Close implements memory.Store.
func (s *Store) Close() error { return nil }

func (s *Store) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available {
		return true
	}
	if s.reprobeAfter > 0 && time.Since(s.downSince) >= s.reprobeAfter {
		// One probe per interval; a success closes the circuit again.
		s.downSince = time.Now()
		return true
	}
	return false
}

// do issues one request through the backoff executor. It returns
// notFound=true for a 404. Any terminal failure is classified for the
// circuit and returned; callers decide whether to surface or soften it.
func (s *Store) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	if !s.admit() {
		return false, ErrUnavailable
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("chroma: encode %s %s: %w", method, path, err)
		}
	}

	type reply struct{ notFound bool }
	res, err := retry.Do(ctx, func() (reply, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, body)
		if err != nil {
			return reply{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.scopeHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := s.httpc.Do(req)
		if err != nil {
			return reply{}, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return reply{}, fmt.Errorf("chroma: read %s %s: %w", method, path, err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return reply{notFound: true}, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return reply{}, fmt.Errorf("chroma: decode %s %s: %w", method, path, err)
				}
			}
			return reply{}, nil
		default:
			return reply{}, &StatusError{
				Method: method,
				Path:   path,
				Status: resp.StatusCode,
				Body:   truncateBody(raw),
			}
		}
	}, s.cfg.Retry)

	if err != nil {
		s.fail(method, path, err)
		return false, err
	}
	s.markReachable()
	return res.notFound, nil
}

// fail records a terminal request failure and trips the availability
// circuit for connection-refused/reset errors and 5xx responses. 4xx
// responses (including the 410 protocol signal) leave the circuit
// closed.
func (s *Store) fail(method, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedFailure {
		s.log.Warnw("chroma request failed", "method", method, "path", path, "error", err)
		s.loggedFailure = true
	}
	trip := false
	var se *StatusError
	if errors.As(err, &se) {
		trip = se.Status >= 500
	} else if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		trip = true
	}
	if trip && s.available {
		s.available = false
		s.downSince = time.Now()
	}
}

func (s *Store) markReachable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		s.available = true
		s.loggedFailure = false
		s.log.Infow("chroma index reachable again")
	}
}

// scopeHeaders returns the tenant/database headers. They are attached
// whenever tenant-scoped mode is active (with defaults), or earlier
// when the owner configured explicit values.
func (s *Store) scopeHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	headers := map[string]string{}
	if s.proto == protocolTenantScoped {
		headers["X-Chroma-Tenant"] = s.tenantLocked()
		headers["X-Chroma-Database"] = s.databaseLocked()
		return headers
	}
	if s.cfg.Tenant != "" {
		headers["X-Chroma-Tenant"] = s.cfg.Tenant
	}
	if s.cfg.Database != "" {
		headers["X-Chroma-Database"] = s.cfg.Database
	}
	return headers
}

func (s *Store) tenantLocked() string {
	if s.cfg.Tenant != "" {
		return s.cfg.Tenant
	}
	return defaultTenant
}

func (s *Store) databaseLocked() string {
	if s.cfg.Database != "" {
		return s.cfg.Database
	}
	return defaultDB
}

// collectionsPath reflects the two-state protocol machine: legacy until
// a 410 on the listing path, tenant-scoped forever after.
func (s *Store) collectionsPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == protocolTenantScoped {
		return fmt.Sprintf("/api/v1/tenants/%s/databases/%s/collections", s.tenantLocked(), s.databaseLocked())
	}
	return "/api/v1/collections"
}

func (s *Store) switchToTenantScoped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == protocolTenantScoped {
		return
	}
	s.proto = protocolTenantScoped
	s.log.Infow("legacy collections endpoint gone, switching to tenant-scoped paths",
		"tenant", s.tenantLocked(), "database", s.databaseLocked())
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBody {
		return string(raw)
	}
	return string(raw[:maxErrorBody]) + "..."
}
