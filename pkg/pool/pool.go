package pool

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/r9s-ai/reqpool/pkg/httpclient"
	"github.com/r9s-ai/reqpool/pkg/request"
)

// Options configures New. The zero value builds a cookie-persistent HTTP
// transport, keeps responses for the pool's lifetime and logs nothing.
type Options struct {
	// Transport overrides the HTTP transport built from HTTP and Header.
	Transport Transport
	HTTP      httpclient.Options
	Header    http.Header

	// ResponseTTL bounds how long a fetched response is reused. Zero keeps
	// responses until ClearCache.
	ResponseTTL time.Duration

	// Seeds are memoized at construction and restored by ClearResolved.
	Seeds map[string]any

	Logger Logger
	// Registerer receives the pool metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Name labels the metrics of this pool.
	Name string
}

// Pool owns a fixed set of request definitions, the memo table of resolved
// values and the response cache. It is safe for concurrent use.
type Pool struct {
	defs      map[string]request.Definition
	transport Transport
	logger    Logger
	metrics   *metrics

	mu       sync.RWMutex
	resolved map[string]any
	seeds    map[string]any

	responses *gocache.Cache
	names     singleflight.Group
	urls      singleflight.Group
}

// New builds a pool over defs. The definitions are copied and never change
// afterwards.
func New(defs map[string]request.Definition, opts Options) (*Pool, error) {
	transport := opts.Transport
	if transport == nil {
		client, err := httpclient.New(opts.HTTP)
		if err != nil {
			return nil, classify(ErrTransportInit, err)
		}
		transport = NewHTTPTransport(client, opts.Header)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	name := opts.Name
	if name == "" {
		name = "default"
	}
	m, err := newMetrics(opts.Registerer, name)
	if err != nil {
		return nil, err
	}

	ttl := opts.ResponseTTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}

	copied := make(map[string]request.Definition, len(defs))
	for k, d := range defs {
		copied[k] = d.Clone()
	}
	seeds := copyValues(opts.Seeds)

	return &Pool{
		defs:      copied,
		transport: transport,
		logger:    logger,
		metrics:   m,
		resolved:  copyValues(seeds),
		seeds:     seeds,
		responses: gocache.New(ttl, cleanupInterval(ttl)),
	}, nil
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl == gocache.NoExpiration {
		return 0
	}
	return ttl
}

// SetValue seeds or overwrites the memoized value for name. Seeded names need
// no definition and win over one until ClearResolved, which drops the value
// or puts back the one from Options.Seeds.
func (p *Pool) SetValue(name string, v any) {
	p.mu.Lock()
	p.resolved[name] = v
	p.mu.Unlock()
}

// Value returns the memoized value for name without resolving it.
func (p *Pool) Value(name string) (any, error) {
	if v, ok := p.lookup(name); ok {
		return v, nil
	}
	return nil, classify(ErrValueNotFound, errors.Errorf("%q", name))
}

// ClearResolved drops every memoized value and restores Options.Seeds.
func (p *Pool) ClearResolved() {
	p.mu.Lock()
	p.resolved = copyValues(p.seeds)
	p.mu.Unlock()
}

// ClearCache drops every cached response.
func (p *Pool) ClearCache() {
	p.responses.Flush()
}

// Names returns the defined request names in lexicographic order.
func (p *Pool) Names() []string {
	out := make([]string, 0, len(p.defs))
	for k := range p.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Definition returns a copy of the definition registered for name.
func (p *Pool) Definition(name string) (request.Definition, bool) {
	d, ok := p.defs[name]
	if !ok {
		return request.Definition{}, false
	}
	return d.Clone(), true
}

// Resolved returns a snapshot of the memo table.
func (p *Pool) Resolved() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyValues(p.resolved)
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CachedResponses reports how many responses are currently cached.
func (p *Pool) CachedResponses() int {
	return p.responses.ItemCount()
}

func (p *Pool) lookup(name string) (any, bool) {
	p.mu.RLock()
	v, ok := p.resolved[name]
	p.mu.RUnlock()
	return v, ok
}

func (p *Pool) store(name string, v any) {
	p.mu.Lock()
	p.resolved[name] = v
	p.mu.Unlock()
}
