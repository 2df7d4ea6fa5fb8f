package pool

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/request"
)

type chainKey struct{}

// chainFrom returns the names currently being resolved on this call chain.
func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

func withChain(ctx context.Context, chain []string, name string) context.Context {
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, chainKey{}, append(next, name))
}

// Resolve returns the value of name, resolving its dependencies first.
//
// A memoized value is returned as is. Otherwise the path and query arguments
// are evaluated in order, the URL is built, the response is taken from the
// cache or fetched, and the definition's value path is applied. Failures are
// never memoized; dependencies that succeeded stay memoized.
func (p *Pool) Resolve(ctx context.Context, name string) (any, error) {
	if v, ok := p.lookup(name); ok {
		p.metrics.memoHits.Inc()
		p.logger.Debug("memo hit", zap.String("name", name))
		return v, nil
	}
	def, ok := p.defs[name]
	if !ok {
		err := classify(ErrUndefinedRequest, errors.Errorf("%q", name))
		p.metrics.observeFailure(err)
		return nil, err
	}

	chain := chainFrom(ctx)
	if err := p.checkCycle(chain, name); err != nil {
		p.metrics.observeFailure(err)
		return nil, err
	}
	flightCtx := context.WithoutCancel(withChain(ctx, chain, name))

	ch := p.names.DoChan(name, func() (any, error) {
		// a flight for name may have finished between lookup and DoChan
		if v, ok := p.lookup(name); ok {
			return v, nil
		}
		return p.resolveDefinition(flightCtx, name, def)
	})
	return await(ctx, ch)
}

// await waits for a shared flight. The flight itself runs detached from any
// one caller's cancellation; a caller whose ctx ends stops waiting.
func await(ctx context.Context, ch <-chan singleflight.Result) (any, error) {
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, classify(ErrNetwork, ctx.Err())
	}
}

// checkCycle fails when name is already on the caller's chain, or when the
// unresolved references reachable from name loop back on themselves. The
// second check covers chains held by other goroutines.
func (p *Pool) checkCycle(chain []string, name string) error {
	if slices.Contains(chain, name) {
		return &CycleError{Name: name, Chain: append(slices.Clone(chain), name)}
	}
	if loop := p.cycleFrom(name); loop != nil {
		return &CycleError{Name: loop[len(loop)-1], Chain: loop}
	}
	return nil
}

// cycleFrom walks the definitions reachable from name, stopping at memoized
// and undefined names, and returns the first path that re-enters itself.
func (p *Pool) cycleFrom(name string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var path []string
	clean := make(map[string]bool)
	var walk func(n string) []string
	walk = func(n string) []string {
		if slices.Contains(path, n) {
			return append(slices.Clone(path), n)
		}
		if clean[n] {
			return nil
		}
		if _, ok := p.resolved[n]; ok {
			return nil
		}
		def, ok := p.defs[n]
		if !ok {
			return nil
		}
		path = append(path, n)
		for _, ref := range def.Refs() {
			if loop := walk(ref); loop != nil {
				return loop
			}
		}
		path = path[:len(path)-1]
		clean[n] = true
		return nil
	}
	return walk(name)
}

func (p *Pool) resolveDefinition(ctx context.Context, name string, def request.Definition) (any, error) {
	rawURL, err := p.buildURL(ctx, name, def)
	if err != nil {
		return nil, err
	}

	body, err := p.fetch(ctx, def.Method, rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "request %q", name)
	}

	v, err := def.Value.Apply(body)
	if err != nil {
		p.metrics.observeFailure(err)
		return nil, errors.Wrapf(err, "request %q: extract %q", name, def.Value.String())
	}

	p.store(name, v)
	p.logger.Debug("resolved", zap.String("name", name), zap.String("url", rawURL))
	return v, nil
}

// Evaluate renders one argument to the text substituted into a URL.
// Errors from resolving a Ref are returned unchanged.
func (p *Pool) Evaluate(ctx context.Context, arg request.Argument) (string, error) {
	var v any
	switch arg.Kind() {
	case request.KindConst:
		v = arg.Value()
	case request.KindRef:
		resolved, err := p.Resolve(ctx, arg.Name())
		if err != nil {
			return "", err
		}
		v = resolved
	default:
		return "", classify(ErrURLBuild, errors.Errorf("invalid argument %s", arg))
	}

	s, err := jsonutil.Render(v)
	if err != nil {
		return "", classify(ErrURLBuild, errors.Wrapf(err, "render %s", arg))
	}
	return s, nil
}

// URL resolves the dependencies of name and returns the URL its request would
// dispatch, which is also its response cache key. Nothing is fetched for name
// itself.
func (p *Pool) URL(ctx context.Context, name string) (string, error) {
	def, ok := p.defs[name]
	if !ok {
		return "", classify(ErrUndefinedRequest, errors.Errorf("%q", name))
	}
	chain := chainFrom(ctx)
	if err := p.checkCycle(chain, name); err != nil {
		return "", err
	}
	return p.buildURL(withChain(ctx, chain, name), name, def)
}

func (p *Pool) buildURL(ctx context.Context, name string, def request.Definition) (string, error) {
	segments := make([]string, 0, len(def.Path))
	for _, arg := range def.Path {
		s, err := p.Evaluate(ctx, arg)
		if err != nil {
			return "", err
		}
		segments = append(segments, s)
	}

	keys := def.ParamKeys()
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		s, err := p.Evaluate(ctx, def.Params[k])
		if err != nil {
			return "", err
		}
		params = append(params, s)
	}

	rawURL, err := joinURL(def.URL, segments, keys, params)
	if err != nil {
		p.metrics.observeFailure(err)
		return "", errors.Wrapf(err, "request %q", name)
	}
	return rawURL, nil
}

// joinURL appends each escaped segment to template after a '/', even when
// the template already ends with one, and merges the
// parameters into the template's own query. Parameters replace template
// values with the same key; the encoded query is sorted by key.
func joinURL(template string, segments, keys, values []string) (string, error) {
	base, rawQuery, _ := strings.Cut(template, "?")

	var b strings.Builder
	b.WriteString(base)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}

	u, err := url.Parse(b.String())
	if err != nil {
		return "", classify(ErrURLBuild, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", classify(ErrURLBuild, errors.Errorf("url %q is not absolute", template))
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", classify(ErrURLBuild, errors.Wrapf(err, "parse query of %q", template))
	}
	for i, k := range keys {
		query.Set(k, values[i])
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// fetch returns the decoded response for rawURL, dispatching at most once per
// URL until ClearCache or expiry.
func (p *Pool) fetch(ctx context.Context, method request.Method, rawURL string) (any, error) {
	if v, ok := p.responses.Get(rawURL); ok {
		p.metrics.cacheHits.Inc()
		p.logger.Debug("response cache hit", zap.String("url", rawURL))
		return v, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := p.urls.DoChan(rawURL, func() (any, error) {
		if v, ok := p.responses.Get(rawURL); ok {
			return v, nil
		}

		start := time.Now()
		body, err := p.transport.Perform(flightCtx, method, rawURL)
		elapsed := time.Since(start)
		if err != nil && !errors.Is(err, ErrNetwork) && !errors.Is(err, ErrJSONDecode) {
			err = classify(ErrNetwork, err)
		}
		p.metrics.observeDispatch(string(method), err, elapsed)
		if err != nil {
			p.metrics.observeFailure(err)
			p.logger.Debug("dispatch failed",
				zap.String("method", string(method)),
				zap.String("url", rawURL),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return nil, err
		}

		p.responses.Set(rawURL, body, gocache.DefaultExpiration)
		p.logger.Debug("dispatched",
			zap.String("method", string(method)),
			zap.String("url", rawURL),
			zap.Duration("elapsed", elapsed))
		return body, nil
	})
	return await(ctx, ch)
}
