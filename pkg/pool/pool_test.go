package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/r9s-ai/reqpool/pkg/httpclient"
	"github.com/r9s-ai/reqpool/pkg/httpclient/httpclienttest"
	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/request"
)

func get(url, value string, path ...request.Argument) request.Definition {
	return request.Definition{Method: request.MethodGet, URL: url, Path: path, Value: jsonutil.ParsePath(value)}
}

func newTestPool(t *testing.T, defs map[string]request.Definition, replies map[string]httpclienttest.Reply) (*Pool, *httpclienttest.FakeDoer) {
	t.Helper()
	doer := httpclienttest.NewFakeDoer(t, replies)
	p, err := New(defs, Options{Transport: NewHTTPTransport(doer, nil), Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return p, doer
}

func TestResolve_TwiceDispatchesOnce(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{"user": get("http://h/user", "name")},
		map[string]httpclienttest.Reply{"http://h/user": {Body: `{"name":"ada"}`}},
	)
	ctx := context.Background()

	v1, err := p.Resolve(ctx, "user")
	require.NoError(t, err)
	v2, err := p.Resolve(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, "ada", v1)
	require.Equal(t, v1, v2)
	require.Equal(t, 1, doer.Count("http://h/user"))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.memoHits))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dispatches.WithLabelValues("GET", "ok")))
}

func TestResolve_SharedURLAcrossNames(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{
			"first":  get("http://h/item", "a"),
			"second": get("http://h", "b", request.Const("item")),
		},
		map[string]httpclienttest.Reply{"http://h/item": {Body: `{"a":1,"b":2}`}},
	)
	ctx := context.Background()

	a, err := p.Resolve(ctx, "first")
	require.NoError(t, err)
	b, err := p.Resolve(ctx, "second")
	require.NoError(t, err)
	require.Equal(t, json.Number("1"), a)
	require.Equal(t, json.Number("2"), b)
	require.Equal(t, 1, doer.Count("http://h/item"))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.cacheHits))
}

func TestResolve_IdentityExtraction(t *testing.T) {
	p, _ := newTestPool(t,
		map[string]request.Definition{"all": get("http://h/all", "")},
		map[string]httpclienttest.Reply{"http://h/all": {Body: `{"a":[1,"x"],"b":null}`}},
	)
	v, err := p.Resolve(context.Background(), "all")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": []any{json.Number("1"), "x"}, "b": nil}, v)
}

func TestResolve_ValuePath(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{
			"hit":  get("http://h/data", "a.b.1"),
			"miss": get("http://h/data", "a.b.9"),
		},
		map[string]httpclienttest.Reply{"http://h/data": {Body: `{"a":{"b":[10,20,30]}}`}},
	)
	ctx := context.Background()

	v, err := p.Resolve(ctx, "hit")
	require.NoError(t, err)
	require.Equal(t, json.Number("20"), v)

	_, err = p.Resolve(ctx, "miss")
	require.ErrorIs(t, err, ErrKeyNotFound)
	var knf *jsonutil.KeyNotFoundError
	require.True(t, errors.As(err, &knf))
	require.Equal(t, jsonutil.Index(9), knf.Selector)

	_, err = p.Value("miss")
	require.ErrorIs(t, err, ErrValueNotFound)
	require.Equal(t, 1, doer.Count("http://h/data"))
}

func TestEvaluate_Render(t *testing.T) {
	p, _ := newTestPool(t, nil, nil)
	p.SetValue("answer", json.Number("42"))
	ctx := context.Background()

	cases := []struct {
		arg  request.Argument
		want string
	}{
		{arg: request.Const("x"), want: "x"},
		{arg: request.Const(2), want: "2"},
		{arg: request.Const(map[string]any{"k": []any{true}}), want: `{"k":[true]}`},
		{arg: request.Ref("answer"), want: "42"},
	}
	for _, tc := range cases {
		got, err := p.Evaluate(ctx, tc.arg)
		require.NoError(t, err, tc.arg.String())
		require.Equal(t, tc.want, got, tc.arg.String())
	}

	_, err := p.Evaluate(ctx, request.Argument{})
	require.ErrorIs(t, err, ErrURLBuild)
	_, err = p.Evaluate(ctx, request.Const(make(chan int)))
	require.ErrorIs(t, err, ErrURLBuild)
}

func TestClearResolved_ReusesCachedResponse(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{"n": get("http://h/n", "v")},
		map[string]httpclienttest.Reply{"http://h/n": {Body: `{"v":"one"}`}},
	)
	ctx := context.Background()

	_, err := p.Resolve(ctx, "n")
	require.NoError(t, err)
	p.ClearResolved()
	_, err = p.Value("n")
	require.ErrorIs(t, err, ErrValueNotFound)

	v, err := p.Resolve(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, "one", v)
	require.Equal(t, 1, doer.Count("http://h/n"))
}

func TestClearCache_ForcesNewDispatch(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{"n": get("http://h/n", "v")},
		map[string]httpclienttest.Reply{"http://h/n": {Body: `{"v":"one"}`}},
	)
	ctx := context.Background()

	_, err := p.Resolve(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, 1, p.CachedResponses())

	// the memo still answers until it is cleared as well
	p.ClearCache()
	require.Equal(t, 0, p.CachedResponses())
	_, err = p.Resolve(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, 1, doer.Count("http://h/n"))

	p.ClearResolved()
	doer.Set("http://h/n", httpclienttest.Reply{Body: `{"v":"two"}`})
	v, err := p.Resolve(ctx, "n")
	require.NoError(t, err)
	require.Equal(t, "two", v)
	require.Equal(t, 2, doer.Count("http://h/n"))
}

func TestResolve_Undefined(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{"uses": get("http://h", "", request.Ref("missing"))},
		nil,
	)
	ctx := context.Background()

	_, err := p.Resolve(ctx, "missing")
	require.ErrorIs(t, err, ErrUndefinedRequest)
	require.Contains(t, err.Error(), `"missing"`)

	_, err = p.Resolve(ctx, "uses")
	require.ErrorIs(t, err, ErrUndefinedRequest)
	require.Empty(t, doer.Requests())

	p.SetValue("missing", "seeded")
	v, err := p.Resolve(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, "seeded", v)
}

func TestURL_PathAndQuerySubstitution(t *testing.T) {
	defs := map[string]request.Definition{
		"id": get("http://h/id", "id"),
		"target": {
			Method: request.MethodGet,
			URL:    "http://h/api",
			Path:   []request.Argument{request.Const("v1"), request.Ref("id")},
			Params: map[string]request.Argument{"q": request.Const("x")},
			Value:  jsonutil.ParsePath("ok"),
		},
	}
	p, doer := newTestPool(t, defs, map[string]httpclienttest.Reply{
		"http://h/id":           {Body: `{"id":"42"}`},
		"http://h/api/v1/42?q=x": {Body: `{"ok":true}`},
	})
	ctx := context.Background()

	u, err := p.URL(ctx, "target")
	require.NoError(t, err)
	require.Equal(t, "http://h/api/v1/42?q=x", u)
	require.Equal(t, 0, doer.Count(u))

	v, err := p.Resolve(ctx, "target")
	require.NoError(t, err)
	require.Equal(t, true, v)
	require.Equal(t, 1, doer.Count("http://h/id"))
	require.Equal(t, 1, doer.Count(u))
}

func TestJoinURL(t *testing.T) {
	cases := []struct {
		template string
		segments []string
		keys     []string
		values   []string
		want     string
	}{
		{template: "http://h/api", segments: []string{"v1", "2"}, want: "http://h/api/v1/2"},
		{template: "http://h/api/", segments: []string{"v1"}, want: "http://h/api//v1"},
		{template: "http://h/api/", want: "http://h/api/"},
		{template: "http://h/x", segments: []string{"a b/c"}, want: "http://h/x/a%20b%2Fc"},
		{template: "http://h/api?fixed=1", keys: []string{"b"}, values: []string{"2"}, want: "http://h/api?b=2&fixed=1"},
		{template: "http://h/api?b=old", keys: []string{"b"}, values: []string{"new"}, want: "http://h/api?b=new"},
		{template: "http://h/s", keys: []string{"a", "q"}, values: []string{"x y", "&"}, want: "http://h/s?a=x+y&q=%26"},
	}
	for _, tc := range cases {
		got, err := joinURL(tc.template, tc.segments, tc.keys, tc.values)
		require.NoError(t, err, tc.template)
		require.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"not-absolute", "/relative/path", "http://h/\x7f", "http://[::1"} {
		_, err := joinURL(bad, nil, nil, nil)
		require.ErrorIs(t, err, ErrURLBuild, bad)
	}
}

func TestResolve_CycleDetected(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{
			"a":    get("http://h/a", "", request.Ref("b")),
			"b":    get("http://h/b", "", request.Ref("a")),
			"self": get("http://h/self", "", request.Ref("self")),
		},
		nil,
	)
	ctx := context.Background()

	_, err := p.Resolve(ctx, "a")
	require.ErrorIs(t, err, ErrCycleDetected)
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	require.Equal(t, []string{"a", "b", "a"}, cycle.Chain)

	_, err = p.Resolve(ctx, "self")
	require.ErrorIs(t, err, ErrCycleDetected)
	require.Empty(t, doer.Requests())
	require.Empty(t, p.Resolved())
}

func TestResolve_CycleBehindDependency(t *testing.T) {
	p, doer := newTestPool(t,
		map[string]request.Definition{
			"top": get("http://h/top", "", request.Ref("a")),
			"a":   get("http://h/a", "", request.Ref("b")),
			"b":   get("http://h/b", "", request.Ref("a")),
		},
		map[string]httpclienttest.Reply{"http://h/a/x": {Body: `1`}, "http://h/top/1": {Body: `"done"`}},
	)
	ctx := context.Background()

	_, err := p.Resolve(ctx, "top")
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	require.Equal(t, "a", cycle.Name)
	require.Equal(t, []string{"top", "a", "b", "a"}, cycle.Chain)

	_, err = p.URL(ctx, "top")
	require.ErrorIs(t, err, ErrCycleDetected)
	require.Empty(t, doer.Requests())

	// a seeded value cuts the loop
	p.SetValue("b", "x")
	v, err := p.Resolve(ctx, "top")
	require.NoError(t, err)
	require.Equal(t, "done", v)
}

func TestResolve_CycleAcrossGoroutines(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	p, err := New(map[string]request.Definition{
		"slowA": get(srv.URL+"/a", "v"),
		"slowB": get(srv.URL+"/b", "v"),
		"a":     get(srv.URL, "", request.Ref("slowA"), request.Ref("b")),
		"b":     get(srv.URL, "", request.Ref("slowB"), request.Ref("a")),
	}, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	errs := make(chan error, 2)
	for _, name := range []string{"a", "b"} {
		go func() {
			_, err := p.Resolve(ctx, name)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrCycleDetected)
		case <-time.After(3 * time.Second):
			t.Fatal("concurrent resolution of cyclic definitions did not return")
		}
	}
	require.Zero(t, hits.Load())
}

func TestResolve_CanceledCallerLeavesSharedFlight(t *testing.T) {
	var hits atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`{"v":3}`))
	}))
	defer srv.Close()

	p, err := New(map[string]request.Definition{"n": get(srv.URL+"/n", "v")}, Options{})
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Resolve(firstCtx, "n")
		firstErr <- err
	}()
	<-entered

	type result struct {
		v   any
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := p.Resolve(context.Background(), "n")
		second <- result{v: v, err: err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	err = <-firstErr
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrNetwork)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, json.Number("3"), res.v)
	require.Equal(t, int32(1), hits.Load())

	v, err := p.Value("n")
	require.NoError(t, err)
	require.Equal(t, json.Number("3"), v)
}

func TestClearResolved_RestoresSeeds(t *testing.T) {
	seeds := map[string]any{"id": 42}
	doer := httpclienttest.NewFakeDoer(t, map[string]httpclienttest.Reply{"http://h/u/42": {Body: `{"name":"ada"}`}})
	p, err := New(
		map[string]request.Definition{"user": get("http://h/u", "name", request.Ref("id"))},
		Options{Transport: NewHTTPTransport(doer, nil), Seeds: seeds},
	)
	require.NoError(t, err)
	seeds["id"] = 7
	ctx := context.Background()

	p.SetValue("extra", true)
	_, err = p.Resolve(ctx, "user")
	require.NoError(t, err)

	p.ClearResolved()
	v, err := p.Value("id")
	require.NoError(t, err)
	require.Equal(t, 42, v)
	_, err = p.Value("extra")
	require.ErrorIs(t, err, ErrValueNotFound)
	_, err = p.Value("user")
	require.ErrorIs(t, err, ErrValueNotFound)

	v, err = p.Resolve(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, "ada", v)
	require.Equal(t, 1, doer.Count("http://h/u/42"))
}

func TestResolve_FailuresAreNotMemoized(t *testing.T) {
	defs := map[string]request.Definition{
		"ok":   get("http://h/ok", "v"),
		"bad":  get("http://h/bad", "v"),
		"both": get("http://h/both", "", request.Ref("ok"), request.Ref("bad")),
	}
	p, doer := newTestPool(t, defs, map[string]httpclienttest.Reply{
		"http://h/ok":  {Body: `{"v":"a"}`},
		"http://h/bad": {Status: http.StatusServiceUnavailable, Body: `down`},
	})
	ctx := context.Background()

	_, err := p.Resolve(ctx, "both")
	require.ErrorIs(t, err, ErrNetwork)
	var status *StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusServiceUnavailable, status.Status)
	require.Equal(t, "down", status.Body)

	v, err := p.Value("ok")
	require.NoError(t, err)
	require.Equal(t, "a", v)
	_, err = p.Value("bad")
	require.ErrorIs(t, err, ErrValueNotFound)
	_, err = p.Value("both")
	require.ErrorIs(t, err, ErrValueNotFound)

	doer.Set("http://h/bad", httpclienttest.Reply{Body: `{"v":"b"}`})
	doer.Set("http://h/both/a/b", httpclienttest.Reply{Body: `[1]`})
	v, err = p.Resolve(ctx, "both")
	require.NoError(t, err)
	require.Equal(t, []any{json.Number("1")}, v)
	require.Equal(t, 1, doer.Count("http://h/ok"))
	require.Equal(t, 2, doer.Count("http://h/bad"))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.dispatches.WithLabelValues("GET", "network")))
}

func TestResolve_JSONDecodeError(t *testing.T) {
	p, _ := newTestPool(t,
		map[string]request.Definition{"html": get("http://h/page", "")},
		map[string]httpclienttest.Reply{"http://h/page": {Body: `<html></html>`}},
	)
	_, err := p.Resolve(context.Background(), "html")
	require.ErrorIs(t, err, ErrJSONDecode)
	require.False(t, errors.Is(err, ErrNetwork))
	require.Equal(t, 0, p.CachedResponses())
}

func TestResolve_PostMethodAndHeaders(t *testing.T) {
	doer := httpclienttest.NewFakeDoer(t, map[string]httpclienttest.Reply{
		"http://h/login?user=u": {Body: `{"token":"t"}`},
	})
	header := http.Header{"User-Agent": []string{"reqpool-test"}}
	p, err := New(map[string]request.Definition{
		"login": {
			Method: request.MethodPost,
			URL:    "http://h/login",
			Params: map[string]request.Argument{"user": request.Const("u")},
			Value:  jsonutil.ParsePath("token"),
		},
	}, Options{Transport: NewHTTPTransport(doer, header)})
	require.NoError(t, err)

	v, err := p.Resolve(context.Background(), "login")
	require.NoError(t, err)
	require.Equal(t, "t", v)

	reqs := doer.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodPost, reqs[0].Method)
	require.Equal(t, "reqpool-test", reqs[0].Header.Get("User-Agent"))
	require.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
}

func TestResolve_ConcurrentCallersShareOneDispatch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"v":7}`))
	}))
	defer srv.Close()

	p, err := New(map[string]request.Definition{
		"slow":  get(srv.URL+"/slow", "v"),
		"alias": get(srv.URL, "v", request.Const("slow")),
	}, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		name := "slow"
		if i%2 == 1 {
			name = "alias"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Resolve(ctx, name)
			if err == nil && v != json.Number("7") {
				err = errors.Errorf("%s=%v", name, v)
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), hits.Load())
}

func TestResolve_CookiesCarryAcrossCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
			_, _ = w.Write([]byte(`{"user":"ada"}`))
		case "/profile/ada":
			c, err := r.Cookie("sid")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"session":"` + c.Value + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := New(map[string]request.Definition{
		"login":   get(srv.URL+"/login", "user"),
		"profile": get(srv.URL+"/profile", "session", request.Ref("login")),
	}, Options{})
	require.NoError(t, err)

	v, err := p.Resolve(context.Background(), "profile")
	require.NoError(t, err)
	require.Equal(t, "s1", v)
}

func TestNew_TransportInitError(t *testing.T) {
	_, err := New(nil, Options{HTTP: httpclient.Options{Proxy: "::not-a-proxy"}})
	require.ErrorIs(t, err, ErrTransportInit)
}

func TestNew_CopiesDefinitions(t *testing.T) {
	defs := map[string]request.Definition{"a": get("http://h/a", "")}
	p, _ := newTestPool(t, defs, nil)
	defs["b"] = get("http://h/b", "")
	require.Equal(t, []string{"a"}, p.Names())
	_, ok := p.Definition("b")
	require.False(t, ok)
}

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	doer := httpclienttest.NewFakeDoer(t, nil)
	_, err := New(nil, Options{Transport: NewHTTPTransport(doer, nil), Registerer: reg, Name: "x"})
	require.NoError(t, err)
	_, err = New(nil, Options{Transport: NewHTTPTransport(doer, nil), Registerer: reg, Name: "x"})
	require.NoError(t, err)
}
