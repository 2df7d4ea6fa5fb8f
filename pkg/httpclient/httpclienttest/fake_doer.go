package httpclienttest

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/Laisky/errors/v2"

	"github.com/r9s-ai/reqpool/pkg/httpclient"
)

// Reply is a canned answer for one URL.
type Reply struct {
	Status int
	Body   string
	Header http.Header
}

// FakeDoer implements httpclient.HTTPDoer so callers can run tests without
// making outbound HTTP requests. Replies are keyed by the full request URL and
// may be served any number of times. It is safe for concurrent use.
type FakeDoer struct {
	t        testing.TB
	mu       sync.Mutex
	replies  map[string]Reply
	requests []*http.Request
	counts   map[string]int
}

// NewFakeDoer returns a FakeDoer seeded with replies by URL.
func NewFakeDoer(t testing.TB, replies map[string]Reply) *FakeDoer {
	f := &FakeDoer{
		t:       t,
		replies: make(map[string]Reply, len(replies)),
		counts:  make(map[string]int),
	}
	for u, r := range replies {
		f.replies[u] = r
	}
	return f
}

// Set adds or replaces the reply for u.
func (f *FakeDoer) Set(u string, r Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[u] = r
}

// Do records the request and returns the reply registered for its URL.
// An unknown URL fails the test and returns an error.
func (f *FakeDoer) Do(req *http.Request) (*http.Response, error) {
	u := req.URL.String()

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.counts[u]++
	r, ok := f.replies[u]
	f.mu.Unlock()

	if !ok {
		f.t.Errorf("fake http client has no reply for request %s %s", req.Method, u)
		return nil, errors.Errorf("no reply for %s", u)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp := NewStringResponse(status, r.Body)
	for k, vs := range r.Header {
		resp.Header[k] = append([]string(nil), vs...)
	}
	resp.Request = req
	return resp, nil
}

// Requests returns the HTTP requests captured so far.
func (f *FakeDoer) Requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

// Count reports how many times u was requested.
func (f *FakeDoer) Count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[u]
}

// NewStringResponse builds a minimal http.Response with the provided status
// code and body string.
func NewStringResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

var _ httpclient.HTTPDoer = (*FakeDoer)(nil)
