package pool

import (
	"context"
	"io"
	"net/http"

	"github.com/Laisky/errors/v2"

	"github.com/r9s-ai/reqpool/pkg/httpclient"
	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/request"
)

const maxErrorBody = 512

// Transport dispatches one request and returns the decoded JSON body.
// Failures should match ErrNetwork or ErrJSONDecode; anything else is
// reported as ErrNetwork by the pool.
type Transport interface {
	Perform(ctx context.Context, method request.Method, url string) (any, error)
}

// HTTPTransport is the default Transport over an httpclient.HTTPDoer.
// Header is added to every request.
type HTTPTransport struct {
	Doer   httpclient.HTTPDoer
	Header http.Header
}

// NewHTTPTransport wraps doer. header may be nil.
func NewHTTPTransport(doer httpclient.HTTPDoer, header http.Header) *HTTPTransport {
	return &HTTPTransport{Doer: doer, Header: header.Clone()}
}

func (t *HTTPTransport) Perform(ctx context.Context, method request.Method, url string) (any, error) {
	if t == nil || t.Doer == nil {
		return nil, classify(ErrNetwork, errors.New("http transport has no client"))
	}
	req, err := http.NewRequestWithContext(ctx, string(method), url, nil)
	if err != nil {
		return nil, classify(ErrNetwork, errors.Wrapf(err, "new request %s %s", method, url))
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := t.Doer.Do(req)
	if err != nil {
		return nil, classify(ErrNetwork, errors.Wrapf(err, "%s %s", method, url))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ErrNetwork, errors.Wrapf(err, "read response body of %s %s", method, url))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Method: string(method), URL: url, Status: resp.StatusCode, Body: string(snippet)}
	}

	v, err := jsonutil.DecodeBytes(body)
	if err != nil {
		return nil, classify(ErrJSONDecode, errors.Wrapf(err, "%s %s", method, url))
	}
	return v, nil
}

var _ Transport = (*HTTPTransport)(nil)
