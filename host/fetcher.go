package host

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// HTTPFetcher sends worker requests to the app origin.
type HTTPFetcher struct {
	originURL  url.URL
	originHost string
	client     *http.Client
}

// NewFetcher creates a fetcher for the origin. If host is set, it is used
// for the Host header and TLS negotiation, e.g. when the origin URL is just
// an IP address.
func NewFetcher(origin url.URL, host string) *HTTPFetcher {
	transport := http.DefaultTransport
	if host != "" {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &HTTPFetcher{
		originURL:  origin,
		originHost: host,
		client: &http.Client{
			Transport: transport,
			// redirects are the browser's business
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch implements vworker.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	if f.originHost != "" {
		req.Host = f.originHost
	}
	for k, vv := range r.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}
