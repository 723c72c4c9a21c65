package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ModelsTimeout  = 15 * time.Second
	BillingTimeout = 10 * time.Second
	CheckInTimeout = 15 * time.Second

	maxBodyBytes = 4 << 20
)

// NewHTTPClient builds the shared outbound client. Per-call deadlines come
// from the request context.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   6 * time.Second,
		KeepAlive: 15 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

type response struct {
	Body    []byte
	Status  int
	Elapsed time.Duration
}

type caller struct {
	hc *http.Client
}

// do issues one request bounded by timeout and returns the body of a 2xx
// response. Anything else becomes a *FetchError.
func (c caller) do(ctx context.Context, method, url string, headers map[string]string, timeout time.Duration) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(context.DeadlineExceeded, err)
		}
		return nil, &FetchError{Kind: KindNetwork, URL: url, Elapsed: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: url, Status: resp.StatusCode, Elapsed: elapsed, Err: err}
	}
	out := &response{Body: body, Status: resp.StatusCode, Elapsed: elapsed}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &FetchError{Kind: KindUpstreamHTTP, URL: url, Status: resp.StatusCode, Body: string(body), Elapsed: elapsed}
	}
	return out, nil
}

func malformed(url string, r *response, err error) *FetchError {
	return &FetchError{Kind: KindMalformed, URL: url, Status: r.Status, Body: string(r.Body), Elapsed: r.Elapsed, Err: err}
}

func bearer(key string) string {
	if key == "" {
		return ""
	}
	return "Bearer " + key
}

// joinURL appends path to base without doubling a trailing "/v1".
func joinURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		base = strings.TrimSuffix(base, "/v1")
	}
	return base + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return Clip(s, n)
	}
	return Clip(s, n) + "..."
}

// Clip returns valid UTF-8 of at most n bytes, never splitting a rune.
// Invalid sequences in s are replaced first.
func Clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
