package provider

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindUpstreamHTTP
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUpstreamHTTP:
		return "upstream_http"
	case KindMalformed:
		return "malformed_response"
	}
	return "unknown"
}

// FetchError describes a failed upstream call. Body holds the raw response
// text when one was read.
type FetchError struct {
	Kind    ErrorKind
	URL     string
	Status  int
	Body    string
	Elapsed time.Duration
	Err     error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindUpstreamHTTP:
		return fmt.Sprintf("upstream returned HTTP %d", e.Status)
	case KindMalformed:
		if e.Err != nil {
			return fmt.Sprintf("malformed response: %v", e.Err)
		}
		return "malformed response"
	default:
		if e.Err != nil {
			return fmt.Sprintf("request failed: %v", e.Err)
		}
		return "request failed"
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// ConfigError is returned before any request when the site lacks a field the
// variant requires.
type ConfigError struct {
	Variant string
	Field   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Variant, e.Field)
}

var ErrCheckInUnsupported = errors.New("check-in not supported by this provider")
