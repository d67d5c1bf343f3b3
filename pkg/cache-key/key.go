package cachekey

import "net/http"

const (
	originSeparator = ":"
	methodSeparator = " "
)

// CacheKeyer derives tier keys from requests.
// A key identifies a request by method and URL, nothing else:
// tiers keep exactly one response per identity.
type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in a tier.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// GetKey returns the request identity of r.
// The request URI (path and query) is used, so the same resource requested through
// different host names maps to the same entry.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.MethodPrefix(r.Method) + r.URL.RequestURI()
}

// PathKey returns the GET identity of a plain path such as a manifest entry.
func (c CacheKeyer) PathKey(path string) string {
	return c.MethodPrefix(http.MethodGet) + path
}
