package tapestrycache

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/tapestry-cache/cache"
	cachekey "github.com/always-cache/tapestry-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/tapestry-cache/pkg/cache-status"
	"github.com/always-cache/tapestry-cache/pkg/messaging"
	serializer "github.com/always-cache/tapestry-cache/pkg/response-serializer"
)

var (
	ErrFetchFailed      = errors.New("fetch failed")
	ErrPurgeCheckFailed = errors.New("purge check failed")
	ErrInstallFailed    = errors.New("install failed")
)

const (
	DefaultStaticTier = "site-cache-v4"
	DefaultAudioTier  = "audio-cache-v3"
	DefaultImageTier  = "image-cache-v1"
	DefaultBound      = 50
)

type Config struct {
	// Storage for the tiers.
	Tiers cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Bus the pages connect to. A new one is created if nil.
	Bus *messaging.Bus
	// Transport for origin requests, http.DefaultTransport if nil.
	Transport http.RoundTripper

	StaticTier string
	AudioTier  string
	ImageTier  string
	// Bound is the entry limit of the audio and image tiers.
	Bound int

	// Precache is the manifest stored into the static tier on install.
	Precache []string
	// ContentPaths are re-fetched by UpdateContent.
	ContentPaths  []string
	AudioRoot     string
	OfflinePage   string
	FallbackImage string
	SignalPath    string
}

type Proxy struct {
	cfg          Config
	tiers        cache.Provider
	keyer        cachekey.CacheKeyer
	log          zerolog.Logger
	bus          *messaging.Bus
	transport    http.RoundTripper
	director     func(*http.Request)
	reverseproxy httputil.ReverseProxy
	state        atomic.Int32
	pending      sync.WaitGroup
}

// CreateProxy sets up the proxy in the Installing state.
// Call Start (or Install and Activate) before it takes over requests.
func CreateProxy(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.StaticTier == "" {
		config.StaticTier = DefaultStaticTier
	}
	if config.AudioTier == "" {
		config.AudioTier = DefaultAudioTier
	}
	if config.ImageTier == "" {
		config.ImageTier = DefaultImageTier
	}
	if config.Bound <= 0 {
		config.Bound = DefaultBound
	}
	if config.AudioRoot == "" {
		config.AudioRoot = "/audio/"
	}
	if config.Bus == nil {
		config.Bus = messaging.NewBus(16)
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" && config.Transport == nil {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	} else if config.OriginHost != "" {
		hostHeader = config.OriginHost
	}

	a := &Proxy{
		cfg:       config,
		tiers:     config.Tiers,
		keyer:     cachekey.NewCacheKeyer(config.OriginURL.String()),
		log:       logger,
		bus:       config.Bus,
		transport: transport,
		director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
	}
	a.reverseproxy = httputil.ReverseProxy{
		Director:  a.director,
		Transport: transport,
	}
	a.state.Store(int32(StateInstalling))
	return a
}

// Bus returns the bus pages connect to.
func (a *Proxy) Bus() *messaging.Bus {
	return a.bus
}

func (a *Proxy) State() State {
	return State(a.state.Load())
}

func (a *Proxy) setState(s State) {
	a.state.Store(int32(s))
	a.log.Info().Str("state", s.String()).Msg("Proxy state changed")
}

// WaitIdle blocks until every pending tier write and message handler has finished.
func (a *Proxy) WaitIdle() {
	a.pending.Wait()
}

// TierSizes returns the entry count of every existing tier.
func (a *Proxy) TierSizes() (map[string]int, error) {
	names, err := a.tiers.Names()
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		if sizes[name], err = a.tiers.Handle(name).Len(); err != nil {
			return nil, err
		}
	}
	return sizes, nil
}

// ServeHTTP implements the http.Handler interface.
func (a *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w)
	switch class := a.classify(r); class {
	case classNavigation:
		a.serveNavigation(w, r)
	case classJSON:
		a.serveJSON(w, r)
	case classImage:
		a.serveImage(w, r)
	case classAudio:
		a.serveAudio(w, r)
	case classOther:
		a.serveOther(w, r)
	default:
		a.passThrough(w, r, class)
	}
}

// recover recovers from panics and answers with a bad gateway.
func (a *Proxy) recover(w http.ResponseWriter) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in proxy handler")
		http.Error(w, "Proxy error", http.StatusBadGateway)
	}
}

// logger prefers the request logger set up by hlog.
func (a *Proxy) logger(r *http.Request) *zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.log
}

// fetch sends a copy of r to the origin and buffers the whole response.
func (a *Proxy) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	a.director(out)
	res, err := a.transport.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, r.URL.Path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, r.URL.Path, err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return res, nil
}

// get fetches path from the origin.
func (a *Proxy) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return a.fetch(ctx, req)
}

func isOK(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

// encode serializes res for storage; the body of res stays readable.
func encode(res *http.Response, requestedAt time.Time) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestedAt,
		ResponseTime: time.Now(),
	})
}

func (a *Proxy) bounded(tierName string) bool {
	return tierName == a.cfg.AudioTier || tierName == a.cfg.ImageTier
}

// put stores b under key in the named tier and enforces the bound of audio and image tiers.
func (a *Proxy) put(tierName, key string, b []byte) error {
	tier, err := a.tiers.Open(tierName)
	if err != nil {
		return err
	}
	if err := tier.Put(key, b); err != nil {
		return err
	}
	a.log.Trace().Str("tier", tierName).Str("key", key).Msg("Stored response")
	if a.bounded(tierName) {
		removed, err := tier.Trim(a.cfg.Bound)
		if err != nil {
			return err
		}
		if removed > 0 {
			a.log.Trace().Str("tier", tierName).Int("removed", removed).Msg("Evicted oldest entries")
		}
	}
	return nil
}

// putAsync stores in the background; WaitIdle waits for it.
func (a *Proxy) putAsync(tierName, key string, b []byte) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		if err := a.put(tierName, key, b); err != nil {
			a.log.Error().Err(err).Str("tier", tierName).Str("key", key).Msg("Could not write to tier")
		}
	}()
}

// lookup finds key in the named tier, or in any tier if tierName is empty.
func (a *Proxy) lookup(tierName, key string) (serializer.TimedResponse, bool) {
	var (
		b     []byte
		found bool
		err   error
	)
	if tierName == "" {
		b, found, err = cache.Match(a.tiers, key)
	} else {
		b, found, err = a.tiers.Handle(tierName).Get(key)
	}
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not read from tier")
		return serializer.TimedResponse{}, false
	}
	if !found {
		return serializer.TimedResponse{}, false
	}
	tr, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not parse stored response")
		return serializer.TimedResponse{}, false
	}
	return tr, true
}

func (a *Proxy) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			a.logger(r).Error().Err(err).Msg("Could not write response body to client")
		}
		a.logger(r).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	a.logRequest(r, cs)
}

func (a *Proxy) sendStored(w http.ResponseWriter, r *http.Request, tr serializer.TimedResponse, cs cachestatus.CacheStatus) {
	if !tr.ResponseTime.IsZero() {
		tr.Response.Header.Set("Age", strconv.Itoa(int(tr.Age(time.Now()).Seconds())))
	}
	a.send(w, r, tr.Response, cs)
}

func (a *Proxy) sendNoContent(w http.ResponseWriter, r *http.Request, cs cachestatus.CacheStatus) {
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(http.StatusNoContent)
	a.logRequest(r, cs)
}

func (a *Proxy) sendBadGateway(w http.ResponseWriter, r *http.Request, cs cachestatus.CacheStatus) {
	w.Header().Set(cachestatus.HeaderName, cs.String())
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
	a.logRequest(r, cs)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (a *Proxy) logRequest(r *http.Request, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	a.logger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
