package tapestrycache

import (
	"net/http"
	"strings"
	"time"

	cachestatus "github.com/always-cache/tapestry-cache/pkg/cache-status"
	tee "github.com/always-cache/tapestry-cache/pkg/response-writer-tee"
)

type requestClass int

const (
	classIgnored requestClass = iota
	classMethod
	classNavigation
	classJSON
	classImage
	classAudio
	classOther
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// classify picks the strategy for r. Requests are ignored until the proxy is active.
func (a *Proxy) classify(r *http.Request) requestClass {
	if r.URL.IsAbs() && r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return classIgnored
	}
	if a.State() != StateActive {
		return classIgnored
	}
	if r.Method != http.MethodGet {
		return classMethod
	}
	if isNavigation(r) {
		return classNavigation
	}
	path := r.URL.Path
	if strings.HasSuffix(path, ".json") {
		return classJSON
	}
	lower := strings.ToLower(path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return classImage
		}
	}
	if strings.HasPrefix(path, a.cfg.AudioRoot) {
		return classAudio
	}
	return classOther
}

// isNavigation detects top-level document loads.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// passThrough forwards r untouched by any tier.
func (a *Proxy) passThrough(w http.ResponseWriter, r *http.Request, class requestClass) {
	cs := cachestatus.CacheStatus{}
	if class == classMethod {
		cs.Forward(cachestatus.FwdMethod)
	} else {
		cs.Forward(cachestatus.FwdBypass)
	}
	w.Header().Set(cachestatus.HeaderName, cs.String())
	a.reverseproxy.ServeHTTP(w, r)
	a.logRequest(r, cs)
}

// serveNavigation is network-first. When the network fails the cached root document is
// served, then the offline page, then the root is fetched again.
func (a *Proxy) serveNavigation(w http.ResponseWriter, r *http.Request) {
	log := a.logger(r)
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdRequest)
	requestedAt := time.Now()
	res, err := a.fetch(r.Context(), r)
	if err == nil && isOK(res.StatusCode) {
		if b, err := encode(res, requestedAt); err != nil {
			log.Error().Err(err).Msg("Could not encode navigation response")
		} else if err := a.put(a.cfg.StaticTier, a.keyer.GetKey(r), b); err != nil {
			log.Error().Err(err).Msg("Could not store navigation response")
		} else {
			cs.Stored = true
		}
		a.send(w, r, res, cs)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Navigation request failed")
	} else {
		log.Warn().Int("status", res.StatusCode).Msg("Navigation response was not ok")
	}

	for _, path := range []string{"/", a.cfg.OfflinePage} {
		if path == "" {
			continue
		}
		if tr, ok := a.lookup("", a.keyer.PathKey(path)); ok {
			cs := cachestatus.CacheStatus{}
			cs.Hit()
			cs.Detail("offline")
			a.sendStored(w, r, tr, cs)
			return
		}
	}

	cs.Detail("root")
	res, err = a.get(r.Context(), "/")
	if err != nil {
		log.Error().Err(err).Msg("Root document unavailable")
		a.sendBadGateway(w, r, cs)
		return
	}
	a.send(w, r, res, cs)
}

// serveJSON is network-first; the write completes before the response is sent.
func (a *Proxy) serveJSON(w http.ResponseWriter, r *http.Request) {
	log := a.logger(r)
	key := a.keyer.GetKey(r)
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdRequest)
	requestedAt := time.Now()
	res, err := a.fetch(r.Context(), r)
	if err == nil && isOK(res.StatusCode) {
		if b, err := encode(res, requestedAt); err != nil {
			log.Error().Err(err).Msg("Could not encode JSON response")
		} else if err := a.put(a.cfg.StaticTier, key, b); err != nil {
			log.Error().Err(err).Msg("Could not store JSON response")
		} else {
			cs.Stored = true
		}
		a.send(w, r, res, cs)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("JSON request failed")
	}

	if tr, ok := a.lookup("", key); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		cs.Detail("offline")
		a.sendStored(w, r, tr, cs)
		return
	}
	if err == nil {
		// nothing cached, the origin answer is all there is
		a.send(w, r, res, cs)
		return
	}
	cs.Detail("offline")
	a.sendBadGateway(w, r, cs)
}

// serveImage is cache-first on the image tier; a failed fetch falls back to the
// fallback image or an empty response.
func (a *Proxy) serveImage(w http.ResponseWriter, r *http.Request) {
	a.serveBounded(w, r, a.cfg.ImageTier, func() bool {
		if a.cfg.FallbackImage == "" {
			return false
		}
		tr, ok := a.lookup("", a.keyer.PathKey(a.cfg.FallbackImage))
		if ok {
			cs := cachestatus.CacheStatus{}
			cs.Hit()
			cs.Detail("fallback")
			a.sendStored(w, r, tr, cs)
		}
		return ok
	})
}

// serveAudio is cache-first on the audio tier; a failed fetch gives an empty response.
func (a *Proxy) serveAudio(w http.ResponseWriter, r *http.Request) {
	a.serveBounded(w, r, a.cfg.AudioTier, nil)
}

func (a *Proxy) serveBounded(w http.ResponseWriter, r *http.Request, tierName string, fallback func() bool) {
	log := a.logger(r)
	key := a.keyer.GetKey(r)
	if tr, ok := a.lookup(tierName, key); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		a.sendStored(w, r, tr, cs)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	requestedAt := time.Now()
	res, err := a.fetch(r.Context(), r)
	if err != nil {
		log.Warn().Err(err).Str("tier", tierName).Msg("Fetch failed")
		if fallback != nil && fallback() {
			return
		}
		cs.Detail("offline")
		a.sendNoContent(w, r, cs)
		return
	}
	if isOK(res.StatusCode) {
		if b, err := encode(res, requestedAt); err != nil {
			log.Error().Err(err).Msg("Could not encode response")
		} else {
			a.putAsync(tierName, key, b)
			cs.Stored = true
		}
	}
	a.send(w, r, res, cs)
}

// serveOther is cache-first over every tier; on a miss the origin response is streamed to
// the client and stored afterwards. Network failures are not recovered.
func (a *Proxy) serveOther(w http.ResponseWriter, r *http.Request) {
	key := a.keyer.GetKey(r)
	if tr, ok := a.lookup("", key); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		a.sendStored(w, r, tr, cs)
		return
	}
	a.proxy(w, r, key)
}

func (a *Proxy) proxy(w http.ResponseWriter, r *http.Request, key string) {
	a.logger(r).Trace().Msgf("proxying %s", r.URL.String())
	// set cache-status on underlying rw only (i.e. do not save to cache)
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	w.Header().Set(cachestatus.HeaderName, cs.String())

	// the request may be gone by the time the background write runs
	stored, err := http.NewRequest(http.MethodGet, r.URL.RequestURI(), nil)
	if err != nil {
		a.logger(r).Error().Err(err).Msg("Could not create request for storing")
		a.reverseproxy.ServeHTTP(w, r)
		return
	}
	a.director(stored)
	requestedAt := time.Now()
	rwtee := tee.NewResponseSaver(w)
	a.reverseproxy.ServeHTTP(rwtee, r)
	a.logRequest(r, cs)

	if !isOK(rwtee.StatusCode()) {
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		a.saveTee(rwtee, stored, key, requestedAt)
	}()
}

func (a *Proxy) saveTee(rwtee *tee.ResponseSaver, req *http.Request, key string, requestedAt time.Time) {
	res, err := rwtee.Result(req)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not read recorded response")
		return
	}
	b, err := encode(res, requestedAt)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not encode recorded response")
		return
	}
	if err := a.put(a.cfg.StaticTier, key, b); err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not write to tier")
	}
}
