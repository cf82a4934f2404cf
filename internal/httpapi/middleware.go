package httpapi

import (
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/***************
 * Access log recorder
 ***************/

// statusWriter remembers the status and body size for the access log and
// request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Bytes() int64 { return w.bytes }

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// baseWriter returns the connection's own writer. Websocket upgrades need its
// http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if sw, ok := w.(*statusWriter); ok && sw.ResponseWriter != nil {
		return sw.ResponseWriter
	}
	return w
}

/***************
 * Response compression
 ***************/

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

type gzipWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.gz.Write(b) }

func (g *gzipWriter) Flush() {
	_ = g.gz.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Close flushes the gzip trailer and returns the writer to the pool.
func (g *gzipWriter) Close() error {
	err := g.gz.Close()
	g.gz.Reset(io.Discard)
	gzipWriters.Put(g.gz)
	return err
}

// compressible reports whether the response to r is worth compressing.
// Ingest acknowledgements are empty, upgrades are not HTTP bodies and
// profiles arrive gzipped already.
func compressible(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	switch p := r.URL.Path; {
	case strings.HasPrefix(p, "/ingest/"), strings.HasPrefix(p, "/debug/pprof/"):
		return false
	}
	return true
}

// compress routes the body of sw through a pooled gzip writer. The status
// writer stays outermost so byte counts are the uncompressed sizes.
func compress(sw *statusWriter, r *http.Request) (*gzipWriter, bool) {
	if !compressible(r) {
		return nil, false
	}
	gz := gzipWriters.Get().(*gzip.Writer)
	gz.Reset(sw.ResponseWriter)
	g := &gzipWriter{ResponseWriter: sw.ResponseWriter, gz: gz}

	sw.Header().Set("Content-Encoding", "gzip")
	sw.Header().Add("Vary", "Accept-Encoding")
	sw.ResponseWriter = g
	return g, true
}

/***************
 * Per-client rate limiting
 ***************/

// trafficClass separates the collector's ingest stream from dashboard reads
// so a busy poller cannot starve the UI of the same host, and the reverse.
type trafficClass uint8

const (
	classRead trafficClass = iota
	classIngest
)

// exportCost is the token price of an export download relative to a normal
// read. Exports scan every sample in the range.
const exportCost = 5

type limitKey struct {
	client string
	class  trafficClass
}

func limitKeyFor(r *http.Request, trustProxy bool) limitKey {
	k := limitKey{client: remoteIP(r, trustProxy)}
	if strings.HasPrefix(r.URL.Path, "/ingest/") {
		k.class = classIngest
	}
	return k
}

func requestCost(r *http.Request) int {
	if r.URL.Path == "/export" {
		return exportCost
	}
	return 1
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiter struct {
	mu      sync.Mutex
	buckets map[limitKey]*bucket
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

// newClientLimiter returns nil, which allows everything, when either value is
// not positive.
func newClientLimiter(rps, burst int, now func() time.Time) *clientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &clientLimiter{
		buckets: make(map[limitKey]*bucket),
		rate:    rate.Limit(rps),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     now,
	}
}

// Allow takes cost tokens from the bucket of k. Costs above the burst are
// clamped so an expensive request is slow rather than impossible.
func (l *clientLimiter) Allow(k limitKey, cost int) bool {
	if l == nil {
		return true
	}
	if cost > l.burst {
		cost = l.burst
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[k] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, cost)

	if len(l.buckets) > 1024 {
		l.evictIdle(now)
	}
	return allowed
}

func (l *clientLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idle)
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// remoteIP identifies the client. X-Forwarded-For counts only when trustProxy
// is set.
func remoteIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if p := strings.TrimSpace(first); p != "" {
			return p
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/***************
 * CORS policy
 ***************/

const (
	corsMethods       = "GET, POST, OPTIONS"
	corsHeaders       = "Content-Type, X-Request-ID"
	corsExposeHeaders = "X-Request-ID, Content-Disposition"
)

// corsPolicy admits browser dashboards served from the configured origins.
// A nil policy sends no CORS headers at all.
type corsPolicy struct {
	wildcard bool
	origins  map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool)}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.origins[strings.TrimSuffix(o, "/")] = true
		}
	}
	if !p.wildcard && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (c *corsPolicy) allows(origin string) bool {
	if c == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return c.wildcard || c.origins[origin]
}

// preflight answers OPTIONS requests that carry an Origin. It reports whether
// the request was consumed.
func (c *corsPolicy) preflight(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || r.Method != http.MethodOptions || origin == "" {
		return false
	}
	if !c.allows(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsMethods)
	if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	} else {
		h.Set("Access-Control-Allow-Headers", corsHeaders)
	}
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// decorate sets the response headers for a simple request. It returns false
// when the request names an origin outside the policy.
func (c *corsPolicy) decorate(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return true
	}
	if !c.allows(origin) {
		return false
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
	h.Add("Vary", "Origin")
	return true
}
