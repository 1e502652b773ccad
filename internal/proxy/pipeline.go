package proxy

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Resinat/Lumen/internal/access"
	"github.com/Resinat/Lumen/internal/analytics"
	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/edgecache"
	"github.com/Resinat/Lumen/internal/geoip"
	"github.com/Resinat/Lumen/internal/metrics"
	"github.com/Resinat/Lumen/internal/origin"
)

// ConfigSource supplies the configuration snapshot for one request.
type ConfigSource interface {
	GetConfig(ctx context.Context) *config.ProxyConfig
}

// Fetcher retrieves an image from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.FetchRequest) (*origin.FetchResult, error)
}

// Recorder accepts analytics records without blocking.
type Recorder interface {
	Record(cfg *config.ProxyConfig, rec analytics.LogRecord) bool
}

// Submitter runs work after the response has been written.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context)) bool
}

// GeoResolver extracts client geo hints.
type GeoResolver interface {
	Resolve(r *http.Request) geoip.Hints
}

// Options wires a Pipeline.
type Options struct {
	Config     ConfigSource
	Fetcher    Fetcher
	Cache      edgecache.Cache
	Recorder   Recorder    // optional
	Background Submitter
	Geo        GeoResolver // optional
	Metrics    *metrics.Metrics
	Version    string
}

// Pipeline serves image proxy requests. It is an http.Handler.
type Pipeline struct {
	cfg      ConfigSource
	fetcher  Fetcher
	cache    edgecache.Cache
	recorder Recorder
	bg       Submitter
	geo      GeoResolver
	metrics  *metrics.Metrics
	version  string

	now   func() time.Time
	newID func() string
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		cfg:      opts.Config,
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		recorder: opts.Recorder,
		bg:       opts.Background,
		geo:      opts.Geo,
		metrics:  opts.Metrics,
		version:  headerValue(opts.Version),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// request carries per-request state through the pipeline.
type request struct {
	r       *http.Request
	id      string
	start   time.Time
	cfg     *config.ProxyConfig
	options origin.TransformOptions
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodOptions:
		p.servePreflight(w)
		return
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		writeJSON(w, http.StatusMethodNotAllowed, methodNotAllowedResponse{
			Error:          true,
			Message:        "Method not allowed",
			AllowedMethods: []string{"GET", "OPTIONS"},
		})
		return
	}

	req := &request{r: r, id: p.newID(), start: p.now(), cfg: p.cfg.GetConfig(r.Context())}

	query := r.URL.Query()
	rawTarget := query.Get("url")
	if rawTarget == "" {
		base := RequestOrigin(r)
		w.Header().Set("X-Request-ID", req.id)
		writeJSON(w, http.StatusBadRequest, usageResponse{
			Error:   true,
			Message: "missing url parameter",
			Usage:   base + "/?url=IMAGE_URL",
			Example: base + "/?url=https://pic.haokj.cn/pic/image.jpg",
		})
		return
	}

	if f := failureForDecision(access.CheckAPIKey(r, req.cfg)); f != nil {
		log.Printf("[proxy] %s api key check failed: %s", req.id, f.Code)
		p.fail(w, req, f)
		return
	}
	if f := failureForDecision(access.CheckReferer(r, req.cfg)); f != nil {
		log.Printf("[proxy] %s referer check failed: %s", req.id, f.Code)
		p.fail(w, req, f)
		return
	}

	target, decision := access.ValidateTargetURL(rawTarget, req.cfg)
	if f := failureForDecision(decision); f != nil {
		p.fail(w, req, f)
		return
	}

	req.options = origin.BuildTransformOptions(req.cfg, origin.DetectFormatSupport(r.Header.Get("Accept")), query)
	keyQuery := r.URL.Query()
	keyQuery.Del("url")
	cacheKey := edgecache.KeyFor(target.String(), keyQuery, string(req.options.Format))

	if entry, ok := p.cache.Match(cacheKey); ok {
		p.metrics.ObserveCacheLookup(true)
		p.serveHit(w, req, entry)
		return
	}
	p.metrics.ObserveCacheLookup(false)

	res, err := p.fetcher.Fetch(r.Context(), origin.FetchRequest{
		Target:  target.URL,
		Options: req.options,
		Config:  req.cfg,
	})
	if err != nil {
		f := failureForFetch(err)
		if f == nil {
			log.Printf("[proxy] %s client went away during fetch of %s", req.id, target.Host)
			return
		}
		log.Printf("[proxy] %s fetch %s failed: %v", req.id, target.Host, err)
		p.fail(w, req, f, err)
		return
	}

	header := successHeader(res, req.cfg, p.version)
	header.Set("X-Request-ID", req.id)
	writeHeader(w, header)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)

	p.storeInCache(cacheKey, header, res.Body, req.cfg)
	log.Printf("[proxy] %s served %s: %s", req.id, target.Host, res)
	p.observe(req, analytics.Outcome{
		Status:        http.StatusOK,
		CacheStatus:   "MISS",
		ImageFormat:   string(res.Format),
		ContentLength: int64(res.Size),
		RequestType:   analytics.RequestTypeProxy,
		ImageSize:     int64(res.Size),
	})
}

func (p *Pipeline) serveHit(w http.ResponseWriter, req *request, entry *edgecache.Entry) {
	entry.Header.Set("X-Proxy-Cache", "HIT")
	entry.Header.Set("X-Request-ID", req.id)
	writeHeader(w, entry.Header)
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)

	format := entry.Header.Get("X-Image-Format")
	p.observe(req, analytics.Outcome{
		Status:        status,
		CacheStatus:   "HIT",
		ImageFormat:   format,
		ContentLength: int64(len(entry.Body)),
		RequestType:   analytics.RequestTypeCacheHit,
	})
}

// storeInCache writes the response back in the background. The stored
// copy advertises the CDN TTL.
func (p *Pipeline) storeInCache(key edgecache.Key, header http.Header, body []byte, cfg *config.ProxyConfig) {
	stored := header.Clone()
	stored.Del("X-Request-ID")
	stored.Set("Cache-Control", "public, max-age="+strconv.Itoa(cfg.CacheCDNTTL))
	entry := &edgecache.Entry{Status: http.StatusOK, Header: stored, Body: body, StoredAt: p.now()}
	ttl := time.Duration(cfg.CacheCDNTTL) * time.Second

	p.bg.Submit("edgecache-put", func(context.Context) {
		if err := p.cache.Put(key, entry, ttl); err != nil {
			if errors.Is(err, edgecache.ErrNotStored) {
				log.Printf("[proxy] cache write for %s skipped: %v", key, err)
				return
			}
			log.Printf("[proxy] cache write for %s failed: %v", key, err)
		}
	})
}

// fail answers with the placeholder and records the failure as an
// image_error, subject to the usual sample rate.
func (p *Pipeline) fail(w http.ResponseWriter, req *request, f *Failure, cause ...error) {
	writePlaceholder(w, f, req.cfg, req.id, p.version)
	msg := f.Code
	if len(cause) > 0 && cause[0] != nil {
		msg = cause[0].Error()
	}
	p.observe(req, analytics.Outcome{
		Status:        f.HTTPCode,
		CacheStatus:   "MISS",
		ContentLength: int64(len(placeholderPNG)),
		RequestType:   analytics.RequestTypeError,
		Error:         msg,
	})
}

func (p *Pipeline) observe(req *request, out analytics.Outcome) {
	p.metrics.ObserveRequest(out.RequestType, out.Status)
	if p.recorder == nil {
		return
	}
	now := p.now()
	out.Elapsed = now.Sub(req.start)
	out.ProxyVersion = p.version
	var hints geoip.Hints
	if p.geo != nil {
		hints = p.geo.Resolve(req.r)
	}
	rec := analytics.NewRecord(now, req.r, out, analytics.Geo{
		Country: hints.Country,
		Region:  hints.Region,
		RayID:   hints.RayID,
	})
	p.recorder.Record(req.cfg, rec)
}

func (p *Pipeline) servePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("X-Proxy-Version", p.version)
	w.WriteHeader(http.StatusOK)
}
