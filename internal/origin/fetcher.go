package origin

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Resinat/Lumen/internal/config"
)

// Outbound header values presented to the origin.
const (
	outboundUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	outboundAccept         = "image/webp,image/avif,image/apng,image/*,*/*;q=0.8"
	outboundAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"

	defaultContentType = "image/jpeg"
)

// strippedHeaders are upstream headers never forwarded to clients.
var strippedHeaders = []string{
	"Set-Cookie", "Server", "Via", "X-Powered-By",
	// hop-by-hop and length headers are recomputed by the server
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Trailer", "Te", "Content-Length", "Content-Encoding",
}

// Image is a fetched image body.
type Image struct {
	Body        []byte
	ContentType string
}

// Transformer is the external image-transform capability. Implementations
// convert format and resize; the fetcher never transcodes itself.
type Transformer interface {
	Transform(ctx context.Context, img Image, opts TransformOptions) (Image, error)
}

// FetchRequest is one origin fetch.
type FetchRequest struct {
	Target  *url.URL
	Options TransformOptions
	Config  *config.ProxyConfig
}

// FetchResult is a successful fetch.
type FetchResult struct {
	Body        []byte
	ContentType string
	Size        int
	StatusCode  int
	Format      Format
	Header      http.Header // upstream headers with identifying and hop-by-hop fields removed
	Elapsed     time.Duration
}

// TransportConfig configures the shared origin transport.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewTransport builds the pooled transport used for all origin fetches.
func NewTransport(cfg TransportConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Fetcher performs origin fetches.
type Fetcher struct {
	client      *http.Client
	transformer Transformer

	// OnFetch, if set, is called once per fetch with the outcome
	// ("ok" or an ErrorKind), elapsed time and body size.
	OnFetch func(outcome string, elapsed time.Duration, size int)
}

// NewFetcher creates a fetcher. transformer may be nil, in which case
// bytes are passed through unchanged.
func NewFetcher(client *http.Client, transformer Transformer) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, transformer: transformer}
}

// Fetch downloads req.Target, bounded by the configured request timeout.
// Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	start := time.Now()
	res, err := f.fetch(ctx, req)
	if f.OnFetch != nil {
		outcome, size := "ok", 0
		if err != nil {
			outcome = string(KindOf(err))
		} else {
			size = res.Size
		}
		f.OnFetch(outcome, time.Since(start), size)
	}
	if res != nil {
		res.Elapsed = time.Since(start)
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	cfg := req.Config
	timeout := time.Duration(cfg.RequestTimeout) * time.Millisecond
	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, req.Target.String(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	setOutboundHeaders(httpReq.Header, cfg.TargetSite)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err, ctx.Err())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode)
	}

	limit := int64(cfg.MaxImageSize)
	reader := io.Reader(resp.Body)
	if limit > 0 {
		// One extra byte is enough to know the limit was exceeded.
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, classifyTransportError(err, ctx.Err())
	}
	if limit > 0 && int64(len(body)) > limit {
		size := int64(len(body))
		if resp.ContentLength > size {
			size = resp.ContentLength
		}
		return nil, &FetchError{Kind: KindOversize, Size: size, Limit: limit}
	}

	img := Image{Body: body, ContentType: detectContentType(resp.Header.Get("Content-Type"), body)}
	if f.transformer != nil && !req.Options.IsIdentity() {
		out, err := f.transformer.Transform(fetchCtx, img, req.Options)
		if err != nil {
			log.Printf("[origin] transform %s failed, serving original bytes: %v", req.Target.Host, err)
		} else {
			img = out
		}
	}

	header := resp.Header.Clone()
	for _, h := range strippedHeaders {
		header.Del(h)
	}

	return &FetchResult{
		Body:        img.Body,
		ContentType: img.ContentType,
		Size:        len(img.Body),
		StatusCode:  resp.StatusCode,
		Format:      req.Options.Format,
		Header:      header,
	}, nil
}

func setOutboundHeaders(h http.Header, targetSite string) {
	targetSite = strings.TrimSuffix(targetSite, "/")
	h.Set("User-Agent", outboundUserAgent)
	h.Set("Accept", outboundAccept)
	h.Set("Accept-Language", outboundAcceptLanguage)
	if targetSite != "" {
		h.Set("Referer", targetSite+"/")
		h.Set("Origin", targetSite)
	}
	h.Set("Sec-Fetch-Dest", "image")
	h.Set("Sec-Fetch-Mode", "no-cors")
	h.Set("Sec-Fetch-Site", "cross-site")
}

// detectContentType prefers the upstream header, then sniffs the body,
// then falls back to image/jpeg.
func detectContentType(header string, body []byte) string {
	if header = strings.TrimSpace(header); header != "" {
		return header
	}
	if len(body) > 0 {
		if mt := mimetype.Detect(body); strings.HasPrefix(mt.String(), "image/") {
			return mt.String()
		}
	}
	return defaultContentType
}

// String renders a short description for logs.
func (r *FetchResult) String() string {
	return fmt.Sprintf("%d bytes %s (%s) in %s", r.Size, r.ContentType, r.Format, r.Elapsed.Round(time.Millisecond))
}
