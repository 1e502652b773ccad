// Package origin fetches images from the configured origin with fixed
// browser-like headers, a per-request timeout, format negotiation and a
// response size limit.
package origin

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Resinat/Lumen/internal/config"
)

// Format is the image format requested from the transform capability.
type Format string

const (
	FormatWebP     Format = "webp"
	FormatAVIF     Format = "avif"
	FormatOriginal Format = "original"
)

// FormatSupport is what the client advertises in its Accept header.
type FormatSupport struct {
	WebP bool
	AVIF bool
}

// DetectFormatSupport inspects an Accept header value.
func DetectFormatSupport(accept string) FormatSupport {
	accept = strings.ToLower(accept)
	return FormatSupport{
		WebP: strings.Contains(accept, "image/webp"),
		AVIF: strings.Contains(accept, "image/avif"),
	}
}

// Negotiate picks WebP, then AVIF, then the original format. A modern
// format is chosen only when it is enabled and the client supports it.
func Negotiate(support FormatSupport, cfg *config.ProxyConfig) Format {
	switch {
	case cfg.EnableWebP && support.WebP:
		return FormatWebP
	case cfg.AVIFEnable && support.AVIF:
		return FormatAVIF
	default:
		return FormatOriginal
	}
}

// TransformOptions describes the edge-side transformation requested for
// one fetch. Zero Width/Height means no resize on that axis.
type TransformOptions struct {
	Format  Format
	Quality int
	Width   int
	Height  int
}

// IsIdentity reports whether no transformation was requested.
func (o TransformOptions) IsIdentity() bool {
	return o.Format == FormatOriginal && o.Width == 0 && o.Height == 0
}

// BuildTransformOptions negotiates the format and applies the optional
// width/height query parameters, clamped to the configured maximums.
// Resize is ignored unless enabled in cfg.
func BuildTransformOptions(cfg *config.ProxyConfig, support FormatSupport, query url.Values) TransformOptions {
	opts := TransformOptions{Format: Negotiate(support, cfg)}
	switch opts.Format {
	case FormatWebP:
		opts.Quality = cfg.WebPQuality
	case FormatAVIF:
		opts.Quality = cfg.AVIFQuality
	}
	if cfg.ResizeEnable {
		opts.Width = clampDimension(query.Get("width"), cfg.MaxResizeWidth)
		opts.Height = clampDimension(query.Get("height"), cfg.MaxResizeHeight)
	}
	return opts
}

func clampDimension(raw string, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
