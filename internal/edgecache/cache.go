// Package edgecache stores successful image responses at the edge, keyed
// by the request identity that determines the response bytes.
package edgecache

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

// ErrNotStored is returned by Put when the entry was not admitted.
var ErrNotStored = errors.New("edgecache: entry not stored")

// Key is the 128-bit xxh3 digest of a cache identity.
type Key [16]byte

// String returns the hex form used in logs.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// KeyFor derives the cache key for a validated target, the client's query
// parameters and the negotiated format. The "key" credential never
// participates, so clients with different API keys share entries.
func KeyFor(target string, query url.Values, format string) Key {
	var b strings.Builder
	b.WriteString(target)
	b.WriteByte('\n')

	names := make([]string, 0, len(query))
	for name := range query {
		if name == "key" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')
	b.WriteString(format)

	h := xxh3.HashString128(b.String())
	var k Key
	binary.LittleEndian.PutUint64(k[:8], h.Lo)
	binary.LittleEndian.PutUint64(k[8:], h.Hi)
	return k
}

// Entry is a stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a copy whose header can be modified for serving. The body
// is shared and must be treated as read-only.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Header = e.Header.Clone()
	return &out
}

// Cache is the edge response cache.
type Cache interface {
	Match(key Key) (*Entry, bool)
	Put(key Key, e *Entry, ttl time.Duration) error
}

// Otter is an in-process Cache bounded by total body bytes, with a per
// entry TTL.
type Otter struct {
	cache otter.CacheWithVariableTTL[Key, *Entry]
}

// NewOtter creates a cache holding at most maxBytes of entries.
func NewOtter(maxBytes int) (*Otter, error) {
	cache, err := otter.MustBuilder[Key, *Entry](maxBytes).
		Cost(func(_ Key, e *Entry) uint32 { return entryCost(e) }).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Otter{cache: cache}, nil
}

// Match returns a servable copy of the entry stored under key.
func (o *Otter) Match(key Key) (*Entry, bool) {
	e, ok := o.cache.Get(key)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Put stores e for ttl. A non-positive ttl or an entry the cache refuses
// (for example, one larger than the whole capacity) yields ErrNotStored.
func (o *Otter) Put(key Key, e *Entry, ttl time.Duration) error {
	if ttl <= 0 || e == nil {
		return ErrNotStored
	}
	stored := e.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	if !o.cache.Set(key, stored, ttl) {
		return ErrNotStored
	}
	return nil
}

// Len returns the number of stored entries.
func (o *Otter) Len() int { return o.cache.Size() }

// Close releases the cache's background resources.
func (o *Otter) Close() { o.cache.Close() }

func entryCost(e *Entry) uint32 {
	n := len(e.Body)
	for k, vs := range e.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	if n < 1 {
		n = 1
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}
