package analytics

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// ErrUnknownRange is returned by Summary for a range other than
// today, yesterday or week.
var ErrUnknownRange = errors.New("analytics: unknown time range")

// Summary ranges.
const (
	RangeToday     = "today"
	RangeYesterday = "yesterday"
	RangeWeek      = "week"
)

// HourCount is one entry of SummaryReport.HourlyBreakdown.
type HourCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// DayCount is one entry of SummaryReport.DailyBreakdown.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// SummaryReport aggregates counters over a range.
type SummaryReport struct {
	TotalRequests    int64            `json:"total_requests"`
	TotalBandwidth   int64            `json:"total_bandwidth"`
	TotalBandwidthMB float64          `json:"total_bandwidth_mb"`
	TotalBandwidthGB float64          `json:"total_bandwidth_gb"`
	CacheHitRate     float64          `json:"cache_hit_rate"`
	AvgRequestSize   int64            `json:"avg_request_size"`
	HourlyBreakdown  []HourCount      `json:"hourly_breakdown"`
	DailyBreakdown   []DayCount       `json:"daily_breakdown"`
	StatusCodes      map[string]int64 `json:"status_codes"`
	Formats          map[string]int64 `json:"formats"`
}

// HourStats is the traffic of one hour.
type HourStats struct {
	Requests     int64   `json:"requests"`
	Bandwidth    int64   `json:"bandwidth"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// DayTotals is the traffic of one day.
type DayTotals struct {
	Requests  int64 `json:"requests"`
	Bandwidth int64 `json:"bandwidth"`
}

// RealtimeReport is the current hour plus today's and yesterday's totals.
type RealtimeReport struct {
	CurrentHour HourStats `json:"current_hour"`
	Today       DayTotals `json:"today"`
	Yesterday   DayTotals `json:"yesterday"`
}

// RecentHour is one entry of RecentReport.Hours.
type RecentHour struct {
	Bucket    string `json:"bucket"`
	Hour      int    `json:"hour"`
	Requests  int64  `json:"requests"`
	Bandwidth int64  `json:"bandwidth"`
}

// RecentReport covers the last N hours, oldest first.
type RecentReport struct {
	Hours []RecentHour `json:"hours"`
	Today DayTotals    `json:"today"`
}

// MaxRecentHours bounds Recent.
const MaxRecentHours = 48

// Summary aggregates the counters of rng relative to now.
func (a *Aggregator) Summary(ctx context.Context, rng string, now time.Time) (*SummaryReport, error) {
	now = now.In(a.loc)
	var days []time.Time
	switch rng {
	case RangeToday:
		days = []time.Time{now}
	case RangeYesterday:
		days = []time.Time{now.AddDate(0, 0, -1)}
	case RangeWeek:
		for i := 6; i >= 0; i-- {
			days = append(days, now.AddDate(0, 0, -i))
		}
	default:
		return nil, ErrUnknownRange
	}

	rep := &SummaryReport{
		HourlyBreakdown: []HourCount{},
		DailyBreakdown:  []DayCount{},
		StatusCodes:     map[string]int64{},
		Formats:         map[string]int64{},
	}
	var hits, misses int64
	for _, day := range days {
		d, err := a.daySummary(ctx, day)
		if err != nil {
			return nil, err
		}
		rep.TotalRequests += d.requests
		rep.TotalBandwidth += d.bandwidth
		rep.DailyBreakdown = append(rep.DailyBreakdown, DayCount{Date: day.Format(dateLayout), Count: d.requests})
		hits += d.hits
		misses += d.misses
		mergeCounts(rep.StatusCodes, d.statuses)
		mergeCounts(rep.Formats, d.formats)
		if rng == RangeToday {
			for h := 0; h <= now.Hour(); h++ {
				rep.HourlyBreakdown = append(rep.HourlyBreakdown, HourCount{Hour: h, Count: d.hourly[h]})
			}
		}
	}

	rep.CacheHitRate = hitRate(hits, misses)
	rep.TotalBandwidthMB = round(float64(rep.TotalBandwidth)/(1<<20), 2)
	rep.TotalBandwidthGB = round(float64(rep.TotalBandwidth)/(1<<30), 3)
	if rep.TotalRequests > 0 {
		rep.AvgRequestSize = int64(math.Round(float64(rep.TotalBandwidth) / float64(rep.TotalRequests)))
	}
	return rep, nil
}

type dayAggregate struct {
	requests  int64
	bandwidth int64
	hits      int64
	misses    int64
	hourly    map[int]int64
	statuses  map[string]int64
	formats   map[string]int64
}

// daySummary reads one day. Requests and bandwidth come from the daily
// counters, falling back to the sum of the hourly ones when the daily
// counter is missing. Everything else comes from the hourly counters.
func (a *Aggregator) daySummary(ctx context.Context, day time.Time) (*dayAggregate, error) {
	d := &dayAggregate{
		hourly:   map[int]int64{},
		statuses: map[string]int64{},
		formats:  map[string]int64{},
	}
	date := day.Format(dateLayout)

	keys, err := a.counters.List(ctx, "stats/hourly/"+date+"-")
	if err != nil {
		return nil, err
	}
	var hourlyTotal, hourlyBandwidth int64
	for _, k := range keys {
		v, ok, err := a.counters.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch {
		case k.Metric == MetricTotal:
			hourlyTotal += v
			d.hourly[bucketHour(k.Bucket)] += v
		case k.Metric == MetricBandwidth:
			hourlyBandwidth += v
		case k.Metric == MetricCacheHit:
			d.hits += v
		case k.Metric == MetricCacheMiss:
			d.misses += v
		case strings.HasPrefix(k.Metric, "status_"):
			d.statuses[strings.TrimPrefix(k.Metric, "status_")] += v
		case strings.HasPrefix(k.Metric, "format_"):
			d.formats[strings.TrimPrefix(k.Metric, "format_")] += v
		}
	}

	total, ok, err := a.counters.Get(ctx, DailyKey(day, MetricTotal))
	if err != nil {
		return nil, err
	}
	if !ok {
		total = hourlyTotal
	}
	bandwidth, ok, err := a.counters.Get(ctx, DailyKey(day, MetricBandwidth))
	if err != nil {
		return nil, err
	}
	if !ok {
		bandwidth = hourlyBandwidth
	}
	d.requests = total
	d.bandwidth = bandwidth
	return d, nil
}

// Realtime reports the current hour and today's and yesterday's totals.
func (a *Aggregator) Realtime(ctx context.Context, now time.Time) (*RealtimeReport, error) {
	now = now.In(a.loc)
	rep := &RealtimeReport{}
	fields := []struct {
		key CounterKey
		dst *int64
	}{
		{HourlyKey(now, MetricTotal), &rep.CurrentHour.Requests},
		{HourlyKey(now, MetricBandwidth), &rep.CurrentHour.Bandwidth},
		{HourlyKey(now, MetricCacheHit), &rep.CurrentHour.CacheHits},
		{HourlyKey(now, MetricCacheMiss), &rep.CurrentHour.CacheMisses},
		{DailyKey(now, MetricTotal), &rep.Today.Requests},
		{DailyKey(now, MetricBandwidth), &rep.Today.Bandwidth},
		{DailyKey(now.AddDate(0, 0, -1), MetricTotal), &rep.Yesterday.Requests},
		{DailyKey(now.AddDate(0, 0, -1), MetricBandwidth), &rep.Yesterday.Bandwidth},
	}
	for _, f := range fields {
		v, _, err := a.counters.Get(ctx, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	rep.CurrentHour.CacheHitRate = hitRate(rep.CurrentHour.CacheHits, rep.CurrentHour.CacheMisses)
	return rep, nil
}

// Recent reports the last hours hours (clamped to [1, MaxRecentHours]),
// oldest first, plus today's totals.
func (a *Aggregator) Recent(ctx context.Context, now time.Time, hours int) (*RecentReport, error) {
	now = now.In(a.loc)
	if hours < 1 {
		hours = 1
	}
	if hours > MaxRecentHours {
		hours = MaxRecentHours
	}
	rep := &RecentReport{Hours: make([]RecentHour, 0, hours)}
	for i := hours - 1; i >= 0; i-- {
		t := now.Add(-time.Duration(i) * time.Hour)
		requests, _, err := a.counters.Get(ctx, HourlyKey(t, MetricTotal))
		if err != nil {
			return nil, err
		}
		bandwidth, _, err := a.counters.Get(ctx, HourlyKey(t, MetricBandwidth))
		if err != nil {
			return nil, err
		}
		rep.Hours = append(rep.Hours, RecentHour{
			Bucket:    t.Format(hourLayout),
			Hour:      t.Hour(),
			Requests:  requests,
			Bandwidth: bandwidth,
		})
	}
	var err error
	if rep.Today.Requests, _, err = a.counters.Get(ctx, DailyKey(now, MetricTotal)); err != nil {
		return nil, err
	}
	if rep.Today.Bandwidth, _, err = a.counters.Get(ctx, DailyKey(now, MetricBandwidth)); err != nil {
		return nil, err
	}
	return rep, nil
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return round(float64(hits)/float64(hits+misses)*100, 2)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func bucketHour(bucket string) int {
	if len(bucket) < 2 {
		return 0
	}
	h := bucket[len(bucket)-2:]
	return int(h[0]-'0')*10 + int(h[1]-'0')
}

func mergeCounts(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
