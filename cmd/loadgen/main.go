// loadgen drives filter-server sessions: each worker opens a session, waits
// for its control and then picks species with a Zipf skew.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	BaseURL        string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	ClearRatio     float64
	OutputPrefix   string
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "filter-server base URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent sessions")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.Float64Var(&cfg.ClearRatio, "clear", 0.1, "Share of requests that clear the filter")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.DurationVar(&cfg.ReadyTimeout, "ready-timeout", 30*time.Second, "How long a session may take to become interactive")
	flag.Parse()
	return cfg
}

// request result (one sample per selection)
type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Index     int
	Outcome   string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	TargetURL     string    `json:"target"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	latMs   []float64
}

type client struct {
	base string
	http *http.Client
}

type sessionResp struct {
	ID    string `json:"id"`
	Layer struct {
		State string `json:"state"`
	} `json:"layer"`
}

type controlResp struct {
	Entries []struct {
		Index   int  `json:"index"`
		Divider bool `json:"divider"`
	} `json:"entries"`
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// openSession creates a session and polls until its control is bound.
func (c *client) openSession(ctx context.Context, readyTimeout time.Duration) (string, int, error) {
	var s sessionResp
	if code, err := c.do(ctx, http.MethodPost, "/sessions", nil, &s); err != nil || code != http.StatusCreated {
		return "", 0, fmt.Errorf("create session: status=%d err=%v", code, err)
	}

	deadline := time.Now().Add(readyTimeout)
	for {
		var ctl controlResp
		code, err := c.do(ctx, http.MethodGet, "/sessions/"+s.ID+"/control", nil, &ctl)
		if err == nil && code == http.StatusOK {
			n := 0
			for _, e := range ctl.Entries {
				if e.Index > 0 && !e.Divider {
					n++
				}
			}
			return s.ID, n, nil
		}
		if time.Now().After(deadline) {
			return "", 0, fmt.Errorf("session %s not interactive: status=%d err=%v", s.ID, code, err)
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	c := &client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 128,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.RequestTimeout,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "index", "state"})
		var agg aggregatedResult
		for s := range samplesChan {
			agg.total++
			if s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300 {
				agg.success++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.ErrorMsg,
				fmt.Sprintf("%d", s.Index),
				s.Outcome,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	seed := startTime.UnixNano()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) clear=%.2f",
		c.base, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, cfg.ClearRatio)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, c, cfg, rand.New(rand.NewSource(seed+int64(id)+1)), samplesChan)
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		TargetURL:     c.base,
	}

	jsonFile, err := os.Create(filepath.Clean(jsonPath))
	if err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.errors, runSummary.ThroughputRPS, runSummary.P50Ms, runSummary.P95Ms, runSummary.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func runWorker(ctx context.Context, c *client, cfg Config, r *rand.Rand, out chan<- sample) {
	id, n, err := c.openSession(ctx, cfg.ReadyTimeout)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("worker: %v", err)
		}
		return
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = c.do(dctx, http.MethodDelete, "/sessions/"+id, nil, nil)
	}()

	var zipf *rand.Zipf
	if n > 1 {
		zipf = rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(n-1))
	}

	for ctx.Err() == nil {
		index := pickIndex(r, zipf, n, cfg.ClearRatio)

		start := time.Now()
		var snap sessionResp
		code, err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/selection", map[string]int{"index": index}, &snap)
		s := sample{Timestamp: start, Latency: time.Since(start), Status: code, Index: index, Outcome: snap.Layer.State}
		if err != nil {
			s.ErrorMsg = err.Error()
		} else if code < 200 || code >= 300 {
			s.ErrorMsg = fmt.Sprintf("status=%d", code)
		}

		select {
		case out <- s:
		case <-ctx.Done():
			return
		}
	}
}

// pickIndex returns 0 (clear) with probability clearRatio, otherwise a
// Zipf-skewed catalog position in 1..n.
func pickIndex(r *rand.Rand, zipf *rand.Zipf, n int, clearRatio float64) int {
	if n == 0 || r.Float64() < clearRatio {
		return 0
	}
	if zipf == nil {
		return 1
	}
	return int(zipf.Uint64()) + 1
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	i := int(k)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - float64(i)
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
