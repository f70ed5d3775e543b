// Package loadtest drives the transfer manager with many concurrent uploads.
//
// Uploads run against an in-memory relay with configurable latency while
// every chunk send is timed. The report carries latency percentiles and the
// send timeline, which VerifyRateLimit checks against the sliding-window
// limit each token must respect per destination.
package loadtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/relaysync/internal/ratelimit"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/relay/memrelay"
	"github.com/steveyegge/relaysync/internal/transfer"
)

// Config describes one load run.
type Config struct {
	// Tokens is the number of relay credentials sharing the load (default: 2)
	Tokens int

	// Uploads is the number of concurrent uploads (default: 4)
	Uploads int

	// PayloadSize is the size of each uploaded payload (default: 1 MiB)
	PayloadSize int64

	// ChunkSize is the transfer chunk size (default: 256 KiB)
	ChunkSize int64

	// Latency is added to every relay call
	Latency time.Duration

	// Limit and Window configure the per-token sliding window
	// (default: ratelimit defaults)
	Limit  int
	Window time.Duration

	// Verify downloads every payload after upload and compares hashes
	Verify bool

	// Logger for transfer activity (default: discard)
	Logger *log.Logger
}

// Send is one timed chunk send.
type Send struct {
	Token   string
	Dest    string
	At      time.Time
	Elapsed time.Duration
	Err     error
}

// LatencyStats captures per-send latency.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Errors    int
	Durations []time.Duration
}

// Report is the outcome of a load run.
type Report struct {
	Uploads     int
	Succeeded   int
	Verified    int
	Chunks      int
	Elapsed     time.Duration
	Latency     *LatencyStats
	Sends       []Send
	TokenCounts map[string]int
}

// timedClient records every SendDocument made through it.
type timedClient struct {
	relay.Client
	token string
	rec   *recorder
}

type recorder struct {
	mu    sync.Mutex
	sends []Send
}

func (c *timedClient) SendDocument(ctx context.Context, dest string, doc relay.Document) (*relay.Message, error) {
	start := time.Now()
	msg, err := c.Client.SendDocument(ctx, dest, doc)
	c.rec.mu.Lock()
	c.rec.sends = append(c.rec.sends, Send{
		Token:   c.token,
		Dest:    dest,
		At:      start,
		Elapsed: time.Since(start),
		Err:     err,
	})
	c.rec.mu.Unlock()
	return msg, err
}

func (cfg *Config) setDefaults() {
	if cfg.Tokens <= 0 {
		cfg.Tokens = 2
	}
	if cfg.Uploads <= 0 {
		cfg.Uploads = 4
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 1 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 << 10
	}
	if cfg.Limit <= 0 {
		cfg.Limit = ratelimit.DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = ratelimit.DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
}

// Run performs cfg.Uploads concurrent uploads through one shared balancer.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg.setDefaults()

	server := memrelay.New(nil)
	server.SetLatency(cfg.Latency)

	rec := &recorder{}
	tokens := make([]string, cfg.Tokens)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("load-token-%d", i)
	}
	pool := relay.NewStaticPool(tokens, func(token string) relay.Client {
		return &timedClient{Client: server.Client(token), token: token, rec: rec}
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{Limit: cfg.Limit, Window: cfg.Window})
	balancer, err := ratelimit.NewBalancer(tokens, limiter)
	if err != nil {
		return nil, fmt.Errorf("failed to create balancer: %w", err)
	}
	defer balancer.Close()

	manager, err := transfer.NewManager(pool, balancer, transfer.Config{
		Dest:        "@loadtest",
		ChunkSize:   cfg.ChunkSize,
		BaseBackoff: 10 * time.Millisecond,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer manager: %w", err)
	}

	payloads := generatePayloads(cfg.Uploads, cfg.PayloadSize)
	results := make([]*transfer.Result, len(payloads))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, payload := range payloads {
		g.Go(func() error {
			res, err := manager.Upload(gctx, transfer.UploadRequest{
				Source: bytes.NewReader(payload),
				Name:   fmt.Sprintf("payload-%03d.bin", i),
				Size:   int64(len(payload)),
			})
			if err != nil {
				return fmt.Errorf("upload %d failed: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Uploads:     len(payloads),
		Elapsed:     time.Since(start),
		TokenCounts: make(map[string]int),
	}
	for i, res := range results {
		if !res.Success {
			continue
		}
		report.Succeeded++
		report.Chunks += res.TotalChunks
		if cfg.Verify {
			if err := verify(ctx, manager, res, payloads[i]); err != nil {
				return nil, err
			}
			report.Verified++
		}
	}

	rec.mu.Lock()
	report.Sends = append([]Send(nil), rec.sends...)
	rec.mu.Unlock()
	sort.Slice(report.Sends, func(i, j int) bool { return report.Sends[i].At.Before(report.Sends[j].At) })

	durations := make([]time.Duration, 0, len(report.Sends))
	errCount := 0
	for _, s := range report.Sends {
		report.TokenCounts[s.Token]++
		durations = append(durations, s.Elapsed)
		if s.Err != nil {
			errCount++
		}
	}
	report.Latency = computeLatencyStats(durations)
	report.Latency.Errors = errCount

	return report, nil
}

func verify(ctx context.Context, m *transfer.Manager, res *transfer.Result, want []byte) error {
	r, err := m.NewReader(ctx, res.Manifest())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", res.FileID, err)
	}
	defer r.Close()

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("failed to download %s: %w", res.FileID, err)
	}
	if !bytes.Equal(h.Sum(nil), sha256Sum(want)) {
		return fmt.Errorf("payload %s came back different", res.FileID)
	}
	return nil
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// generatePayloads returns deterministic pseudo-random payloads.
func generatePayloads(n int, size int64) [][]byte {
	rng := rand.New(rand.NewSource(42))
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
		rng.Read(out[i])
	}
	return out
}

// VerifyRateLimit checks that no (token, destination) pair made more than
// limit successful sends within any window. Send times are taken after
// admission, so pairs closer than window-slack are reported.
func VerifyRateLimit(sends []Send, limit int, window, slack time.Duration) error {
	byKey := make(map[ratelimit.Key][]time.Time)
	for _, s := range sends {
		k := ratelimit.Key{Token: s.Token, Dest: s.Dest}
		byKey[k] = append(byKey[k], s.At)
	}
	for k, times := range byKey {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 0; i+limit < len(times); i++ {
			if gap := times[i+limit].Sub(times[i]); gap < window-slack {
				return fmt.Errorf("token %s sent %d messages to %s within %v (limit %d per %v)",
					k.Token, limit+1, k.Dest, gap, limit, window)
			}
		}
	}
	return nil
}

// MaxInWindow returns the largest number of sends any (token, destination)
// pair made within one window.
func MaxInWindow(sends []Send, window time.Duration) int {
	byKey := make(map[ratelimit.Key][]time.Time)
	for _, s := range sends {
		k := ratelimit.Key{Token: s.Token, Dest: s.Dest}
		byKey[k] = append(byKey[k], s.At)
	}
	best := 0
	for _, times := range byKey {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		lo := 0
		for hi := range times {
			for times[hi].Sub(times[lo]) >= window {
				lo++
			}
			best = max(best, hi-lo+1)
		}
	}
	return best
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// Print writes the report in a human-readable form.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Uploads:   %d (%d succeeded, %d verified)\n", r.Uploads, r.Succeeded, r.Verified)
	fmt.Fprintf(w, "Chunks:    %d in %v\n", r.Chunks, r.Elapsed.Round(time.Millisecond))
	tokens := make([]string, 0, len(r.TokenCounts))
	for t := range r.TokenCounts {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		fmt.Fprintf(w, "  %s: %d sends\n", t, r.TokenCounts[t])
	}
	if r.Latency != nil {
		r.Latency.Print(w)
	}
}

// Print formats latency statistics.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Sends:   %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
