package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/failsink/internal/metrics"
)

const (
	lokiMaxAttempts = 3
	lokiBackoff     = 100 * time.Millisecond
)

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // Loki push endpoint URL
	Labels        map[string]string // Static stream labels
	BatchSize     int               // Number of log lines per push
	FlushInterval string            // e.g. "5s"
}

// LokiWriter is an io.Writer that pushes log lines to Grafana Loki.
// Lines are split into streams by the subsystem and category attributes that
// reporters attach, on top of the static labels, so Loki can be queried with
// {job="failsink", subsystem="..."} the same way the platform log is filtered.
type LokiWriter struct {
	endpoint  string
	static    map[string]string
	batchSize int
	interval  time.Duration
	client    *http.Client

	mu      sync.Mutex
	pending []lokiLine
	failed  int
	closed  bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type lokiLine struct {
	at        time.Time
	text      string
	subsystem string
	category  string
}

// Loki push API body.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter starts a writer with a background pusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	interval := 5 * time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid flush interval: %s must be positive", cfg.FlushInterval)
		}
		interval = d
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	static := map[string]string{"job": "failsink"}
	for k, v := range cfg.Labels {
		static[k] = v
	}

	lw := &LokiWriter{
		endpoint:  cfg.Endpoint,
		static:    static,
		batchSize: batchSize,
		interval:  interval,
		client:    &http.Client{Timeout: 10 * time.Second},
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.run()

	return lw, nil
}

// Write buffers one line. Pushing happens on the background goroutine.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	subsystem, category := lineTags(p)

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, fmt.Errorf("loki writer is closed")
	}

	lw.pending = append(lw.pending, lokiLine{
		at:        time.Now(),
		text:      string(p),
		subsystem: subsystem,
		category:  category,
	})

	if len(lw.pending) >= lw.batchSize {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// FailedBatches returns how many pushes were dropped after all attempts.
func (lw *LokiWriter) FailedBatches() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.failed
}

// Close stops the pusher and pushes what is left.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.done)
	lw.wg.Wait()

	return lw.push()
}

func (lw *LokiWriter) run() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.done:
			return
		}
		_ = lw.push()
	}
}

// push drains the buffer into one request. A batch that still fails after
// lokiMaxAttempts is dropped and counted.
func (lw *LokiWriter) push() error {
	lw.mu.Lock()
	lines := lw.pending
	lw.pending = nil
	lw.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}

	body, err := json.Marshal(lokiPushRequest{Streams: lw.streams(lines)})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= lokiMaxAttempts; attempt++ {
		if lastErr = lw.post(body); lastErr == nil {
			return nil
		}
		if attempt < lokiMaxAttempts {
			time.Sleep(lokiBackoff << (attempt - 1))
		}
	}

	lw.mu.Lock()
	lw.failed++
	lw.mu.Unlock()
	metrics.LokiFailedBatchesTotal.Inc()
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiMaxAttempts, lastErr)
}

// streams groups lines by their tags, keeping first-seen stream order and
// line order within each stream.
func (lw *LokiWriter) streams(lines []lokiLine) []lokiStream {
	type tags struct{ subsystem, category string }
	index := make(map[tags]int)
	var out []lokiStream

	for _, l := range lines {
		key := tags{l.subsystem, l.category}
		i, ok := index[key]
		if !ok {
			labels := make(map[string]string, len(lw.static)+2)
			for k, v := range lw.static {
				labels[k] = v
			}
			if l.subsystem != "" {
				labels["subsystem"] = l.subsystem
			}
			if l.category != "" {
				labels["category"] = l.category
			}
			i = len(out)
			index[key] = i
			out = append(out, lokiStream{Stream: labels})
		}
		out[i].Values = append(out[i].Values, []string{strconv.FormatInt(l.at.UnixNano(), 10), l.text})
	}
	return out
}

func (lw *LokiWriter) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// text and pattern formats render attrs as key=value, pattern inside {a=b,c=d}
var (
	subsystemAttr = regexp.MustCompile(`(?:^|[\s{,])subsystem=("(?:[^"\\]|\\.)*"|[^\s,}]+)`)
	categoryAttr  = regexp.MustCompile(`(?:^|[\s{,])category=("(?:[^"\\]|\\.)*"|[^\s,}]+)`)
)

// lineTags extracts the subsystem and category attributes from one rendered
// log line in any of the configured formats.
func lineTags(line []byte) (subsystem, category string) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var tagged struct {
			Subsystem string `json:"subsystem"`
			Category  string `json:"category"`
		}
		if json.Unmarshal(trimmed, &tagged) == nil {
			return tagged.Subsystem, tagged.Category
		}
	}
	return attrValue(subsystemAttr, line), attrValue(categoryAttr, line)
}

func attrValue(re *regexp.Regexp, line []byte) string {
	m := re.FindSubmatch(line)
	if m == nil {
		return ""
	}
	v := string(m[1])
	if unquoted, err := strconv.Unquote(v); err == nil {
		return unquoted
	}
	return v
}
