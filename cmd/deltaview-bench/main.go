// deltaview-bench runs a closed-loop load test against an in-process
// DeltaView server: every client fetches a page, attaches over
// WebSocket, and fires events at a fixed rate, measuring the time from
// event write to patch receipt.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/protocol"
	"github.com/deltaview/deltaview/pkg/rendered"
	"github.com/deltaview/deltaview/pkg/server"
	"github.com/deltaview/deltaview/pkg/token"
)

type profile struct {
	Name     string
	Clients  int
	Duration time.Duration
	RPS      float64
	ListSize int
}

var profiles = map[string]profile{
	"fast": {
		Name:     "fast",
		Clients:  50,
		Duration: 10 * time.Second,
		RPS:      2,
		ListSize: 20,
	},
	"standard": {
		Name:     "standard",
		Clients:  200,
		Duration: 30 * time.Second,
		RPS:      2,
		ListSize: 50,
	},
	"soak": {
		Name:     "soak",
		Clients:  500,
		Duration: 2 * time.Minute,
		RPS:      1,
		ListSize: 100,
	},
}

// benchView mixes the slot kinds a real application renders: a text
// counter, an attribute, a conditional, and a keyed list.
type benchView struct {
	Ticks int
	Rows  []benchRow
}

type benchRow struct {
	Key   string
	Label string
	Done  bool
}

func (v *benchView) Render(b *rendered.Builder) {
	b.Static(`<div class="bench" data-ticks="`)
	b.Attr("data-ticks", strconv.Itoa(v.Ticks))
	b.Static(`"><h1>`)
	b.Text(strconv.Itoa(v.Ticks))
	b.Static(`</h1>`)
	b.Cond(v.Ticks%2 == 0, func(b *rendered.Builder) {
		b.Static(`<p>even</p>`)
	})
	b.Static(`<ul>`)
	b.List(func(l *rendered.ListBuilder) {
		for _, row := range v.Rows {
			l.Row(row.Key, func(b *rendered.Builder) {
				b.Static(`<li>`)
				b.Text(row.Label)
				b.Static(`</li>`)
			})
		}
	})
	b.Static(`</ul></div>`)
}

type tickPayload struct {
	Row int `json:"row"`
}

func benchDefinition(listSize int) *live.Definition {
	r := live.NewRegistry()
	live.On(r, "tick", func(v *benchView, p tickPayload) error {
		v.Ticks++
		if len(v.Rows) > 0 {
			i := p.Row % len(v.Rows)
			v.Rows[i].Label = "row " + strconv.Itoa(v.Ticks)
		}
		return nil
	})
	live.On(r, "shuffle", func(v *benchView, _ struct{}) error {
		rand.Shuffle(len(v.Rows), func(i, j int) {
			v.Rows[i], v.Rows[j] = v.Rows[j], v.Rows[i]
		})
		return nil
	})
	return &live.Definition{
		Name: "bench",
		Mount: func(context.Context, url.Values) (live.View, error) {
			rows := make([]benchRow, listSize)
			for i := range rows {
				rows[i] = benchRow{Key: ulid.Make().String(), Label: "row 0"}
			}
			return &benchView{Rows: rows}, nil
		},
		Events: r,
	}
}

type report struct {
	Profile        string  `json:"profile"`
	Clients        int     `json:"clients"`
	DurationSecs   float64 `json:"duration_seconds"`
	EventsSent     uint64  `json:"events_sent"`
	PatchesApplied uint64  `json:"patches_applied"`
	Errors         uint64  `json:"errors"`
	EventsPerSec   float64 `json:"events_per_second"`
	PatchBytes     uint64  `json:"patch_bytes"`
	P50Millis      float64 `json:"latency_p50_ms"`
	P95Millis      float64 `json:"latency_p95_ms"`
	P99Millis      float64 `json:"latency_p99_ms"`
	MaxMillis      float64 `json:"latency_max_ms"`
}

type collector struct {
	mu        sync.Mutex
	latencies []time.Duration

	sent       atomic.Uint64
	applied    atomic.Uint64
	errors     atomic.Uint64
	patchBytes atomic.Uint64
}

func (c *collector) record(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
}

func (c *collector) percentile(p float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(c.latencies))
	copy(sorted, c.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	var (
		profileName = flag.String("profile", "fast", "load profile: fast, standard, soak")
		clients     = flag.Int("clients", 0, "override client count")
		duration    = flag.Duration("duration", 0, "override test duration")
		rps         = flag.Float64("rps", 0, "override per-client events per second")
		jsonOut     = flag.Bool("json", false, "emit the report as JSON")
	)
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q\n", *profileName)
		os.Exit(2)
	}
	if *clients > 0 {
		p.Clients = *clients
	}
	if *duration > 0 {
		p.Duration = *duration
	}
	if *rps > 0 {
		p.RPS = *rps
	}

	if err := run(p, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "bench failed: %v\n", err)
		os.Exit(1)
	}
}

func run(p profile, jsonOut bool) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := server.DefaultServerConfig().WithTokenSecret(token.NewSecret())
	config.Logger = logger
	config.CheckOrigin = func(*http.Request) bool { return true }

	srv, err := server.NewServer(config)
	if err != nil {
		return err
	}
	if err := srv.Register(benchDefinition(p.ListSize)); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: srv.Handler()}
	go httpSrv.Serve(ln)
	defer httpSrv.Close()

	baseURL := "http://" + ln.Addr().String()
	fmt.Fprintf(os.Stderr, "profile=%s clients=%d duration=%s rps=%.1f list=%d\n",
		p.Name, p.Clients, p.Duration, p.RPS, p.ListSize)

	var (
		c  collector
		wg sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), p.Duration)
	defer cancel()

	start := time.Now()
	for i := 0; i < p.Clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runClient(ctx, baseURL, p, &c, n); err != nil {
				c.errors.Add(1)
			}
		}(i)
		// Stagger attaches so the server does not see a thundering herd.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	elapsed := time.Since(start)

	r := report{
		Profile:        p.Name,
		Clients:        p.Clients,
		DurationSecs:   elapsed.Seconds(),
		EventsSent:     c.sent.Load(),
		PatchesApplied: c.applied.Load(),
		Errors:         c.errors.Load(),
		PatchBytes:     c.patchBytes.Load(),
		P50Millis:      float64(c.percentile(0.50)) / float64(time.Millisecond),
		P95Millis:      float64(c.percentile(0.95)) / float64(time.Millisecond),
		P99Millis:      float64(c.percentile(0.99)) / float64(time.Millisecond),
		MaxMillis:      float64(c.percentile(1.0)) / float64(time.Millisecond),
	}
	if elapsed > 0 {
		r.EventsPerSec = float64(r.EventsSent) / elapsed.Seconds()
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Printf("events sent      %d\n", r.EventsSent)
	fmt.Printf("patches applied  %d\n", r.PatchesApplied)
	fmt.Printf("errors           %d\n", r.Errors)
	fmt.Printf("events/sec       %.1f\n", r.EventsPerSec)
	fmt.Printf("patch bytes      %d\n", r.PatchBytes)
	fmt.Printf("latency p50      %.2fms\n", r.P50Millis)
	fmt.Printf("latency p95      %.2fms\n", r.P95Millis)
	fmt.Printf("latency p99      %.2fms\n", r.P99Millis)
	fmt.Printf("latency max      %.2fms\n", r.MaxMillis)
	return nil
}

var tokenAttr = regexp.MustCompile(`data-dv-token="([^"]+)"`)

// fetchToken scrapes the session token out of the initial page, the
// same way a browser client picks it up.
func fetchToken(baseURL string) (string, error) {
	resp, err := http.Get(baseURL + "/bench")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	m := tokenAttr.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("page carries no token")
	}
	return string(m[1]), nil
}

func runClient(ctx context.Context, baseURL string, p profile, c *collector, n int) error {
	tok, err := fetchToken(baseURL)
	if err != nil {
		return err
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	connect, err := protocol.EncodeConnect(tok)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect); err != nil {
		return err
	}

	interval := time.Duration(float64(time.Second) / p.RPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var guard protocol.SeqGuard
	row := n
	for {
		select {
		case <-ctx.Done():
			if data, err := protocol.EncodeDisconnect("bench done"); err == nil {
				conn.WriteMessage(websocket.TextMessage, data)
			}
			return nil
		case <-ticker.C:
		}

		event, err := protocol.EncodeEvent("tick", tickPayload{Row: row})
		if err != nil {
			return err
		}
		sentAt := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
			return err
		}
		c.sent.Add(1)
		row++

		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		if msg.Kind != protocol.KindPatch {
			return fmt.Errorf("expected a patch, got %s", msg.Kind)
		}
		if err := guard.Observe(msg.Patch.Seq); err != nil {
			return err
		}
		c.record(time.Since(sentAt))
		c.applied.Add(1)
		c.patchBytes.Add(uint64(len(data)))
	}
}
