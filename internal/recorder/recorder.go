// Package recorder appends per-tick snapshots and closed trades to
// day-partitioned JSONL files, the engine's flight recorder.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aster-trading-bot/internal/logging"
	"aster-trading-bot/internal/orders"
	"aster-trading-bot/internal/signal"
)

// TickSnapshot is one symbol's view at one engine tick.
type TickSnapshot struct {
	Time       time.Time   `json:"time"`
	Symbol     string      `json:"symbol"`
	State      string      `json:"state"`
	Bid        float64     `json:"bid"`
	Ask        float64     `json:"ask"`
	Mark       float64     `json:"mark"`
	SpreadBps  float64     `json:"spread_bps"`
	FundingBps float64     `json:"funding_bps"`
	RetBps     float64     `json:"ret_bps"`
	VolBps     float64     `json:"vol_bps"`
	Side       signal.Side `json:"side,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Recorder owns one append-only file per stream per UTC day. Files roll
// at midnight; a write error disables the stream for the day rather than
// failing the engine tick.
type Recorder struct {
	mu  sync.Mutex
	dir string
	log *logging.Logger

	snapshots *dailyFile
	trades    *dailyFile
}

type dailyFile struct {
	prefix string
	day    string
	f      *os.File
	broken bool
}

// New creates the recorder rooted at dir, creating it if needed.
func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recorder dir: %w", err)
	}
	return &Recorder{
		dir:       dir,
		log:       logging.Default().WithComponent("recorder"),
		snapshots: &dailyFile{prefix: "snapshots"},
		trades:    &dailyFile{prefix: "trades"},
	}, nil
}

// RecordSnapshot appends one tick snapshot.
func (r *Recorder) RecordSnapshot(snap TickSnapshot) {
	if snap.Time.IsZero() {
		snap.Time = time.Now().UTC()
	}
	r.append(r.snapshots, snap.Time, snap)
}

// RecordTrade appends one closed trade.
func (r *Recorder) RecordTrade(rec orders.TradeRecord) {
	r.append(r.trades, rec.ClosedAt, rec)
}

func (r *Recorder) append(df *dailyFile, at time.Time, v interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	day := at.UTC().Format("2006-01-02")
	if df.day != day {
		if df.f != nil {
			df.f.Close()
			df.f = nil
		}
		df.day = day
		df.broken = false
	}
	if df.broken {
		return
	}
	if df.f == nil {
		path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.jsonl", df.prefix, day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			r.log.Error("open journal failed, stream disabled for the day", "path", path, "error", err)
			df.broken = true
			return
		}
		df.f = f
	}

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := df.f.Write(append(data, '\n')); err != nil {
		r.log.Error("journal write failed, stream disabled for the day", "prefix", df.prefix, "error", err)
		df.f.Close()
		df.f = nil
		df.broken = true
	}
}

// Close flushes and closes the open journals.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, df := range []*dailyFile{r.snapshots, r.trades} {
		if df.f != nil {
			df.f.Close()
			df.f = nil
		}
	}
}
