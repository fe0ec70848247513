// Package journal persists the bot's append-only event streams as JSON
// Lines files.
//
// Three streams live in one directory: activity.stream (trimmed to the
// most recent N records), trades.stream and opportunities.stream (never
// trimmed). Every line is a Record carrying an id, a type tag, a UTC
// millisecond timestamp and a trace id, with the payload in data. Each
// append is a single write on an O_APPEND handle, so a record lands
// entirely or not at all. Records are never rewritten in place; a
// correction is a new record whose ref names the prior record's id.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"polymarket-lab/pkg/types"
)

const (
	activityFile    = "activity.stream"
	tradesFile      = "trades.stream"
	opportunityFile = "opportunities.stream"

	defaultActivityKeep = 1000

	// compactSlack is how far past the keep limit the activity stream may
	// grow before a compaction pass rewrites it. Amortizes the rewrite.
	compactSlack = 128
)

// Record is one journal line. Type names the payload in Data; Ref, when
// set, is the id of the record this one corrects.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TraceID   string          `json:"trace_id"`
	Ref       string          `json:"ref,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// stream is one append-only JSONL file. keep == 0 means never trim.
type stream struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	keep  int
	count int
}

func openStream(path string, keep int) (*stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	s := &stream{path: path, f: f, keep: keep}
	if keep > 0 {
		n, err := countLines(path)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("count stream: %w", err)
		}
		s.count = n
	}
	return s, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func (s *stream) append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	s.count++
	if s.keep > 0 && s.count >= s.keep+compactSlack {
		return s.compactLocked()
	}
	return nil
}

// compactLocked rewrites the file keeping only the newest keep records.
// The replacement goes through a temp file and a rename so a reader never
// sees a half-trimmed stream.
func (s *stream) compactLocked() error {
	records, err := readRecords(s.path, nil)
	if err != nil {
		return fmt.Errorf("compact read: %w", err)
	}
	if len(records) > s.keep {
		records = records[len(records)-s.keep:]
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("compact create: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			out.Close()
			return fmt.Errorf("compact marshal: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("compact flush: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("compact close: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("compact rename: %w", err)
	}

	// The open handle still points at the replaced inode; reopen.
	s.f.Close()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("compact reopen: %w", err)
	}
	s.f = f
	s.count = len(records)
	return nil
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Sync()
	return s.f.Close()
}

// readRecords parses every line of a stream file. Lines that do not parse
// (a torn tail after a crash) are skipped with a warning.
func readRecords(path string, logger *slog.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if logger != nil {
				logger.Warn("skipping malformed journal line", "path", path, "error", err)
			}
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("scan stream: %w", err)
	}
	return records, nil
}

// Journal owns the three event streams of one bot instance.
type Journal struct {
	logger *slog.Logger

	activity      *stream
	trades        *stream
	opportunities *stream

	// lastTradeRec maps trade id to the id of its most recent record, so
	// a follow-up record (the close, or a correction) can reference it.
	recMu        sync.Mutex
	lastTradeRec map[int64]string
}

// Open creates the journal directory if needed and opens all streams.
// activityKeep bounds the activity stream; zero or negative selects the
// default of 1000 records.
func Open(dir string, activityKeep int, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if activityKeep <= 0 {
		activityKeep = defaultActivityKeep
	}

	activity, err := openStream(filepath.Join(dir, activityFile), activityKeep)
	if err != nil {
		return nil, err
	}
	trades, err := openStream(filepath.Join(dir, tradesFile), 0)
	if err != nil {
		activity.close()
		return nil, err
	}
	opportunities, err := openStream(filepath.Join(dir, opportunityFile), 0)
	if err != nil {
		activity.close()
		trades.close()
		return nil, err
	}

	j := &Journal{
		logger:        logger.With("component", "journal"),
		activity:      activity,
		trades:        trades,
		opportunities: opportunities,
		lastTradeRec:  make(map[int64]string),
	}
	j.seedTradeRefs()
	return j, nil
}

// seedTradeRefs rebuilds the trade record chain from the existing stream
// so corrections written after a restart still reference the prior record.
func (j *Journal) seedTradeRefs() {
	records, err := readRecords(j.trades.path, j.logger)
	if err != nil {
		j.logger.Warn("could not seed trade record chain", "error", err)
		return
	}
	for _, rec := range records {
		var t types.Trade
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			continue
		}
		j.lastTradeRec[t.TradeID] = rec.ID
	}
}

// Close flushes and closes every stream.
func (j *Journal) Close() error {
	var firstErr error
	for _, s := range []*stream{j.activity, j.trades, j.opportunities} {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newRecord(typeTag, traceID string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", typeTag, err)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Record{
		ID:        uuid.NewString(),
		Type:      typeTag,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		TraceID:   traceID,
		Data:      data,
	}, nil
}

// Activity appends one event to the activity stream. The event's
// timestamp and trace id are filled in when empty.
func (j *Journal) Activity(ev types.ActivityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	}
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}
	rec, err := newRecord(string(ev.Type), ev.TraceID, ev)
	if err != nil {
		return err
	}
	rec.Timestamp = ev.Timestamp
	return j.activity.append(rec)
}

// Trade appends one trade record. A later record for the same trade id
// (the close, or a correction) references the previous record through ref.
func (j *Journal) Trade(t types.Trade) error {
	rec, err := newRecord("trade", t.TraceID, t)
	if err != nil {
		return err
	}

	j.recMu.Lock()
	if prior, ok := j.lastTradeRec[t.TradeID]; ok {
		rec.Ref = prior
	}
	j.lastTradeRec[t.TradeID] = rec.ID
	j.recMu.Unlock()

	return j.trades.append(rec)
}

// Opportunity appends one detected opportunity.
func (j *Journal) Opportunity(o types.Opportunity) error {
	rec, err := newRecord("opportunity", "", o)
	if err != nil {
		return err
	}
	return j.opportunities.append(rec)
}

// RecentActivity returns up to limit of the newest activity events in
// chronological order.
func (j *Journal) RecentActivity(limit int) ([]types.ActivityEvent, error) {
	j.activity.mu.Lock()
	defer j.activity.mu.Unlock()

	records, err := readRecords(j.activity.path, j.logger)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	events := make([]types.ActivityEvent, 0, len(records))
	for _, rec := range records {
		var ev types.ActivityEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			j.logger.Warn("skipping malformed activity payload", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Trades returns every trade record in append order. The engine replays
// this on startup to rebuild portfolio state.
func (j *Journal) Trades() ([]types.Trade, error) {
	j.trades.mu.Lock()
	defer j.trades.mu.Unlock()

	records, err := readRecords(j.trades.path, j.logger)
	if err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(records))
	for _, rec := range records {
		var t types.Trade
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			j.logger.Warn("skipping malformed trade payload", "error", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Opportunities returns up to limit of the newest opportunity records in
// chronological order. limit <= 0 returns all of them.
func (j *Journal) Opportunities(limit int) ([]types.Opportunity, error) {
	j.opportunities.mu.Lock()
	defer j.opportunities.mu.Unlock()

	records, err := readRecords(j.opportunities.path, j.logger)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]types.Opportunity, 0, len(records))
	for _, rec := range records {
		var o types.Opportunity
		if err := json.Unmarshal(rec.Data, &o); err != nil {
			j.logger.Warn("skipping malformed opportunity payload", "error", err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
