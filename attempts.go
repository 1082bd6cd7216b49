package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Attempt is a rejected submission about to be logged.
type Attempt struct {
	FormType  string
	FormID    string
	IP        string
	UserAgent string
	Reason    Reason
	Score     int
	FormData  map[string]any
}

// LogEntry is a stored attempt. Entries are never updated.
type LogEntry struct {
	ID        int64           `json:"id"`
	FormType  string          `json:"formType"`
	FormID    *string         `json:"formId"`
	IP        string          `json:"ipAddress"`
	UserAgent string          `json:"userAgent"`
	Reason    Reason          `json:"reason"`
	Score     int             `json:"score"`
	FormData  json.RawMessage `json:"formData,omitempty"`
	BlockedAt time.Time       `json:"blockedAt"`
}

// LogFilter narrows a log query. Zero values are ignored. Dates select whole
// UTC days.
type LogFilter struct {
	FormType string
	IP       string
	DateFrom time.Time
	DateTo   time.Time
}

// LogQuery is a filtered, ordered, paginated request for entries.
type LogQuery struct {
	LogFilter
	Page     int
	PageSize int // <= 0 returns every matching row
	OrderBy  string
	Desc     bool
}

// DefaultLogQuery is page 1 of 20, newest first.
func DefaultLogQuery() LogQuery {
	return LogQuery{Page: 1, PageSize: 20, OrderBy: "blocked_at", Desc: true}
}

type LogPage struct {
	Entries []LogEntry `json:"entries"`
	Total   int        `json:"total"`
	Pages   int        `json:"pages"`
	Page    int        `json:"page"`
}

// Count is one row of a GROUP BY aggregate.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LogStats struct {
	Total      int     `json:"total"`
	Today      int     `json:"today"`
	LastWeek   int     `json:"lastWeek"`
	TopIPs     []Count `json:"topIps"`
	ByFormType []Count `json:"byFormType"`
	ByReason   []Count `json:"byReason"`
	ByDay      []Count `json:"byDay"`
	ByWeek     []Count `json:"byWeek"`
}

// LogStore is the backing store of the attempt log.
type LogStore interface {
	Insert(ctx context.Context, a Attempt, blockedAt time.Time) (int64, error)
	Get(ctx context.Context, id int64) (*LogEntry, error)
	Query(ctx context.Context, q LogQuery) (*LogPage, error)
	Delete(ctx context.Context, ids []int64) (int64, error)
	Clear(ctx context.Context) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (*LogStats, error)
}

// AttemptLogger records rejected submissions and serves them back to
// operators.
type AttemptLogger struct {
	store    LogStore
	settings *Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewAttemptLogger(store LogStore, settings *Settings, logger *slog.Logger) *AttemptLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptLogger{
		store:    store,
		settings: settings,
		logger:   logger.With("component", "attempts"),
		now:      time.Now,
	}
}

// Record stores a. It does nothing when logging is switched off. Errors are
// reported on the operational log and returned for the caller to ignore.
func (l *AttemptLogger) Record(ctx context.Context, a Attempt) error {
	if l.settings != nil && !l.settings.Current().LogSpam {
		return nil
	}
	a.Score = clamp(a.Score, 0, 100)
	if _, err := l.store.Insert(ctx, a, l.now().UTC()); err != nil {
		l.logger.Error("insert attempt", "form", a.FormType, "reason", a.Reason, "error", err)
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (l *AttemptLogger) Get(ctx context.Context, id int64) (*LogEntry, error) {
	return l.store.Get(ctx, id)
}

func (l *AttemptLogger) Query(ctx context.Context, q LogQuery) (*LogPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if _, ok := orderColumns[q.OrderBy]; !ok {
		q.OrderBy = "blocked_at"
	}
	return l.store.Query(ctx, q)
}

func (l *AttemptLogger) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return l.store.Delete(ctx, ids)
}

func (l *AttemptLogger) ClearAll(ctx context.Context) (int64, error) {
	return l.store.Clear(ctx)
}

// PurgeOlderThan deletes entries blocked more than days ago. days <= 0 keeps
// everything.
func (l *AttemptLogger) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := l.now().UTC().AddDate(0, 0, -days)
	n, err := l.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return n, nil
}

func (l *AttemptLogger) Stats(ctx context.Context) (*LogStats, error) {
	return l.store.Stats(ctx, l.now().UTC())
}

// ExportCSV writes every entry matching f, newest first.
func (l *AttemptLogger) ExportCSV(ctx context.Context, w io.Writer, f LogFilter) error {
	page, err := l.store.Query(ctx, LogQuery{LogFilter: f, Page: 1, OrderBy: "blocked_at", Desc: true})
	if err != nil {
		return fmt.Errorf("query attempts: %w", err)
	}
	return WriteCSV(w, page.Entries)
}
