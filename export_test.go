package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	ref := "42"
	entries := []LogEntry{{
		ID:        7,
		FormType:  "contact_form_7",
		FormID:    &ref,
		IP:        "203.0.113.7",
		UserAgent: `Mozilla/5.0 "quoted", comma`,
		Reason:    ReasonHoneypotFilled,
		Score:     100,
		BlockedAt: time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC),
	}, {
		ID:        8,
		FormType:  "wp_login",
		Reason:    ReasonTooFast,
		Score:     90,
		BlockedAt: time.Date(2026, 10, 15, 9, 31, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, entries))
	require.True(t, bytes.HasPrefix(buf.Bytes(), utf8BOM))

	records, err := csv.NewReader(bytes.NewReader(buf.Bytes()[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"7", "2026-10-15 09:30:00", "contact_form_7", "42", "203.0.113.7",
		`Mozilla/5.0 "quoted", comma`, "honeypot_filled", "100"}, records[1])
	assert.Equal(t, "", records[2][3])
}

func TestExportCSVFilters(t *testing.T) {
	store := newTestStore(t)
	l := NewAttemptLogger(store, nil, nil)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Attempt{FormType: "wp_login", IP: "203.0.113.1", Reason: ReasonTooFast, Score: 90}))
	require.NoError(t, l.Record(ctx, Attempt{FormType: "wp_comments", IP: "203.0.113.2", Reason: ReasonExpiredForm, Score: 50}))

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(ctx, &buf, LogFilter{IP: "203.0.113.2"}))
	records, err := csv.NewReader(bytes.NewReader(buf.Bytes()[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "wp_comments", records[1][2])
	assert.Equal(t, "expired_form", records[1][6])
}
