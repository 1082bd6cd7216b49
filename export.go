package main

import (
	"encoding/csv"
	"io"
	"strconv"
)

// utf8BOM lets spreadsheet software detect the encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvHeader = []string{"ID", "Date/Time", "Form Type", "Form ID", "IP Address", "User Agent", "Spam Reason", "Spam Score"}

// WriteCSV writes entries with a BOM and a fixed column order.
func WriteCSV(w io.Writer, entries []LogEntry) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		formID := ""
		if e.FormID != nil {
			formID = *e.FormID
		}
		rec := []string{
			strconv.FormatInt(e.ID, 10),
			e.BlockedAt.UTC().Format(dbTimeLayout),
			e.FormType,
			formID,
			e.IP,
			e.UserAgent,
			string(e.Reason),
			strconv.Itoa(e.Score),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
