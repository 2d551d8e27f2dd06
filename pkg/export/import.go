package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"heatvault/pkg/snapshot"
)

// ImportResult contains stats about a finished import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportJSON reads a JSON backup and upserts every snapshot by key.
// Accepts either the export envelope or a bare snapshot array. Records
// without a positive time are skipped, not fatal.
func (e *Exporter) ImportJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read import document: %w", err)
	}

	var raw []json.RawMessage
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot array: %w", err)
		}
	} else {
		var doc struct {
			Snapshots []json.RawMessage `json:"snapshots"`
		}
		if err := json.NewDecoder(br).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse export envelope: %w", err)
		}
		raw = doc.Snapshots
	}

	res := &ImportResult{}
	for _, msg := range raw {
		rec, err := snapshot.Decode(msg)
		if err != nil {
			res.Skipped++
			continue
		}
		if err := e.gw.Upsert(ctx, rec); err != nil {
			return res, fmt.Errorf("failed to upsert record %d: %w", rec.Time, err)
		}
		res.Imported++
	}
	return res, nil
}

// firstByte peeks past leading whitespace without consuming the document.
func firstByte(br *bufio.Reader) (byte, error) {
	for i := 1; ; i++ {
		buf, err := br.Peek(i)
		if err != nil {
			return 0, err
		}
		c := buf[i-1]
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return c, nil
		}
	}
}
