// Package ingest replays captured pointer events and turns them into stored
// feature vectors.
package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"pointerguard/shared/types"
)

// Format of an event replay file.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// DetectFormat guesses the format from a file name; JSONL is the default.
func DetectFormat(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return FormatCSV
	}
	return FormatJSONL
}

// Read decodes every event in r.
func Read(r io.Reader, f Format) ([]types.RawEvent, error) {
	switch f {
	case FormatCSV:
		return ReadCSV(r)
	case FormatJSONL, "":
		return ReadJSONL(r)
	default:
		return nil, fmt.Errorf("unknown event format %q", f)
	}
}

// ReadJSONL decodes one RawEvent per non-blank line.
func ReadJSONL(r io.Reader) ([]types.RawEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var out []types.RawEvent
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var ev types.RawEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := check(ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// csvColumns is the header ReadCSV expects, in any order. x and y may be
// empty for events without a position.
var csvColumns = []string{"identity_id", "session_id", "timestamp", "kind", "x", "y", "button", "wheel_delta"}

// ReadCSV decodes events from a CSV file with a header row.
func ReadCSV(r io.Reader) ([]types.RawEvent, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range csvColumns[:4] {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("csv header: missing column %q", name)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var out []types.RawEvent
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		ev := types.RawEvent{
			IdentityID: get(rec, "identity_id"),
			SessionID:  get(rec, "session_id"),
			Kind:       types.EventKind(get(rec, "kind")),
			Button:     get(rec, "button"),
		}
		if ev.Timestamp, err = strconv.ParseFloat(get(rec, "timestamp"), 64); err != nil {
			return nil, fmt.Errorf("row %d: timestamp: %w", row, err)
		}
		if x, y := get(rec, "x"), get(rec, "y"); x != "" && y != "" {
			p := types.Point{}
			if p.X, err = strconv.ParseFloat(x, 64); err != nil {
				return nil, fmt.Errorf("row %d: x: %w", row, err)
			}
			if p.Y, err = strconv.ParseFloat(y, 64); err != nil {
				return nil, fmt.Errorf("row %d: y: %w", row, err)
			}
			ev.Position = &p
		}
		if wd := get(rec, "wheel_delta"); wd != "" {
			if ev.WheelDelta, err = strconv.ParseFloat(wd, 64); err != nil {
				return nil, fmt.Errorf("row %d: wheel_delta: %w", row, err)
			}
		}
		if err := check(ev); err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		out = append(out, ev)
	}
}

func check(ev types.RawEvent) error {
	if ev.IdentityID == "" || ev.SessionID == "" {
		return errors.New("identity_id and session_id are required")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}
