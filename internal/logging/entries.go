package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed line of a taskmesh log file.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Message    string         `json:"msg"`
	Component  string         `json:"component,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	ConflictID string         `json:"conflict_id,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Filter narrows a set of entries. Zero fields match everything; set fields
// are combined with AND.
type Filter struct {
	MinLevel   string
	Since      time.Time
	Until      time.Time
	Component  string
	WorkerID   string
	TaskID     string
	ConflictID string
	Contains   string
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// known fields are lifted out of the raw map into Entry fields.
var knownFields = map[string]bool{
	"time": true, "level": true, "msg": true,
	"component": true, "worker_id": true, "task_id": true, "conflict_id": true,
}

// ReadEntries parses every JSON line in the log file at path, sorted by
// time. Lines that are not JSON objects are skipped. A missing file yields
// no entries.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func parseEntry(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}

	e := Entry{
		Level:      str("level"),
		Message:    str("msg"),
		Component:  str("component"),
		WorkerID:   str("worker_id"),
		TaskID:     str("task_id"),
		ConflictID: str("conflict_id"),
	}
	if ts := str("time"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Time = t
		}
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[k] = v
	}
	return e, true
}

// Match reports whether e satisfies every criterion in f.
func (f Filter) Match(e Entry) bool {
	if f.MinLevel != "" {
		want, okWant := levelRank[ParseLevel(f.MinLevel)]
		got, okGot := levelRank[e.Level]
		if okWant && okGot && got < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.WorkerID != "" && e.WorkerID != f.WorkerID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.ConflictID != "" && e.ConflictID != f.ConflictID {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
		return false
	}
	return true
}

// FilterEntries returns the entries matched by f, preserving order.
func FilterEntries(entries []Entry, f Filter) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// WriteEntries renders entries to w as "json", "csv" or "text".
func WriteEntries(w io.Writer, entries []Entry, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"time", "level", "component", "worker_id", "task_id", "message"}); err != nil {
			return err
		}
		for _, e := range entries {
			row := []string{e.Time.Format(time.RFC3339), e.Level, e.Component, e.WorkerID, e.TaskID, e.Message}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case "text", "":
		for _, e := range entries {
			if _, err := fmt.Fprintln(w, formatText(e)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported log format %q (use json, csv or text)", format)
	}
}

func formatText(e Entry) string {
	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-5s", e.Level))
	if e.Component != "" {
		sb.WriteString(" [" + e.Component + "]")
	}
	sb.WriteString(" " + e.Message)
	if e.WorkerID != "" {
		sb.WriteString(" worker=" + e.WorkerID)
	}
	if e.TaskID != "" {
		sb.WriteString(" task=" + e.TaskID)
	}
	if e.ConflictID != "" {
		sb.WriteString(" conflict=" + e.ConflictID)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, e.Attrs[k]))
	}
	return sb.String()
}
