package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// LogEntry is one parsed audit line.
type LogEntry struct {
	Time    string            `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"msg"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Worker returns the worker id attribute of the entry, or -1.
func (e LogEntry) Worker() int {
	v, ok := e.Attrs["worker"]
	if !ok {
		return -1
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return id
}

// LogFilter selects entries. Zero-valued fields match everything; set
// fields must all match.
type LogFilter struct {
	Level           string // minimum level, any case
	Worker          *int
	Component       string
	MessageContains string
}

// rank orders levels DEBUG < INFO < WARN < ERROR; unknown levels get -1.
func rank(level string) int {
	return slices.Index(ValidLevels(), strings.ToUpper(level))
}

// Match reports whether e passes every set criterion.
func (f LogFilter) Match(e LogEntry) bool {
	if floor, have := rank(f.Level), rank(e.Level); floor >= 0 && have >= 0 && have < floor {
		return false
	}
	switch {
	case f.Worker != nil && e.Worker() != *f.Worker:
		return false
	case f.Component != "" && e.Attrs["component"] != f.Component:
		return false
	case f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains):
		return false
	}
	return true
}

// ReadAuditLog parses an audit log and its rotated archives. Entries come
// back oldest first: the highest-numbered archive, down to .1, then the live
// file. Lines that do not parse are skipped.
func ReadAuditLog(path string, maxBackups int) ([]LogEntry, error) {
	var entries []LogEntry
	found := false

	for i := maxBackups; i >= 1; i-- {
		archive := archiveName(path, i)
		got, err := readAuditFile(archive)
		if os.IsNotExist(err) {
			got, err = readAuditFile(archive + ".gz")
		}
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		entries = append(entries, got...)
	}

	got, err := readAuditFile(path)
	if err != nil && !(os.IsNotExist(err) && found) {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no audit log found: %w", err)
		}
		return nil, err
	}
	return append(entries, got...), nil
}

func readAuditFile(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed log %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var entries []LogEntry
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := ParseAuditLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file %s: %w", path, err)
	}
	return entries, nil
}

// ParseAuditLine parses "[HH:MM:SS] [LEVEL] message key=value ...".
// Trailing key=value tokens become attributes; everything before them is
// the message.
func ParseAuditLine(line string) (LogEntry, error) {
	ts, rest, ok := cutBracket(line)
	if !ok {
		return LogEntry{}, fmt.Errorf("missing timestamp: %q", line)
	}
	level, rest, ok := cutBracket(strings.TrimPrefix(rest, " "))
	if !ok {
		return LogEntry{}, fmt.Errorf("missing level: %q", line)
	}
	if rank(level) < 0 {
		return LogEntry{}, fmt.Errorf("unknown level %q", level)
	}

	tokens := splitTokens(strings.TrimPrefix(rest, " "))
	attrs := make(map[string]string)
	end := len(tokens)
	for end > 0 {
		key, val, ok := splitAttr(tokens[end-1])
		if !ok {
			break
		}
		if _, dup := attrs[key]; !dup {
			attrs[key] = val
		}
		end--
	}

	words := make([]string, 0, end)
	for _, tok := range tokens[:end] {
		words = append(words, tok.raw)
	}

	entry := LogEntry{
		Time:    ts,
		Level:   level,
		Message: strings.Join(words, " "),
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	return entry, nil
}

func cutBracket(s string) (inner, rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return "", s, false
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", s, false
	}
	return s[1:end], s[end+1:], true
}

type token struct {
	raw string
}

// splitTokens splits on spaces, keeping %q-quoted values intact.
func splitTokens(s string) []token {
	var out []token
	var cur strings.Builder
	inQuote, escaped := false, false

	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, token{raw: cur.String()})
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, token{raw: cur.String()})
	}
	return out
}

func splitAttr(t token) (key, val string, ok bool) {
	key, val, found := strings.Cut(t.raw, "=")
	if !found || key == "" {
		return "", "", false
	}
	for _, r := range key {
		if !(r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return "", "", false
		}
	}
	if strings.HasPrefix(val, `"`) {
		unq, err := strconv.Unquote(val)
		if err != nil {
			return "", "", false
		}
		val = unq
	}
	return key, val, true
}

// FilterLogs returns the entries f matches, in order.
func FilterLogs(entries []LogEntry, f LogFilter) []LogEntry {
	if f == (LogFilter{}) {
		return entries
	}
	var kept []LogEntry
	for _, e := range entries {
		if f.Match(e) {
			kept = append(kept, e)
		}
	}
	return kept
}

// ExportLogEntries writes entries to w in the given format.
// Supported formats: "json", "text", "csv".
func ExportLogEntries(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	case "text":
		return exportText(w, entries)
	case "csv":
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: json, text, csv)", format)
	}
}

func exportText(w io.Writer, entries []LogEntry) error {
	var b strings.Builder
	for _, e := range entries {
		b.Reset()
		fmt.Fprintf(&b, "[%s] [%s] %s", e.Time, e.Level, e.Message)
		for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
			fmt.Fprintf(&b, " %s=%s", k, e.Attrs[k])
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

// exportCSV writes one row per entry: time, level, message, worker, and the
// attributes as a JSON object.
func exportCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{"time", "level", "message", "worker", "attrs"}}
	for _, e := range entries {
		var worker, attrs string
		if id := e.Worker(); id >= 0 {
			worker = strconv.Itoa(id)
		}
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		rows = append(rows, []string{e.Time, e.Level, e.Message, worker, attrs})
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}
