// Package parser implements the Record Parser (C6): turns one assembled
// record's bytes into structured fields. Five modes are supported: raw,
// regex capture, delimiter, JSON, and bracketed.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Mode selects one of the five parsing strategies.
type Mode string

const (
	ModeRaw       Mode = "raw"
	ModeRegex     Mode = "regex"
	ModeDelimiter Mode = "delimiter"
	ModeJSON      Mode = "json"
	ModeBracketed Mode = "bracketed"
)

// Config configures a Parser.
type Config struct {
	Mode Mode

	// RawKey names the single field populated in ModeRaw. Defaults to
	// "content".
	RawKey string

	// RegexPattern must contain named capture groups; each becomes a field.
	RegexPattern string

	// TimeField names the field holding the record timestamp; TimeFormat is
	// a reference-time layout per time.Parse. Both apply to the regex,
	// delimiter, and JSON modes. ModeBracketed uses only TimeFormat, on its
	// first bracketed field; ModeRaw uses neither.
	TimeField  string
	TimeFormat string

	// KeepOnMismatch controls whether a record that fails to match (regex)
	// or parse (JSON/delimiter) is kept as a raw fallback or discarded.
	KeepOnMismatch bool

	// Delimiter and Quote configure ModeDelimiter, a single delimiter-
	// separated-values split with an optional quote character.
	Delimiter string
	Quote     string
	Keys      []string
}

// Parsed is one parsed record.
type Parsed struct {
	Fields    map[string]string
	Timestamp time.Time
	Matched   bool
}

// Parser parses assembled record bytes into Parsed per its configured Mode.
type Parser struct {
	cfg Config
	re  *regexp.Regexp
}

// New compiles cfg's regex (if any) and returns a ready Parser.
func New(cfg Config) (*Parser, error) {
	if cfg.RawKey == "" {
		cfg.RawKey = "content"
	}
	p := &Parser{cfg: cfg}
	if cfg.Mode == ModeRegex {
		re, err := regexp.Compile(cfg.RegexPattern)
		if err != nil {
			return nil, err
		}
		named := 0
		for _, name := range re.SubexpNames() {
			if name != "" {
				named++
			}
		}
		if named == 0 {
			return nil, fmt.Errorf("parser: regex mode requires at least one named capture group")
		}
		p.re = re
	}
	return p, nil
}

// Parse parses one record's bytes, with fallbackTime used when no
// TimeField/TimeFormat is configured or extraction fails — the lenient
// timestamp fallback: a record with no parseable timestamp takes
// fallbackTime rather than being dropped.
func (p *Parser) Parse(raw []byte, fallbackTime time.Time) Parsed {
	switch p.cfg.Mode {
	case ModeRegex:
		return p.parseRegex(raw, fallbackTime)
	case ModeDelimiter:
		return p.parseDelimiter(raw, fallbackTime)
	case ModeJSON:
		return p.parseJSON(raw, fallbackTime)
	case ModeBracketed:
		return p.parseBracketed(raw, fallbackTime)
	default:
		return p.parseRaw(raw, fallbackTime)
	}
}

func (p *Parser) parseRaw(raw []byte, fallback time.Time) Parsed {
	return Parsed{
		Fields:    map[string]string{p.cfg.RawKey: string(raw)},
		Timestamp: fallback,
		Matched:   true,
	}
}

func (p *Parser) parseRegex(raw []byte, fallback time.Time) Parsed {
	m := p.re.FindSubmatch(raw)
	if m == nil {
		if p.cfg.KeepOnMismatch {
			return p.parseRaw(raw, fallback)
		}
		return Parsed{Matched: false, Timestamp: fallback}
	}
	fields := make(map[string]string, len(m))
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		fields[name] = string(m[i])
	}
	return Parsed{Fields: fields, Timestamp: p.extractTime(fields, fallback), Matched: true}
}

func (p *Parser) parseDelimiter(raw []byte, fallback time.Time) Parsed {
	line := string(raw)
	var parts []string
	if p.cfg.Quote != "" {
		parts = splitQuoted(line, p.cfg.Delimiter, p.cfg.Quote)
	} else {
		parts = strings.Split(line, p.cfg.Delimiter)
	}
	if len(p.cfg.Keys) > 0 && len(parts) != len(p.cfg.Keys) {
		if p.cfg.KeepOnMismatch {
			return p.parseRaw(raw, fallback)
		}
		return Parsed{Matched: false, Timestamp: fallback}
	}
	fields := make(map[string]string, len(parts))
	for i, v := range parts {
		key := fmt.Sprintf("field_%d", i)
		if i < len(p.cfg.Keys) {
			key = p.cfg.Keys[i]
		}
		fields[key] = v
	}
	return Parsed{Fields: fields, Timestamp: p.extractTime(fields, fallback), Matched: true}
}

// splitQuoted splits s on delim, respecting runs enclosed in quote so a
// delimiter inside quotes is not treated as a boundary.
func splitQuoted(s, delim, quote string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	q := quote[0]
	d := delim
	i := 0
	for i < len(s) {
		if s[i] == q {
			inQuote = !inQuote
			i++
			continue
		}
		if !inQuote && strings.HasPrefix(s[i:], d) {
			parts = append(parts, cur.String())
			cur.Reset()
			i += len(d)
			continue
		}
		cur.WriteByte(s[i])
		i++
	}
	parts = append(parts, cur.String())
	return parts
}

func (p *Parser) parseJSON(raw []byte, fallback time.Time) Parsed {
	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &obj); err != nil {
		if p.cfg.KeepOnMismatch {
			return p.parseRaw(raw, fallback)
		}
		return Parsed{Matched: false, Timestamp: fallback}
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		fields[k] = fmt.Sprintf("%v", v)
	}
	return Parsed{Fields: fields, Timestamp: p.extractTime(fields, fallback), Matched: true}
}

// parseBracketed implements a bracketed log format: a leading run of
// "[field]" groups followed by free text, where the first bracket is always
// the timestamp and the remaining ones are sniffed by content shape
// (all-uppercase => level, all-digits => thread, contains '/' or '.' => a
// "file:line" pair).
func (p *Parser) parseBracketed(raw []byte, fallback time.Time) Parsed {
	groups, rest := findBaseFields(raw)
	if len(groups) == 0 {
		if p.cfg.KeepOnMismatch {
			return p.parseRaw(raw, fallback)
		}
		return Parsed{Matched: false, Timestamp: fallback}
	}

	fields := make(map[string]string)
	fields["time"] = groups[0]

	haveLevel, haveThread, haveFile := false, false, false
	for _, g := range groups[1:] {
		switch {
		case !haveLevel && isAllUpper(g):
			fields["level"] = g
			haveLevel = true
		case !haveThread && isAllDigits(g):
			fields["thread"] = g
			haveThread = true
		case !haveFile && strings.ContainsAny(g, "/."):
			haveFile = true
			if idx := strings.IndexByte(g, ':'); idx >= 0 {
				fields["file"] = g[:idx]
				fields["line"] = g[idx+1:]
			} else {
				fields["file"] = g
			}
		}
	}
	fields["content"] = strings.TrimLeft(rest, " \t")

	ts := fallback
	if t, err := time.Parse(p.cfg.timeFormatOrDefault(), fields["time"]); err == nil {
		ts = t
	}
	return Parsed{Fields: fields, Timestamp: ts, Matched: true}
}

func (c *Config) timeFormatOrDefault() string {
	if c.TimeFormat != "" {
		return c.TimeFormat
	}
	return "2006-01-02 15:04:05.000000"
}

// findBaseFields splits a bracketed-format line into its leading "[x][y]..."
// groups and the remaining free text. A ']' only closes a field when
// followed by tab, end-of-string, or newline; a ']' followed by anything
// else ends the run without keeping that field. After a closing ']' and its
// tab, the run continues only if the next byte is '['.
func findBaseFields(buf []byte) (groups []string, rest string) {
	i := 0
	n := len(buf)
	for i < n {
		if buf[i] != '[' {
			break
		}
		start := i + 1
		depth := 1
		j := start
		for j < n {
			if buf[j] == ']' {
				depth--
				if depth == 0 {
					break
				}
			} else if buf[j] == '[' {
				depth++
			}
			j++
		}
		if j >= n {
			break
		}
		closesGroup := j+1 >= n || buf[j+1] == '\t' || buf[j+1] == '\n'
		if !closesGroup {
			break
		}
		groups = append(groups, string(buf[start:j]))
		i = j + 1
		if i < n && buf[i] == '\t' {
			i++
			if i >= n || buf[i] != '[' {
				break
			}
		}
	}
	if i < n {
		rest = string(buf[i:])
	}
	return groups, rest
}

func isAllUpper(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (p *Parser) extractTime(fields map[string]string, fallback time.Time) time.Time {
	if p.cfg.TimeField == "" {
		return fallback
	}
	raw, ok := fields[p.cfg.TimeField]
	if !ok {
		return fallback
	}
	format := p.cfg.TimeFormat
	if format == "" {
		format = time.RFC3339
	}
	t, err := time.Parse(format, raw)
	if err != nil {
		return fallback
	}
	return t
}
