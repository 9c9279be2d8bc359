package parser_test

import (
	"testing"
	"time"

	"github.com/corralog/agent/internal/parser"
)

func TestParse_Raw(t *testing.T) {
	p, err := parser.New(parser.Config{Mode: parser.ModeRaw})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("hello world"), time.Time{})
	if !got.Matched || got.Fields["content"] != "hello world" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_Regex_NamedCaptures(t *testing.T) {
	p, err := parser.New(parser.Config{
		Mode:         parser.ModeRegex,
		RegexPattern: `^(?P<level>\w+) (?P<msg>.*)$`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("ERROR disk full"), time.Time{})
	if !got.Matched || got.Fields["level"] != "ERROR" || got.Fields["msg"] != "disk full" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_Regex_MismatchDiscardedByDefault(t *testing.T) {
	p, err := parser.New(parser.Config{
		Mode:         parser.ModeRegex,
		RegexPattern: `^(?P<level>\w+): (?P<msg>.*)$`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("not in the expected shape"), time.Time{})
	if got.Matched {
		t.Fatalf("expected mismatch to be unmatched, got %+v", got)
	}
}

func TestParse_Regex_MismatchKeptAsRawWhenConfigured(t *testing.T) {
	p, err := parser.New(parser.Config{
		Mode:           parser.ModeRegex,
		RegexPattern:   `^(?P<level>\w+): (?P<msg>.*)$`,
		KeepOnMismatch: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("unshaped line"), time.Time{})
	if !got.Matched || got.Fields["content"] != "unshaped line" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_Delimiter_WithKeys(t *testing.T) {
	p, err := parser.New(parser.Config{
		Mode:      parser.ModeDelimiter,
		Delimiter: ",",
		Keys:      []string{"ts", "level", "msg"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("2026-01-01,INFO,started"), time.Time{})
	if got.Fields["ts"] != "2026-01-01" || got.Fields["level"] != "INFO" || got.Fields["msg"] != "started" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_Delimiter_QuotedFieldsKeepInternalDelimiters(t *testing.T) {
	p, err := parser.New(parser.Config{
		Mode:      parser.ModeDelimiter,
		Delimiter: ",",
		Quote:     `"`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte(`a,"b,c",d`), time.Time{})
	if got.Fields["field_0"] != "a" || got.Fields["field_1"] != "b,c" || got.Fields["field_2"] != "d" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_JSON(t *testing.T) {
	p, err := parser.New(parser.Config{Mode: parser.ModeJSON})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte(`{"level":"WARN","msg":"low disk"}`), time.Time{})
	if got.Fields["level"] != "WARN" || got.Fields["msg"] != "low disk" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_JSON_InvalidFallsBackWhenConfigured(t *testing.T) {
	p, err := parser.New(parser.Config{Mode: parser.ModeJSON, KeepOnMismatch: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte(`not json`), time.Time{})
	if !got.Matched || got.Fields["content"] != "not json" {
		t.Fatalf("got %+v", got)
	}
}

func TestParse_Bracketed_RecognizesLevelThreadAndFile(t *testing.T) {
	p, err := parser.New(parser.Config{Mode: parser.ModeBracketed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	line := "[2026-01-01 10:00:00.000000]\t[INFO]\t[1234]\t[reader.go:88]\tfile opened"
	got := p.Parse([]byte(line), time.Time{})
	if !got.Matched {
		t.Fatalf("expected match, got %+v", got)
	}
	if got.Fields["level"] != "INFO" {
		t.Fatalf("level = %q", got.Fields["level"])
	}
	if got.Fields["thread"] != "1234" {
		t.Fatalf("thread = %q", got.Fields["thread"])
	}
	if got.Fields["file"] != "reader.go" || got.Fields["line"] != "88" {
		t.Fatalf("file/line = %q/%q", got.Fields["file"], got.Fields["line"])
	}
	if got.Fields["content"] != "file opened" {
		t.Fatalf("content = %q", got.Fields["content"])
	}
}

func TestParse_Bracketed_NoBracketsFallsBackWithoutMatch(t *testing.T) {
	p, err := parser.New(parser.Config{Mode: parser.ModeBracketed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := p.Parse([]byte("plain unbracketed text"), time.Time{})
	if got.Matched {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestNew_RegexWithoutNamedGroupsFails(t *testing.T) {
	_, err := parser.New(parser.Config{Mode: parser.ModeRegex, RegexPattern: `^(\w+)$`})
	if err == nil {
		t.Fatal("expected error for regex without named capture groups")
	}
}
