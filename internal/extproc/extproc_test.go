package extproc_test

import (
	"context"
	"strings"
	"testing"

	"github.com/corralog/agent/internal/extproc"
	"github.com/corralog/agent/internal/record"
)

type upperProcessor struct{}

func (upperProcessor) Process(ctx context.Context, configName string, rec record.Record) (record.Record, extproc.Status) {
	if v, ok := rec.Fields["msg"]; ok {
		rec.Fields["msg"] = strings.ToUpper(v)
	}
	return rec, extproc.StatusOK
}

type dropProcessor struct{}

func (dropProcessor) Process(ctx context.Context, configName string, rec record.Record) (record.Record, extproc.Status) {
	return rec, extproc.StatusDrop
}

func TestRegistry_ApplyUsesRegisteredProcessor(t *testing.T) {
	r := extproc.NewRegistry()
	r.Register("sourceA", upperProcessor{})

	rec := record.Record{Fields: map[string]string{"msg": "hello"}}
	got, status := r.Apply(context.Background(), "sourceA", rec)
	if status != extproc.StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
	if got.Fields["msg"] != "HELLO" {
		t.Fatalf("msg = %q, want HELLO", got.Fields["msg"])
	}
}

func TestRegistry_ApplyPassesThroughWhenUnregistered(t *testing.T) {
	r := extproc.NewRegistry()
	rec := record.Record{Fields: map[string]string{"msg": "untouched"}}
	got, status := r.Apply(context.Background(), "sourceB", rec)
	if status != extproc.StatusOK || got.Fields["msg"] != "untouched" {
		t.Fatalf("got %+v, %v", got, status)
	}
}

func TestRegistry_ApplyHonorsDropStatus(t *testing.T) {
	r := extproc.NewRegistry()
	r.Register("sourceC", dropProcessor{})
	_, status := r.Apply(context.Background(), "sourceC", record.Record{})
	if status != extproc.StatusDrop {
		t.Fatalf("status = %v, want Drop", status)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := extproc.NewRegistry()
	r.Register("x", upperProcessor{})
	if _, ok := r.Lookup("x"); !ok {
		t.Fatal("expected registered processor to be found")
	}
	if _, ok := r.Lookup("y"); ok {
		t.Fatal("expected unregistered name to be absent")
	}
}
