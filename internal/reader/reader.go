// Package reader implements the File Reader (C3): owns one open file and
// its tail buffer, reading forward from the last known offset and handing
// bytes to the Line Splitter, Multiline Assembler, and Record Parser in
// sequence.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/corralog/agent/internal/checkpoint"
	"github.com/corralog/agent/internal/fileid"
	"github.com/corralog/agent/internal/multiline"
	"github.com/corralog/agent/internal/parser"
	"github.com/corralog/agent/internal/record"
	"github.com/corralog/agent/internal/splitter"
)

const (
	DefaultChunkSize        = 512 * 1024
	DefaultSignatureBytes   = 1024
	DefaultDiscardOldCutoff = 12 * time.Hour
)

// Outcome classifies why Tick returned early, for the owning pipeline
// loop's scheduling decisions (park-and-retry vs. abandon).
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeEOF
	OutcomeClosed
	OutcomeOpenFailed
	OutcomePermissionDenied
)

// Config configures one Reader.
type Config struct {
	SourceName string
	SourceID   string
	Path       string

	ChunkSize        int
	SignatureBytes   int
	DiscardOldCutoff time.Duration
	ByteBudgetPerTick int64

	Terminator  byte
	WholeBuffer bool

	// Encoding names the file's source encoding per its IANA name (e.g.
	// "utf-8", "iso-8859-1", "shift_jis"). Empty or "utf-8" skips
	// transcoding entirely; anything else is decoded to UTF-8 before the
	// Line Splitter sees it.
	Encoding string

	Multiline multiline.Config
	Parser    parser.Config

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SignatureBytes <= 0 {
		c.SignatureBytes = DefaultSignatureBytes
	}
	if c.DiscardOldCutoff <= 0 {
		c.DiscardOldCutoff = DefaultDiscardOldCutoff
	}
	if c.ByteBudgetPerTick <= 0 {
		c.ByteBudgetPerTick = 4 * int64(c.ChunkSize)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Reader owns one open file handle, its identity, its read offset, and the
// Line Splitter / Multiline Assembler / Record Parser chain for that file.
// Not safe for concurrent use — the spec's single input thread drives every
// Reader sequentially (§5).
type Reader struct {
	cfg   Config
	store *checkpoint.Store

	file     *os.File
	identity fileid.Identity
	offset   int64

	signatureBytes int
	signature      string
	sigVerified    bool

	splitter  *splitter.Splitter
	assembler *multiline.Assembler
	parse     *parser.Parser
	decoder   *encoding.Decoder

	lastReadTime time.Time
	closed       bool
}

// Open opens path fresh (no prior checkpoint), starting at offset 0.
func Open(cfg Config, store *checkpoint.Store) (*Reader, error) {
	return open(cfg, store, 0, "")
}

// Resume opens path continuing from a previously persisted primary
// checkpoint's offset and signature, for the crash-resume scenario.
func Resume(cfg Config, store *checkpoint.Store, rec checkpoint.PrimaryRecord) (*Reader, error) {
	return open(cfg, store, rec.Offset, rec.Identity.Signature)
}

func open(cfg Config, store *checkpoint.Store, offset int64, priorSig string) (*Reader, error) {
	cfg.applyDefaults()

	f, err := os.Open(cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &OpenError{Path: cfg.Path, Outcome: OutcomePermissionDenied, Err: err}
		}
		return nil, &OpenError{Path: cfg.Path, Outcome: OutcomeOpenFailed, Err: err}
	}

	dev, ino, size, err := fileid.Stat(cfg.Path)
	if err != nil {
		f.Close()
		return nil, &OpenError{Path: cfg.Path, Outcome: OutcomeOpenFailed, Err: err}
	}

	sig, sigLen, sigOK, err := fileid.Signature(io.NewSectionReader(f, 0, size), cfg.SignatureBytes)
	if err != nil {
		f.Close()
		return nil, &OpenError{Path: cfg.Path, Outcome: OutcomeOpenFailed, Err: err}
	}

	identity := fileid.Identity{Device: dev, Inode: ino, SigSize: sigLen, Signature: sig}

	if priorSig != "" && sigOK && sig != priorSig {
		// Signature differs at what should be the same inode: treat as a
		// new file, starting over from offset 0.
		offset = 0
	}
	if offset > size {
		// The file shrank since the checkpoint was written; treat as
		// truncation at open time.
		offset = 0
	}

	decoder, err := decoderFor(cfg.Encoding)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: encoding: %w", err)
	}

	am, err := multiline.New(cfg.Multiline)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: multiline config: %w", err)
	}
	p, err := parser.New(cfg.Parser)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: parser config: %w", err)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: seek to offset %d: %w", offset, err)
	}

	return &Reader{
		cfg:            cfg,
		store:          store,
		file:           f,
		identity:       identity,
		offset:         offset,
		signatureBytes: cfg.SignatureBytes,
		signature:      sig,
		sigVerified:    sigOK,
		splitter:       splitter.New(cfg.Terminator, cfg.WholeBuffer),
		assembler:      am,
		parse:          p,
		decoder:        decoder,
		lastReadTime:   time.Now(),
	}, nil
}

// decoderFor resolves name (an IANA encoding name) to a decoder that
// transcodes to UTF-8. An empty name or "utf-8" (any case) returns a nil
// decoder, meaning no transcoding is performed.
func decoderFor(name string) (*encoding.Decoder, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	return enc.NewDecoder(), nil
}

// OpenError reports why a Reader could not be constructed.
type OpenError struct {
	Path    string
	Outcome Outcome
	Err     error
}

func (e *OpenError) Error() string { return fmt.Sprintf("reader: open %s: %v", e.Path, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// Identity returns the reader's current file identity.
func (r *Reader) Identity() fileid.Identity { return r.identity }

// Offset returns the reader's current read offset.
func (r *Reader) Offset() int64 { return r.offset }

// LastReadTime returns the wall-clock time of the most recent successful
// read, for the Resource Governor's slow-read deadlock detector.
func (r *Reader) LastReadTime() time.Time { return r.lastReadTime }

// Tick performs one wake-up's worth of work: rotation/truncation handling,
// a bounded forward read, splitting, multiline assembly, and parsing. It
// returns the parsed records ready for the Batcher (after the discard-old-
// data cutoff has been applied) and the Outcome describing why it stopped.
func (r *Reader) Tick(ctx context.Context) ([]record.Record, Outcome, error) {
	if r.closed {
		return nil, OutcomeClosed, nil
	}

	dev, ino, size, err := fileid.Stat(r.cfg.Path)
	if err != nil {
		// The path no longer resolves; treat remaining tail as a terminal
		// record and close. Rotation search-by-inode is performed by the
		// Lifecycle Controller's checkpoint scan, not per-tick here.
		recs := r.flushTail()
		r.close()
		return recs, OutcomeClosed, nil
	}

	if dev != r.identity.Device || ino != r.identity.Inode {
		// Rotation: the path now refers to a different inode. Drain
		// whatever remains of our current handle, then stop — the caller
		// (Watch Set / Lifecycle Controller) is responsible for opening a
		// fresh Reader against the new inode (S5).
		recs, _, err := r.drainCurrentHandle(ctx)
		r.close()
		return recs, OutcomeClosed, err
	}

	if size < r.offset {
		// Truncation: emit the tail buffer as a terminal record, reset
		// offset to 0.
		recs := r.flushTail()
		r.offset = 0
		if _, err := r.file.Seek(0, io.SeekStart); err != nil {
			return recs, OutcomeContinue, err
		}
		return recs, OutcomeContinue, nil
	}

	if !r.sigVerified && size >= int64(r.signatureBytes) {
		// r.signature covers only the r.identity.SigSize bytes present at
		// open; re-hash that same prefix so like is compared with like.
		prefix, _, _, prefixErr := fileid.Signature(io.NewSectionReader(r.file, 0, size), r.identity.SigSize)
		sig, _, ok, err := fileid.Signature(io.NewSectionReader(r.file, 0, size), r.signatureBytes)
		if err == nil && prefixErr == nil && ok {
			if r.signature != "" && prefix != r.signature {
				// The prefix hashed at open has changed: treat as a new file.
				recs := r.flushTail()
				r.offset = 0
				r.signature = sig
				r.sigVerified = true
				if _, err := r.file.Seek(0, io.SeekStart); err != nil {
					return recs, OutcomeContinue, err
				}
				return recs, OutcomeContinue, nil
			}
			r.signature = sig
			r.sigVerified = true
			r.identity.Signature = sig
			r.identity.SigSize = r.signatureBytes
		}
	}

	return r.readForward(ctx)
}

func (r *Reader) readForward(ctx context.Context) ([]record.Record, Outcome, error) {
	var out []record.Record
	var budget int64 = r.cfg.ByteBudgetPerTick

	for budget > 0 {
		select {
		case <-ctx.Done():
			return out, OutcomeContinue, ctx.Err()
		default:
		}

		chunk := make([]byte, min64(int64(r.cfg.ChunkSize), budget))
		n, err := r.file.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			if r.decoder != nil {
				decoded, transcodeErr := transform.Bytes(r.decoder, chunk)
				if transcodeErr != nil {
					return out, OutcomeContinue, fmt.Errorf("reader: transcode to utf-8: %w", transcodeErr)
				}
				chunk = decoded
			}
			buf, lines := r.splitter.Split(chunk)
			for _, l := range lines {
				lineBytes := buf[l.Start : l.Start+l.Length]
				recs := r.assembler.Feed(multiline.Line{Bytes: append([]byte(nil), lineBytes...), Timestamp: time.Now()})
				out = append(out, r.parseAndFilter(recs)...)
			}
			r.offset += int64(n)
			budget -= int64(n)
			r.lastReadTime = time.Now()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, OutcomeEOF, nil
			}
			return out, OutcomeContinue, err
		}
		if n == 0 {
			return out, OutcomeEOF, nil
		}
	}
	return out, OutcomeContinue, nil
}

func (r *Reader) parseAndFilter(merged []multiline.Record) []record.Record {
	var out []record.Record
	cutoff := time.Now().Add(-r.cfg.DiscardOldCutoff)
	for _, m := range merged {
		parsed := r.parse.Parse(m.Bytes, m.Timestamp)
		if parsed.Timestamp.Before(cutoff) {
			continue
		}
		fields := parsed.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		out = append(out, record.Record{
			Timestamp: parsed.Timestamp,
			Fields:    fields,
			Raw:       m.Bytes,
			Tags: record.Tags{
				Source: r.cfg.SourceName,
				Path:   r.cfg.Path,
			},
		})
	}
	return out
}

// flushTail forces out whatever partial line/record the splitter and
// assembler are still holding, for truncation, rotation, and shutdown.
func (r *Reader) flushTail() []record.Record {
	var out []record.Record
	if tail := r.splitter.Flush(); len(tail) > 0 {
		recs := r.assembler.Feed(multiline.Line{Bytes: tail, Timestamp: time.Now()})
		out = append(out, r.parseAndFilter(recs)...)
	}
	if rec, ok := r.assembler.FlushEOF(); ok {
		out = append(out, r.parseAndFilter([]multiline.Record{rec})...)
	}
	return out
}

// drainCurrentHandle reads the current file handle to EOF before it is
// abandoned on rotation: the old inode is fully drained before any read of
// the new inode begins.
func (r *Reader) drainCurrentHandle(ctx context.Context) ([]record.Record, Outcome, error) {
	var all []record.Record
	for {
		recs, outcome, err := r.readForward(ctx)
		all = append(all, recs...)
		if outcome == OutcomeEOF || err != nil {
			all = append(all, r.flushTail()...)
			return all, OutcomeEOF, err
		}
	}
}

func (r *Reader) close() {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.file.Close()
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	r.close()
	return nil
}

// Checkpoint returns the PrimaryRecord representing this reader's current
// durable state, for the owner to persist via the Checkpoint Store.
func (r *Reader) Checkpoint() checkpoint.PrimaryRecord {
	realPath, err := filepath.EvalSymlinks(r.cfg.Path)
	if err != nil {
		realPath = r.cfg.Path
	}
	return checkpoint.PrimaryRecord{
		SourceName: r.cfg.SourceName,
		Path:       r.cfg.Path,
		RealPath:   realPath,
		Identity:   r.identity,
		Offset:     r.offset,
		CreatedAt:  time.Now(),
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
