// Package sse turns a raw Server-Sent Events byte stream into discrete event records.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/go-logr/logr"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// EventDone is the synthetic event produced for a "[DONE]" payload
	EventDone = "done"
	// EventMessage is the default event name used by providers that omit "event:" lines
	EventMessage = "message"

	doneSentinel = "[DONE]"
	readSize     = 32 * 1024
)

var (
	lf   = []byte("\n\n")
	crlf = []byte("\r\n\r\n")

	// EmptyData is the payload carried by records whose block had no data lines
	EmptyData = json.RawMessage(`[]`)
)

// Record is one decoded event block
type Record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Options tune how blocks are interpreted
type Options struct {
	// DefaultEvent names blocks that carry no "event:" line. Empty means such blocks are dropped.
	DefaultEvent string
	Logger       logr.Logger
}

// Decoder is an incremental SSE parser. Its output depends only on the bytes fed to it,
// never on how they were split into chunks.
type Decoder struct {
	buf  []byte
	opts Options
	done bool
}

// NewDecoder creates a new Decoder
func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Done reports whether a "[DONE]" sentinel ended the stream
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends a chunk and returns every record completed by it, in stream order
func (d *Decoder) Feed(chunk []byte) []Record {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var records []Record
	consumed := 0
	for !d.done {
		rest := d.buf[consumed:]
		idx, sepLen := nextSeparator(rest)
		if idx < 0 {
			break
		}
		if rec, ok := d.parseBlock(rest[:idx]); ok {
			records = append(records, rec)
		}
		consumed += idx + sepLen
	}

	if d.done {
		d.buf = nil
	} else if consumed > 0 {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	return records
}

// nextSeparator finds the earliest blank-line separator
func nextSeparator(buf []byte) (int, int) {
	lfIdx := bytes.Index(buf, lf)
	crlfIdx := bytes.Index(buf, crlf)
	switch {
	case lfIdx < 0 && crlfIdx < 0:
		return -1, 0
	case crlfIdx < 0 || (lfIdx >= 0 && lfIdx < crlfIdx):
		return lfIdx, len(lf)
	default:
		return crlfIdx, len(crlf)
	}
}

func (d *Decoder) parseBlock(block []byte) (Record, bool) {
	var event string
	var dataLines [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
	}

	data := bytes.Join(dataLines, []byte("\n"))
	if string(data) == doneSentinel {
		d.done = true
		return Record{Event: EventDone, Data: json.RawMessage("null")}, true
	}

	if event == "" {
		if d.opts.DefaultEvent == "" {
			d.opts.Logger.V(1).Info("Dropping SSE block without event name", "bytes", len(block))
			return Record{}, false
		}
		event = d.opts.DefaultEvent
	}

	if len(data) == 0 {
		return Record{Event: event, Data: EmptyData}, true
	}

	if !json.Valid(data) {
		d.opts.Logger.Info("Dropping malformed SSE payload", "event", event, "data", string(data))
		return Record{}, false
	}

	return Record{Event: event, Data: json.RawMessage(data)}, true
}

// Stream decodes r in the background. The record channel closes when r is exhausted,
// a "[DONE]" sentinel arrives, or ctx is cancelled; a read failure is reported on the
// error channel before the record channel closes.
func Stream(ctx context.Context, r io.Reader, opts Options) (<-chan Record, <-chan error) {
	if opts.Logger.GetSink() == nil {
		opts.Logger = ctrllog.FromContext(ctx).WithName("sse")
	}

	records := make(chan Record)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		decoder := NewDecoder(opts)
		buf := make([]byte, readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, rec := range decoder.Feed(buf[:n]) {
					select {
					case records <- rec:
					case <-ctx.Done():
						return
					}
				}
				if decoder.Done() {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					opts.Logger.Error(err, "SSE read failed")
					errs <- err
				}
				return
			}
		}
	}()

	return records, errs
}

// DecodeAll parses a complete payload; mostly useful for tests and replay.
func DecodeAll(payload []byte, opts Options) []Record {
	return NewDecoder(opts).Feed(payload)
}
