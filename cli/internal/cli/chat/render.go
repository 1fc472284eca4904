package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// printer writes command output, optionally colored
type printer struct {
	out     io.Writer
	errOut  io.Writer
	noColor bool
}

func newPrinter(out, errOut io.Writer, noColor bool) *printer {
	return &printer{out: out, errOut: errOut, noColor: noColor}
}

func (p *printer) paint(attr color.Attribute, s string) string {
	if p.noColor {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func (p *printer) info(format string, args ...any) {
	fmt.Fprintln(p.errOut, p.paint(color.FgCyan, fmt.Sprintf(format, args...)))
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintln(p.errOut, p.paint(color.FgRed, fmt.Sprintf(format, args...)))
}

// startSpinner shows a spinner on errOut until the returned func is called
func (p *printer) startSpinner(suffix string) func() {
	if p.noColor {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(p.errOut))
	s.Suffix = " " + suffix
	s.Start()
	return s.Stop
}

// streamWriter prints cumulative partial events as a growing reply
type streamWriter struct {
	out     io.Writer
	printed string
}

// write prints the part of text not yet on screen. A reply that no longer
// extends what was printed is started over on a fresh line.
func (w *streamWriter) write(text string) {
	if strings.HasPrefix(text, w.printed) {
		fmt.Fprint(w.out, text[len(w.printed):])
	} else {
		fmt.Fprint(w.out, "\n"+text)
	}
	w.printed = text
}

func (w *streamWriter) finish() {
	if w.printed != "" {
		fmt.Fprintln(w.out)
	}
}

// eventError extracts the message carried by an error event
func eventError(ev converters.Event) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		if len(ev.Data) > 0 {
			return string(ev.Data)
		}
		return "unknown error"
	}
	switch e := body.Error.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	if body.Message != "" {
		return body.Message
	}
	return string(ev.Data)
}

// render consumes a turn's events, printing the reply as it grows. It returns
// the final reply text and an error when the stream reported one.
func (p *printer) render(ctx context.Context, events <-chan converters.Event, stopSpinner func()) (string, error) {
	w := &streamWriter{out: p.out}
	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			stopSpinner()
		}
	}
	defer stop()

	var streamErr error
	for {
		select {
		case <-ctx.Done():
			stop()
			w.finish()
			return w.printed, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				stop()
				w.finish()
				return w.printed, streamErr
			}
			switch ev.Event {
			case converters.EventPartial:
				stop()
				w.write(ev.Text())
			case converters.EventError:
				stop()
				streamErr = fmt.Errorf("%s", eventError(ev))
			}
		}
	}
}

func (p *printer) conversationTable(items []session.ConversationSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.AppendHeader(table.Row{"ID", "Title", "Updated"})
	for _, c := range items {
		t.AppendRow(table.Row{c.ID, text.Trim(c.Title, 48), c.UpdatedAt.Local().Format(time.DateTime)})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func (p *printer) messageTable(items []session.StoredMessage) {
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.AppendHeader(table.Row{"Role", "Content", "Created"})
	for _, m := range items {
		t.AppendRow(table.Row{m.Role, converters.ContentText(m.Content), m.CreatedAt.Local().Format(time.DateTime)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	t.SetStyle(table.StyleLight)
	t.Render()
}
