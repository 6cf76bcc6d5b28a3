// Package templates renders the HTML fragments returned to HTMX clients.
// Components are plain templ.Components so they can be composed with
// generated templ code.
package templates

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// ErrorAlert renders a dismissible error box.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<div class="alert alert-error" role="alert"><p class="alert-message">`+
			templ.EscapeString(message)+`</p>`)
		if err != nil {
			return err
		}
		if action != "" {
			if _, err := io.WriteString(w, `<p class="alert-action">`+templ.EscapeString(action)+`</p>`); err != nil {
				return err
			}
		}
		_, err = io.WriteString(w, `<p class="alert-code">Error code: `+templ.EscapeString(code)+`</p></div>`)
		return err
	})
}

// JobProgress renders a job's progress card. While the job runs, the card
// replaces itself by polling the same URL.
func JobProgress(ev core.ProgressEvent, selfURL string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		attrs := `id="job-` + templ.EscapeString(ev.JobID) + `" class="job-progress phase-` + templ.EscapeString(string(ev.Phase)) + `"`
		if !ev.Terminal() {
			attrs += ` hx-get="` + templ.EscapeString(selfURL) + `" hx-trigger="every 1s" hx-swap="outerHTML"`
		}

		if _, err := io.WriteString(w, `<div `+attrs+`>`); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `<h3>%s <span class="phase">%s</span></h3>`,
			templ.EscapeString(ev.SchemaType), templ.EscapeString(string(ev.Phase))); err != nil {
			return err
		}

		if ev.RowsTotal != nil && *ev.RowsTotal > 0 {
			pct := ev.RowsParsed * 100 / *ev.RowsTotal
			if pct > 100 {
				pct = 100
			}
			if _, err := fmt.Fprintf(w, `<progress max="100" value="%d">%d%%</progress>`, pct, pct); err != nil {
				return err
			}
		}

		if _, err := io.WriteString(w, `<dl class="counters">`); err != nil {
			return err
		}
		for _, c := range []struct {
			label string
			value int64
		}{
			{"Parsed", ev.RowsParsed},
			{"Valid", ev.RowsValid},
			{"Written", ev.RowsWritten},
			{"Failed", ev.RowsFailed},
		} {
			if _, err := io.WriteString(w, `<dt>`+c.label+`</dt><dd>`+strconv.FormatInt(c.value, 10)+`</dd>`); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, `</dl>`); err != nil {
			return err
		}

		if ev.ETASeconds != nil {
			if _, err := fmt.Fprintf(w, `<p class="eta">About %.0fs remaining</p>`, *ev.ETASeconds); err != nil {
				return err
			}
		}
		if ev.Summary != nil && ev.Summary.Error != "" {
			if err := ErrorAlert(ev.Summary.Error, "", ev.Summary.ErrorCode).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</div>`)
		return err
	})
}
