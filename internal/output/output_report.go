package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tkjaer/mtrng/internal/shared"
)

// Field is one report column.
type Field struct {
	Name   string // as accepted by --fields
	Header string
	Width  int
	value  func(h *shared.HopSnapshot) string
}

func millis(us int64) string {
	return fmt.Sprintf("%.1f", float64(us)/1000.0)
}

func rttField(name, header string, width int, get func(h *shared.HopSnapshot) int64, minSamples int) Field {
	return Field{
		Name:   name,
		Header: header,
		Width:  width,
		value: func(h *shared.HopSnapshot) string {
			if !h.HasRTT || h.Received < minSamples {
				return "-"
			}
			return millis(get(h))
		},
	}
}

// ReportFields lists every report column in display order.
var ReportFields = []Field{
	{Name: "loss", Header: "Loss%", Width: 6, value: func(h *shared.HopSnapshot) string {
		return fmt.Sprintf("%.1f%%", h.LossPct)
	}},
	{Name: "sent", Header: "Snt", Width: 5, value: func(h *shared.HopSnapshot) string {
		return fmt.Sprintf("%d", h.Sent)
	}},
	rttField("last", "Last", 7, func(h *shared.HopSnapshot) int64 { return h.Last }, 1),
	rttField("avg", "Avg", 7, func(h *shared.HopSnapshot) int64 { return h.Avg }, 1),
	rttField("ema", "EMA", 7, func(h *shared.HopSnapshot) int64 { return h.EMA }, 1),
	rttField("jitter", "Jttr", 6, func(h *shared.HopSnapshot) int64 { return h.Jitter }, 2),
	rttField("javg", "JAvg", 6, func(h *shared.HopSnapshot) int64 { return h.JitterAvg }, 2),
	rttField("best", "Best", 7, func(h *shared.HopSnapshot) int64 { return h.Best }, 1),
	rttField("worst", "Wrst", 7, func(h *shared.HopSnapshot) int64 { return h.Worst }, 1),
	rttField("stddev", "StDev", 6, func(h *shared.HopSnapshot) int64 { return h.StdDev }, 1),
}

// ParseFields resolves a comma separated list of column names. An empty
// string or "all" selects every column.
func ParseFields(list string) ([]Field, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		return ReportFields, nil
	}
	var fields []Field
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		found := false
		for _, f := range ReportFields {
			if f.Name == name {
				fields = append(fields, f)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown report field %q", name)
		}
	}
	return fields, nil
}

const hostWidth = 28

// ReportOutput prints the final snapshot as a static table.
type ReportOutput struct {
	w        io.Writer
	fields   []Field
	hostname func() (string, error)
}

func NewReportOutput(w io.Writer, fields []Field) *ReportOutput {
	if len(fields) == 0 {
		fields = ReportFields
	}
	return &ReportOutput{w: w, fields: fields, hostname: os.Hostname}
}

func (r *ReportOutput) Update(*shared.Snapshot) {}

func (r *ReportOutput) CompleteRound(*shared.Snapshot) {}

func (r *ReportOutput) Complete(snap *shared.Snapshot) {
	if snap == nil {
		return
	}
	bw := bufio.NewWriter(r.w)
	r.render(bw, snap)
	bw.Flush()
}

func (r *ReportOutput) render(w io.Writer, snap *shared.Snapshot) {
	host, err := r.hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	fmt.Fprintf(w, "Start: %s\n", snap.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "HOST: %-*s", hostWidth+3, host)
	for _, f := range r.fields {
		fmt.Fprintf(w, " %*s", f.Width, f.Header)
	}
	fmt.Fprintln(w)

	for i := range snap.VisibleHops() {
		h := &snap.Hops[i]
		if h.Sent == 0 {
			continue
		}
		marker := "--"
		if h.ICMPError {
			marker = "-!"
		}
		fmt.Fprintf(w, "%3d.|%s %-*s", h.Hop, marker, hostWidth, h.Label())
		for _, f := range r.fields {
			fmt.Fprintf(w, " %*s", f.Width, f.value(h))
		}
		fmt.Fprintln(w)

		for _, alt := range h.Alternates {
			label := alt.Addr
			if alt.Hostname != "" {
				label = fmt.Sprintf("%s (%s)", alt.Addr, alt.Hostname)
			}
			fmt.Fprintf(w, "        -> %s %.0f%%\n", label, alt.Pct)
		}
	}
}

func (r *ReportOutput) Close() error { return nil }
