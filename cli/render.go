package cli

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/pdoflow/pdoflow/pg/flowdb"
)

const timeFormat = "2006-01-02 15:04:05 MST"

type renderer struct {
	format string
}

func newRenderer(format string) (renderer, error) {
	switch format {
	case "simple", "grid", "html", "latex":
		return renderer{format: format}, nil
	}
	return renderer{}, invalidArgumentError{fmt.Errorf("unknown format %q (want simple|grid|html|latex)", format)}
}

func (r renderer) render(w io.Writer, headers []string, rows [][]string) {
	switch r.format {
	case "html":
		renderHTML(w, headers, rows)
	case "latex":
		renderLaTeX(w, headers, rows)
	default:
		table := tablewriter.NewWriter(w)
		table.SetHeader(headers)
		if r.format == "simple" {
			table.SetBorder(false)
			table.SetRowSeparator("")
			table.SetColumnSeparator("")
			table.SetCenterSeparator("")
			table.SetHeaderLine(true)
		}
		table.AppendBulk(rows)
		table.Render()
	}
}

func renderHTML(w io.Writer, headers []string, rows [][]string) {
	fmt.Fprintln(w, "<table>")
	fmt.Fprint(w, "  <tr>")
	for _, h := range headers {
		fmt.Fprintf(w, "<th>%s</th>", html.EscapeString(h))
	}
	fmt.Fprintln(w, "</tr>")
	for _, row := range rows {
		fmt.Fprint(w, "  <tr>")
		for _, cell := range row {
			fmt.Fprintf(w, "<td>%s</td>", html.EscapeString(cell))
		}
		fmt.Fprintln(w, "</tr>")
	}
	fmt.Fprintln(w, "</table>")
}

func renderLaTeX(w io.Writer, headers []string, rows [][]string) {
	fmt.Fprintf(w, "\\begin{tabular}{%s}\n", strings.Repeat("l", len(headers)))
	fmt.Fprintln(w, "\\hline")
	escaped := make([]string, len(headers))
	for i, h := range headers {
		escaped[i] = latexEscape(h)
	}
	fmt.Fprintf(w, "%s \\\\\n\\hline\n", strings.Join(escaped, " & "))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = latexEscape(cell)
		}
		fmt.Fprintf(w, "%s \\\\\n", strings.Join(cells, " & "))
	}
	fmt.Fprintln(w, "\\hline")
	fmt.Fprintln(w, "\\end{tabular}")
}

var latexReplacer = strings.NewReplacer(
	"\\", "\\textbackslash{}",
	"&", "\\&",
	"%", "\\%",
	"$", "\\$",
	"#", "\\#",
	"_", "\\_",
	"{", "\\{",
	"}", "\\}",
	"~", "\\textasciitilde{}",
	"^", "\\textasciicircum{}",
)

func latexEscape(s string) string {
	return latexReplacer.Replace(s)
}

func renderPostingOverviews(w io.Writer, r renderer, overviews []flowdb.PostingOverview) {
	headers := []string{"ID", "Poster", "Status", "Created", "Jobs", "Finished", "Percent"}
	rows := make([][]string, len(overviews))
	for i, o := range overviews {
		counts := flowdb.PostingCounts{Total: o.Total, Finished: o.Finished}
		rows[i] = []string{
			o.ID.String(),
			o.Poster,
			o.Status.String(),
			o.CreatedOn.Format(timeFormat),
			fmt.Sprintf("%d", o.Total),
			fmt.Sprintf("%d", o.Finished),
			fmt.Sprintf("%.1f", counts.PercentDone()),
		}
	}
	r.render(w, headers, rows)
}

func renderJobRecords(w io.Writer, r renderer, records []flowdb.JobRecord) {
	headers := []string{"ID", "Priority", "Status", "Tries Left", "Updated"}
	rows := make([][]string, len(records))
	for i, rec := range records {
		rows[i] = []string{
			rec.ID.String(),
			fmt.Sprintf("%d", rec.Priority),
			rec.Status.String(),
			fmt.Sprintf("%d", rec.TriesRemaining),
			rec.UpdatedOn.Format(timeFormat),
		}
	}
	r.render(w, headers, rows)
}

func renderPriorityStats(w io.Writer, r renderer, stats []flowdb.PriorityStat) {
	headers := []string{"Priority", "Waiting", "Oldest"}
	rows := make([][]string, len(stats))
	for i, s := range stats {
		rows[i] = []string{
			fmt.Sprintf("%d", s.Priority),
			fmt.Sprintf("%d", s.Count),
			s.Oldest.Format(timeFormat),
		}
	}
	r.render(w, headers, rows)
}
