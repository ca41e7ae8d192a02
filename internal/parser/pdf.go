package parser

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// readPDF rebuilds a table from a text PDF. Glyph runs on the same baseline
// form a row; a horizontal gap wider than cellGap font sizes starts a new cell.
func readPDF(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("new pdf reader: %w", err)
	}
	var table [][]string
	for page := 1; page <= doc.NumPage(); page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		rows, err := p.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })
		for _, row := range rows {
			runs := make([]textRun, 0, len(row.Content))
			for _, t := range row.Content {
				runs = append(runs, textRun{x: t.X, w: t.W, size: t.FontSize, s: t.S})
			}
			if cells := splitCells(runs); len(cells) > 0 {
				table = append(table, cells)
			}
		}
	}
	return table, nil
}

const (
	cellGap = 1.5
	wordGap = 0.2
)

type textRun struct {
	x, w, size float64
	s          string
}

func splitCells(runs []textRun) []string {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].x < runs[j].x })
	var (
		cells []string
		cur   strings.Builder
		end   float64
		size  float64
	)
	for i, run := range runs {
		if i > 0 {
			gap := run.x - end
			switch {
			case gap > cellGap*size:
				cells = append(cells, strings.TrimSpace(cur.String()))
				cur.Reset()
			case gap > wordGap*size:
				cur.WriteByte(' ')
			}
		}
		cur.WriteString(run.s)
		end = run.x + run.w
		size = run.size
		if size <= 0 {
			size = 10
		}
	}
	if cur.Len() > 0 {
		cells = append(cells, strings.TrimSpace(cur.String()))
	}
	if blankRow(cells) {
		return nil
	}
	return cells
}
