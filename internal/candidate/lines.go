package candidate

import (
	"sort"
	"strings"

	"github.com/ledgerline/invoicescan/internal/model"
)

// textLine is a reading-order line reconstructed from positioned tokens.
type textLine struct {
	tokens []model.Token
	// text is the tokens joined with single spaces; offsets[i] is the start
	// of tokens[i] within text.
	text    string
	offsets []int
	bounds  model.Rect
}

// buildLines clusters tokens into baseline groups and orders them for
// reading: top to bottom, left to right.
func buildLines(tokens []model.Token) []textLine {
	if len(tokens) == 0 {
		return nil
	}

	sorted := append([]model.Token(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return centerY(sorted[i].Bounds) < centerY(sorted[j].Bounds)
	})

	// Tokens arrive in Y order, so a token either joins the most recent
	// group's baseline or starts a new line.
	var groups [][]model.Token
	for _, t := range sorted {
		if n := len(groups); n > 0 && sameBaseline(groups[n-1][0].Bounds, t.Bounds) {
			groups[n-1] = append(groups[n-1], t)
			continue
		}
		groups = append(groups, []model.Token{t})
	}

	lines := make([]textLine, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].Bounds.X < g[j].Bounds.X })

		var sb strings.Builder
		offsets := make([]int, len(g))
		bounds := g[0].Bounds
		for i, t := range g {
			if i > 0 {
				sb.WriteByte(' ')
			}
			offsets[i] = sb.Len()
			sb.WriteString(t.Text)
			bounds = union(bounds, t.Bounds)
		}
		lines = append(lines, textLine{tokens: g, text: sb.String(), offsets: offsets, bounds: bounds})
	}
	return lines
}

// sameBaseline reports whether two boxes belong on one reading line: their
// vertical centers fall within half the taller box's height.
func sameBaseline(a, b model.Rect) bool {
	h := a.Height
	if b.Height > h {
		h = b.Height
	}
	if h == 0 {
		return false
	}
	d := centerY(a) - centerY(b)
	if d < 0 {
		d = -d
	}
	return d*2 < h
}

func centerY(r Rect) int { return r.Y + r.Height/2 }

// Rect aliases the model type to keep signatures here short.
type Rect = model.Rect

func union(a, b Rect) Rect {
	x0, y0 := a.X, a.Y
	if b.X < x0 {
		x0 = b.X
	}
	if b.Y < y0 {
		y0 = b.Y
	}
	x1, y1 := a.X+a.Width, a.Y+a.Height
	if b.X+b.Width > x1 {
		x1 = b.X + b.Width
	}
	if b.Y+b.Height > y1 {
		y1 = b.Y + b.Height
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// span resolves a [start, end) character range of the line text back to the
// covered tokens: their union bounds and mean engine confidence.
func (l *textLine) span(start, end int) (Rect, float64, int) {
	var covered []model.Token
	for i, t := range l.tokens {
		tStart := l.offsets[i]
		tEnd := tStart + len(t.Text)
		if tStart < end && start < tEnd {
			covered = append(covered, t)
		}
	}
	if len(covered) == 0 {
		return l.bounds, 0, 0
	}

	bounds := covered[0].Bounds
	var sum float64
	for _, t := range covered {
		bounds = union(bounds, t.Bounds)
		sum += t.Confidence
	}
	return bounds, sum / float64(len(covered)), len(covered)
}
