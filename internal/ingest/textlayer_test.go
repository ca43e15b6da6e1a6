package ingest

import (
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupWords_MergesAdjacentRuns(t *testing.T) {
	// "INV-" and "1042" are emitted as two runs with no gap between them.
	texts := []pdf.Text{
		{S: "INV-", X: 100, Y: 700, W: 24, FontSize: 10},
		{S: "1042", X: 124, Y: 700, W: 24, FontSize: 10},
	}

	words := groupWords(texts)
	require.Len(t, words, 1)
	assert.Equal(t, "INV-1042", words[0].text)
	assert.Equal(t, 100.0, words[0].x)
	assert.Equal(t, 48.0, words[0].w)
}

func TestGroupWords_SplitsOnGap(t *testing.T) {
	texts := []pdf.Text{
		{S: "Total", X: 100, Y: 120, W: 30, FontSize: 10},
		{S: "145.00", X: 200, Y: 120, W: 36, FontSize: 10},
	}

	words := groupWords(texts)
	require.Len(t, words, 2)
	assert.Equal(t, "Total", words[0].text)
	assert.Equal(t, "145.00", words[1].text)
}

func TestGroupWords_SplitsOnLine(t *testing.T) {
	texts := []pdf.Text{
		{S: "Invoice", X: 100, Y: 700, W: 40, FontSize: 10},
		{S: "Date", X: 100, Y: 680, W: 26, FontSize: 10},
	}

	words := groupWords(texts)
	require.Len(t, words, 2)
}

func TestGroupWords_DropsWhitespaceRuns(t *testing.T) {
	texts := []pdf.Text{
		{S: "  ", X: 100, Y: 700, W: 6, FontSize: 10},
		{S: "Acme", X: 110, Y: 700, W: 28, FontSize: 10},
	}

	words := groupWords(texts)
	require.Len(t, words, 1)
	assert.Equal(t, "Acme", words[0].text)
}
