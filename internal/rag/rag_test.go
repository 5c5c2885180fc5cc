package rag

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/fitplan/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeChunks(t *testing.T) {
	assert.Nil(t, makeChunks("   ", 10, 2))
	assert.Equal(t, []string{"short"}, makeChunks("short", 10, 2))

	text := strings.Repeat("abcdefghij", 25) // 250 runes
	chunks := makeChunks(text, 100, 20)
	require.Len(t, chunks, 3)
	assert.Equal(t, text[80:180], chunks[1])
	assert.True(t, strings.HasSuffix(text, chunks[2]))

	multi := strings.Repeat("ü", 30)
	for _, c := range makeChunks(multi, 10, 3) {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
}

func TestExtractText(t *testing.T) {
	got, err := ExtractText("notes.md", []byte("# Protein\r\n\r\n\r\n\r\nEat <b>eggs</b> &amp; fish"))
	require.NoError(t, err)
	assert.Equal(t, "# Protein\n\nEat eggs & fish", got)

	page := `<html><head><title>Squats</title><script>var x = 1;</script></head>
<body><article><h1>Squat guide</h1><p>Keep your chest up and push through the heels on every rep of the squat.</p>
<p>Brace the core before descending and keep the knees tracking over the toes throughout the movement.</p></article></body></html>`
	got, err = ExtractText("squat.html", []byte(page))
	require.NoError(t, err)
	assert.Contains(t, got, "push through the heels")
	assert.NotContains(t, got, "<p>")
	assert.NotContains(t, got, "var x")

	_, err = ExtractText("plan.pdf", []byte("%PDF"))
	assert.Error(t, err)
	_, err = ExtractText("plan.docx", []byte("PK"))
	assert.Error(t, err)
	_, err = ExtractText("bad.txt", []byte{0xff, 0xfe, 0x00})
	assert.Error(t, err)
}

// minimalPDF builds a one-page document whose text layer is line.
func minimalPDF(line string) []byte {
	content := "BT /F1 12 Tf 72 720 Td (" + line + ") Tj ET"
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func TestExtractPDF(t *testing.T) {
	got, err := ExtractText("Guide.PDF", minimalPDF("Endomorphs benefit from protein"))
	require.NoError(t, err)
	assert.Contains(t, got, "Endomorphs benefit from protein")

	c, err := OpenCorpus(Diet, "", Options{})
	require.NoError(t, err)
	defer c.Close()
	n, err := c.AddBytes("guide.pdf", minimalPDF("Lean protein at every meal"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hits, err := c.Search(context.Background(), "protein", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "guide.pdf", hits[0].Source)
	assert.True(t, Supported("guide.pdf"))
	assert.False(t, Supported("guide.docx"))
}

func TestCorpusIndexAndSearch(t *testing.T) {
	c, err := OpenCorpus(Diet, "", Options{ChunkSize: 200, ChunkOverlap: 20})
	require.NoError(t, err)
	defer c.Close()

	hits, err := c.Search(context.Background(), "protein", 3)
	require.NoError(t, err)
	assert.Empty(t, hits, "an empty corpus is a successful search with no hits")

	_, err = c.AddText("macros.md", "Endomorphs do well with higher protein and moderate carbohydrate intake.")
	require.NoError(t, err)
	_, err = c.AddText("hydration.md", "Drink water throughout the day, roughly thirty five millilitres per kilogram.")
	require.NoError(t, err)

	hits, err = c.Search(context.Background(), "protein intake", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "macros.md", hits[0].Source)
	assert.Contains(t, hits[0].Text, "higher protein")
	assert.Greater(t, hits[0].Score, 0.0)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{DocumentCount: 2, Type: Diet, Status: "active"}, stats)

	require.NoError(t, c.Clear())
	n, err = c.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCorpusPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCorpus(Exercise, dir, Options{})
	require.NoError(t, err)
	_, err = c.AddBytes("deadlift.txt", []byte("Hinge at the hips and keep the bar close to the shins."))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = OpenCorpus(Exercise, dir, Options{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"deadlift.txt"}, c.Processed())
	hits, err := c.Search(context.Background(), "hinge hips", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "deadlift.txt", hits[0].Source)

	require.NoError(t, c.Clear())
	assert.Empty(t, c.Processed())
	_, err = os.Stat(filepath.Join(dir, processedFilesName))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessFolderSkipsProcessed(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("Rest days matter for recovery."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.md"), []byte("Progressive overload adds load weekly."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "empty.txt"), []byte("   "), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "skip.docx"), []byte("PK"), 0o644))

	c, err := OpenCorpus(Exercise, t.TempDir(), Options{})
	require.NoError(t, err)
	defer c.Close()

	report, err := c.ProcessFolder(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalFiles)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)

	report, err = c.ProcessFolder(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalFiles, "only the failed file is retried")

	listing, err := ListFiles(docs)
	require.NoError(t, err)
	assert.Equal(t, 3, listing.FileCount)
	assert.Equal(t, "a.txt", listing.Files[0].Name)
}

func TestManager(t *testing.T) {
	logger, _ := test.NewNullLogger()
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "oats.txt"), []byte("Oats provide slow carbohydrates."), 0o644))

	m, err := OpenManager(config.RAGConfig{DataDir: t.TempDir(), DietDocuments: docs, ChunkSize: 1000, ChunkOverlap: 200}, logger)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{Diet, Exercise}, m.Names())
	_, err = m.Corpus("yoga")
	assert.ErrorIs(t, err, ErrUnknownCorpus)

	reports, err := m.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reports[Diet].Processed)
	_, ok := reports[Exercise]
	assert.False(t, ok, "corpus without a folder is skipped")
}
