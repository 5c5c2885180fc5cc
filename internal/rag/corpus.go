// Package rag keeps the diet and exercise document corpora and answers
// relevance queries against them.
package rag

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
)

const (
	indexDirName       = "index.bleve"
	processedFilesName = "processed_files.txt"
)

// Chunk is the indexed unit of a document.
type Chunk struct {
	Text        string    `json:"text"`
	Source      string    `json:"source"`
	ChunkIndex  int       `json:"chunk_index"`
	ContentHash string    `json:"content_hash"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Options controls chunking.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

func (o Options) normalize() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = 200
		if o.ChunkOverlap >= o.ChunkSize {
			o.ChunkOverlap = 0
		}
	}
	return o
}

// Corpus is one full-text document collection. With an empty dir the
// corpus lives in memory only.
type Corpus struct {
	name string
	dir  string
	opts Options

	mu        sync.RWMutex
	index     bleve.Index
	processed []string
}

func indexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("source", exact)
	doc.AddFieldMappingsAt("content_hash", exact)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// OpenCorpus opens or creates the corpus stored under dir.
func OpenCorpus(name, dir string, opts Options) (*Corpus, error) {
	c := &Corpus{name: name, dir: dir, opts: opts.normalize()}
	idx, err := c.openIndex()
	if err != nil {
		return nil, fmt.Errorf("open %s corpus: %w", name, err)
	}
	c.index = idx
	if err := c.loadProcessed(); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("open %s corpus: %w", name, err)
	}
	return c, nil
}

func (c *Corpus) openIndex() (bleve.Index, error) {
	if c.dir == "" {
		return bleve.NewMemOnly(indexMapping())
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(c.dir, indexDirName)
	if _, err := os.Stat(path); err == nil {
		return bleve.Open(path)
	}
	return bleve.New(path, indexMapping())
}

// Name is the corpus label, e.g. "diet".
func (c *Corpus) Name() string { return c.name }

// Close releases the index.
func (c *Corpus) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		return nil
	}
	err := c.index.Close()
	c.index = nil
	return err
}

// AddText chunks text and indexes every chunk under source. It returns the
// number of chunks written. Re-adding identical text overwrites the same
// chunk ids.
func (c *Corpus) AddText(source, text string) (int, error) {
	parts := makeChunks(text, c.opts.ChunkSize, c.opts.ChunkOverlap)
	if len(parts) == 0 {
		return 0, fmt.Errorf("%s: no text to index", source)
	}
	hash := sha1Hex(text)
	now := time.Now().UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		return 0, errors.New("corpus is closed")
	}
	batch := c.index.NewBatch()
	for i, part := range parts {
		chunk := Chunk{Text: part, Source: source, ChunkIndex: i, ContentHash: hash, IngestedAt: now}
		if err := batch.Index(fmt.Sprintf("%s#%03d", hash, i), chunk); err != nil {
			return 0, fmt.Errorf("index chunk %d of %s: %w", i, source, err)
		}
	}
	if err := c.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("index %s: %w", source, err)
	}
	return len(parts), nil
}

// AddBytes extracts and indexes an uploaded document and records its name
// as processed.
func (c *Corpus) AddBytes(name string, data []byte) (int, error) {
	text, err := ExtractText(name, data)
	if err != nil {
		return 0, err
	}
	n, err := c.AddText(filepath.Base(name), text)
	if err != nil {
		return 0, err
	}
	return n, c.markProcessed(filepath.Base(name))
}

// AddDocument indexes the file at path.
func (c *Corpus) AddDocument(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return c.AddBytes(path, data)
}

// Search returns the k best matching chunks. An empty corpus yields no
// snippets and no error.
func (c *Corpus) Search(ctx context.Context, query string, k int) ([]core.Snippet, error) {
	if k <= 0 {
		k = 3
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		return nil, errors.New("corpus is closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"text", "source"}
	res, err := c.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s corpus: %w", c.name, err)
	}
	out := make([]core.Snippet, 0, len(res.Hits))
	for _, hit := range res.Hits {
		text, _ := hit.Fields["text"].(string)
		source, _ := hit.Fields["source"].(string)
		out = append(out, core.Snippet{Source: source, Text: text, Score: hit.Score})
	}
	return out, nil
}

// Count returns the number of indexed chunks.
func (c *Corpus) Count() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		return 0, errors.New("corpus is closed")
	}
	return c.index.DocCount()
}

// Stats summarises the corpus.
type Stats struct {
	DocumentCount uint64 `json:"document_count"`
	Type          string `json:"type"`
	Status        string `json:"status"`
}

func (c *Corpus) Stats() (Stats, error) {
	n, err := c.Count()
	if err != nil {
		return Stats{}, err
	}
	status := "empty"
	if n > 0 {
		status = "active"
	}
	return Stats{DocumentCount: n, Type: c.name, Status: status}, nil
}

// Clear drops every chunk and the processed-files list.
func (c *Corpus) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index != nil {
		if err := c.index.Close(); err != nil {
			return err
		}
		c.index = nil
	}
	if c.dir != "" {
		if err := os.RemoveAll(filepath.Join(c.dir, indexDirName)); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(c.dir, processedFilesName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	c.processed = nil
	idx, err := c.openIndex()
	if err != nil {
		return err
	}
	c.index = idx
	return nil
}

// Processed returns the names of ingested files.
func (c *Corpus) Processed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.processed...)
}

func (c *Corpus) isProcessed(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.processed {
		if p == name {
			return true
		}
	}
	return false
}

func (c *Corpus) markProcessed(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.processed {
		if p == name {
			return nil
		}
	}
	c.processed = append(c.processed, name)
	if c.dir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(c.dir, processedFilesName), []byte(strings.Join(c.processed, "\n")), 0o644)
}

func (c *Corpus) loadProcessed() error {
	if c.dir == "" {
		return nil
	}
	f, err := os.Open(filepath.Join(c.dir, processedFilesName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			c.processed = append(c.processed, line)
		}
	}
	return sc.Err()
}

// FileResult is the outcome for one file of a folder run.
type FileResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// FolderReport summarises ProcessFolder.
type FolderReport struct {
	Folder     string       `json:"folder"`
	TotalFiles int          `json:"total_files"`
	Processed  int          `json:"processed"`
	Failed     int          `json:"failed"`
	Files      []FileResult `json:"files"`
}

// ProcessFolder ingests every supported file in dir that has not been
// processed yet. Per-file failures are reported, not returned.
func (c *Corpus) ProcessFolder(ctx context.Context, dir string) (FolderReport, error) {
	listing, err := ListFiles(dir)
	if err != nil {
		return FolderReport{}, err
	}
	report := FolderReport{Folder: dir, Files: []FileResult{}}
	for _, f := range listing.Files {
		if c.isProcessed(f.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.TotalFiles++
		if _, err := c.AddDocument(f.Path); err != nil {
			report.Failed++
			report.Files = append(report.Files, FileResult{Name: f.Name, Status: "failed", Error: err.Error()})
			continue
		}
		report.Processed++
		report.Files = append(report.Files, FileResult{Name: f.Name, Status: "success"})
	}
	return report, nil
}

// FileInfo describes one document on disk.
type FileInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	Path      string `json:"path"`
}

// FolderListing is the supported content of a documents folder.
type FolderListing struct {
	FolderPath string     `json:"folder_path"`
	FileCount  int        `json:"file_count"`
	Files      []FileInfo `json:"files"`
}

// ListFiles lists supported documents in dir, creating dir when missing.
func ListFiles(dir string) (FolderListing, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FolderListing{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return FolderListing{}, err
	}
	listing := FolderListing{FolderPath: dir, Files: []FileInfo{}}
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		listing.Files = append(listing.Files, FileInfo{
			Name:      e.Name(),
			Size:      info.Size(),
			Extension: filepath.Ext(e.Name()),
			Path:      filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	listing.FileCount = len(listing.Files)
	return listing, nil
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}
