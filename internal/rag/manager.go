package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mohammad-safakhou/fitplan/config"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	log "github.com/sirupsen/logrus"
)

// Corpus names.
const (
	Diet     = "diet"
	Exercise = "exercise"
)

// ErrUnknownCorpus is returned for a corpus name the manager does not hold.
var ErrUnknownCorpus = errors.New("unknown corpus")

// Manager owns the named corpora and the folder each one is fed from.
type Manager struct {
	corpora map[string]*Corpus
	folders map[string]string
	logger  log.FieldLogger
}

// OpenManager opens the diet and exercise corpora under cfg.DataDir.
func OpenManager(cfg config.RAGConfig, logger log.FieldLogger) (*Manager, error) {
	opts := Options{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap}
	m := &Manager{
		corpora: map[string]*Corpus{},
		folders: map[string]string{Diet: cfg.DietDocuments, Exercise: cfg.ExerciseDocuments},
		logger:  runtime.Component(logger, "rag"),
	}
	for _, name := range []string{Diet, Exercise} {
		dir := ""
		if cfg.DataDir != "" {
			dir = filepath.Join(cfg.DataDir, name)
		}
		c, err := OpenCorpus(name, dir, opts)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.corpora[name] = c
	}
	return m, nil
}

// NewManager wraps already opened corpora; folders maps corpus name to its
// documents folder.
func NewManager(logger log.FieldLogger, folders map[string]string, corpora ...*Corpus) *Manager {
	m := &Manager{corpora: map[string]*Corpus{}, folders: folders, logger: runtime.Component(logger, "rag")}
	for _, c := range corpora {
		m.corpora[c.Name()] = c
	}
	return m
}

// Corpus returns the named corpus.
func (m *Manager) Corpus(name string) (*Corpus, error) {
	c, ok := m.corpora[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCorpus, name)
	}
	return c, nil
}

// Folder returns the documents folder of the named corpus.
func (m *Manager) Folder(name string) string { return m.folders[name] }

// Names lists the corpora in a stable order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.corpora))
	for n := range m.corpora {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reindex processes the documents folder of every corpus.
func (m *Manager) Reindex(ctx context.Context) (map[string]FolderReport, error) {
	out := make(map[string]FolderReport, len(m.corpora))
	var errs []error
	for _, name := range m.Names() {
		folder := m.folders[name]
		if folder == "" {
			continue
		}
		report, err := m.corpora[name].ProcessFolder(ctx, folder)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		m.logger.WithFields(log.Fields{"corpus": name, "processed": report.Processed, "failed": report.Failed}).Info("reindexed folder")
		out[name] = report
	}
	return out, errors.Join(errs...)
}

func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.corpora {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
