package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const listPageSize = 1000

// Index is an embedded lexical backend with one bleve index per kind. An
// empty directory keeps everything in memory.
type Index struct {
	dir string

	mu      sync.RWMutex
	indexes map[domain.Kind]bleve.Index
	closed  bool
}

func New(dir string) (*Index, error) {
	idx := &Index{dir: dir, indexes: make(map[domain.Kind]bleve.Index, 2)}
	if err := idx.EnsureIndexes(context.Background()); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *Index) Name() string {
	return "bleve"
}

// EnsureIndexes opens or creates the per-kind indexes. Existing ones are
// left untouched.
func (i *Index) EnsureIndexes(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return errors.New("bleve index closed")
	}

	for _, kind := range []domain.Kind{domain.KindEntry, domain.KindSolution} {
		if _, ok := i.indexes[kind]; ok {
			continue
		}
		index, err := i.open(kind)
		if err != nil {
			return fmt.Errorf("open bleve index %s: %w", kind.IndexName(), err)
		}
		i.indexes[kind] = index
	}
	return nil
}

func (i *Index) open(kind domain.Kind) (bleve.Index, error) {
	m := indexMapping(kind)
	if i.dir == "" {
		return bleve.NewMemOnly(m)
	}
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(i.dir, kind.IndexName()+".bleve")
	index, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return bleve.New(path, m)
	}
	return index, err
}

func (i *Index) Health(_ context.Context) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return errors.New("bleve index closed")
	}
	for _, kind := range []domain.Kind{domain.KindEntry, domain.KindSolution} {
		index, ok := i.indexes[kind]
		if !ok {
			return fmt.Errorf("bleve index %s not initialized", kind.IndexName())
		}
		if _, err := index.DocCount(); err != nil {
			return fmt.Errorf("bleve index %s: %w", kind.IndexName(), err)
		}
	}
	return nil
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	var errs []error
	for _, index := range i.indexes {
		errs = append(errs, index.Close())
	}
	return errors.Join(errs...)
}

func (i *Index) index(kind domain.Kind) (bleve.Index, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, errors.New("bleve index closed")
	}
	index, ok := i.indexes[kind]
	if !ok {
		return nil, fmt.Errorf("bleve index %s not initialized", kind.IndexName())
	}
	return index, nil
}

// indexMapping analyzes searchable fields as text and keeps filterable and
// sortable values as exact keywords.
func indexMapping(kind domain.Kind) mapping.IndexMapping {
	schema := domain.SchemaFor(kind)
	doc := bleve.NewDocumentMapping()

	for _, field := range schema.Searchable {
		fm := bleve.NewTextFieldMapping()
		fm.Store = true
		fm.IncludeTermVectors = false
		doc.AddFieldMappingsAt(field, fm)
	}
	keywordFields := append([]string{"kind"}, schema.Filterable...)
	keywordFields = append(keywordFields, schema.Sortable...)
	for _, field := range keywordFields {
		if _, dup := doc.Properties[field]; dup {
			continue
		}
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		doc.AddFieldMappingsAt(field, fm)
	}

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}
