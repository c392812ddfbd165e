package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// Store is an embedded vector index: embeddings live as little-endian
// float32 BLOBs and search is a brute-force cosine scan.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database in dataDir. ":memory:" keeps it in
// process memory.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vectors.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: ":memory:" databases are per connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.EnsureIndexes(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS document_vectors (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		fields TEXT NOT NULL,
		embedding BLOB NOT NULL,
		PRIMARY KEY (kind, id)
	)`)
	if err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertVector(ctx context.Context, doc domain.IndexedDocument, vector []float32) error {
	fields, err := json.Marshal(doc.Fields())
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_vectors (kind, id, version, fields, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			version = excluded.version,
			fields = excluded.fields,
			embedding = excluded.embedding`,
		string(doc.Kind), doc.ID, doc.Version, string(fields), encodeFloat32s(vector),
	)
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", doc.Key(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind domain.Kind, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_vectors WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("delete vector %s: %w", domain.DocumentKey(kind, id), err)
	}
	return nil
}

func (s *Store) ListIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM document_vectors WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list vector ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vector id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Search(ctx context.Context, query domain.SemanticQuery) ([]domain.RetrievalHit, error) {
	hits, err := s.search(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieverUnavailable, "sqlite vector search", err)
	}
	return hits, nil
}

func (s *Store) search(ctx context.Context, query domain.SemanticQuery) ([]domain.RetrievalHit, error) {
	if query.Limit <= 0 || len(query.Vector) == 0 {
		return []domain.RetrievalHit{}, nil
	}

	stmt := `SELECT kind, id, fields, embedding FROM document_vectors`
	args := make([]any, 0, len(query.Kinds))
	if len(query.Kinds) > 0 {
		placeholders := make([]string, len(query.Kinds))
		for i, k := range query.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		stmt += ` WHERE kind IN (` + strings.Join(placeholders, ",") + `)`
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(query.Vector)
	var (
		hits []domain.RetrievalHit
		buf  []float32
	)
	for rows.Next() {
		var (
			kind, id, rawFields string
			blob                []byte
		)
		if err := rows.Scan(&kind, &id, &rawFields, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
			return nil, fmt.Errorf("decode fields %s:%s: %w", kind, id, err)
		}
		if !query.Filters.Matches(fields) {
			continue
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding %s:%s: %w", kind, id, err)
		}
		if len(buf) != len(query.Vector) {
			continue
		}
		hits = append(hits, domain.RetrievalHit{
			ID:     id,
			Kind:   domain.Kind(kind),
			Score:  cosine(query.Vector, buf, queryNorm),
			Fields: fields,
			Source: domain.SourceSemantic,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto reuses buf when it is large enough.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding length %d", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(query, candidate []float32, queryNorm float64) float64 {
	candidateNorm := norm(candidate)
	if queryNorm == 0 || candidateNorm == 0 {
		return 0
	}
	var d float64
	for i := range query {
		d += float64(query[i]) * float64(candidate[i])
	}
	return d / (queryNorm * candidateNorm)
}
