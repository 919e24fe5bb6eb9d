package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"cale-agent/internal/domain"
)

// Index stores documents and their embeddings in the knowledge_docs table.
type Index struct {
	db  *sql.DB
	now func() time.Time
}

func NewIndex(db *sql.DB) (*Index, error) {
	if db == nil {
		return nil, errors.New("knowledge: db must not be nil")
	}
	return &Index{db: db, now: time.Now}, nil
}

// Replace swaps the whole corpus in one transaction.
func (x *Index) Replace(ctx context.Context, docs []Document) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewError(domain.ErrorStorage, "knowledge_begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_docs`); err != nil {
		return domain.NewError(domain.ErrorStorage, "knowledge_clear", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO knowledge_docs (title, content, source, embedding, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.NewError(domain.ErrorStorage, "knowledge_prepare", err)
	}
	defer stmt.Close()

	created := x.now().UTC().UnixNano()
	for i, d := range docs {
		if len(d.Embedding) == 0 {
			return domain.NewError(domain.ErrorInvalidInput, "missing_embedding", fmt.Errorf("knowledge: document %d", i))
		}
		if _, err := stmt.ExecContext(ctx, d.Title, d.Content, d.Source, encodeVector(d.Embedding), created); err != nil {
			return domain.NewError(domain.ErrorStorage, "knowledge_insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NewError(domain.ErrorStorage, "knowledge_commit", err)
	}
	return nil
}

// All returns every document in insertion order.
func (x *Index) All(ctx context.Context) ([]Document, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, title, content, source, embedding FROM knowledge_docs ORDER BY id`)
	if err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "knowledge_all", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			d    Document
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &blob); err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "knowledge_scan", err)
		}
		if d.Embedding, err = decodeVector(blob); err != nil {
			return nil, domain.NewError(domain.ErrorStorage, "knowledge_decode", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.ErrorStorage, "knowledge_rows", err)
	}
	return docs, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("knowledge: embedding blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
