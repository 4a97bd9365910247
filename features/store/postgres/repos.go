package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// tableOps carries the handle, scope model and search mode shared by the
// four repositories.
type tableOps struct {
	db         *sql.DB
	scope      []string
	vector     bool
	dimensions int
	// guard is only set in serialized mode; in vector mode the column type
	// fixes the dimension.
	guard *dimGuard
}

type rowScanner interface {
	Scan(dest ...any) error
}

func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// encodeVector renders the embedding in the shared text form: a JSON float
// array, which is also the pgvector input literal.
func encodeVector(v []float32) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, memory.Wrap(memory.KindInvalidInput, err, "encoding embedding")
	}
	return string(b), nil
}

func decodeVector(s sql.NullString) ([]float32, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "decoding stored embedding")
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	return memory.Wrap(memory.KindBackendUnavailable, err, msg)
}

// dimGuard fixes the embedding dimension on first embedded write in
// serialized mode, seeding from stored rows.
type dimGuard struct {
	db *sql.DB

	mu     sync.Mutex
	seeded bool
	dim    int
}

func (g *dimGuard) check(ctx context.Context, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seeded {
		g.seed(ctx)
		g.seeded = true
	}
	if g.dim == 0 {
		g.dim = len(vec)
		return nil
	}
	return repository.CheckDimension(g.dim, len(vec))
}

func (g *dimGuard) seed(ctx context.Context) {
	for _, table := range []string{"memory_items", "memory_categories", "resources"} {
		var s sql.NullString
		err := g.db.QueryRowContext(ctx,
			"SELECT embedding::text FROM "+table+" WHERE embedding IS NOT NULL LIMIT 1").Scan(&s)
		if err != nil {
			continue
		}
		if v, derr := decodeVector(s); derr == nil && len(v) > 0 {
			g.dim = len(v)
			return
		}
	}
}

func (t tableOps) checkDimension(ctx context.Context, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if t.vector {
		return repository.CheckDimension(t.dimensions, len(vec))
	}
	return t.guard.check(ctx, vec)
}

func (t tableOps) scopeFromValues(vals []string) memory.Scope {
	s := make(memory.Scope, len(vals))
	for i, f := range t.scope {
		s[f] = vals[i]
	}
	return s
}

func (t tableOps) scopeArgs(s memory.Scope) []any {
	args := make([]any, len(t.scope))
	for i, f := range t.scope {
		args[i] = s[f]
	}
	return args
}

// scopeCond renders equality on every scope column starting at placeholder
// $start.
func (t tableOps) scopeCond(start int) string {
	conds := make([]string, len(t.scope))
	for i, f := range t.scope {
		conds[i] = fmt.Sprintf("%s = $%d", quoteIdent(f), start+i)
	}
	return strings.Join(conds, " AND ")
}

// embParam renders the placeholder for an embedding value; vector columns
// take an explicit cast from the text literal.
func (t tableOps) embParam(n int) string {
	if t.vector {
		return fmt.Sprintf("$%d::vector", n)
	}
	return fmt.Sprintf("$%d", n)
}

// whereSQL renders a validated filter as SQL with placeholders starting at
// $start. Keys outside the scope model are rejected; a key with an empty
// value list matches nothing.
func (t tableOps) whereSQL(where memory.Filter, start int) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	index := make(map[string]struct{}, len(t.scope))
	for _, f := range t.scope {
		index[f] = struct{}{}
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		conds []string
		args  []any
		n     = start
	)
	for _, k := range keys {
		if _, ok := index[k]; !ok {
			return "", nil, memory.Ef(memory.KindInvalidFilter, "unknown scope field %q", k)
		}
		vals := where[k]
		if len(vals) == 0 {
			conds = append(conds, "FALSE")
			continue
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = fmt.Sprintf("$%d", n)
			args = append(args, v)
			n++
		}
		conds = append(conds, quoteIdent(k)+" IN ("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(conds, " AND "), args, nil
}

func (t tableOps) cols(entity ...string) string {
	all := append([]string{"id"}, quoteAll(t.scope)...)
	all = append(all, entity...)
	return strings.Join(all, ", ")
}

func (t tableOps) previousStamps(ctx context.Context, tx *sql.Tx, table, id string, scope memory.Scope) (created, updated time.Time, err error) {
	args := append([]any{id}, t.scopeArgs(scope)...)
	err = tx.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM "+table+" WHERE id = $1 AND "+t.scopeCond(2)+" FOR UPDATE", args...).Scan(&created, &updated)
	if err == sql.ErrNoRows {
		return created, updated, repository.ErrNotFound
	}
	return created, updated, wrapDB(err, "reading record for update")
}

func (t tableOps) deleteRow(ctx context.Context, table, id string, scope memory.Scope) error {
	args := append([]any{id}, t.scopeArgs(scope)...)
	res, err := t.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1 AND "+t.scopeCond(2), args...)
	if err != nil {
		return wrapDB(err, "deleting record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err, "deleting record")
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t tableOps) exists(ctx context.Context, table, id string, scope memory.Scope) (bool, error) {
	args := append([]any{id}, t.scopeArgs(scope)...)
	var one int
	err := t.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = $1 AND "+t.scopeCond(2), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDB(err, "checking record existence")
	}
	return true, nil
}

type scoredRow struct {
	id      string
	updated time.Time
	score   float64
}

func topScored(rows []scoredRow, k int) []scoredRow {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		if !rows[i].updated.Equal(rows[j].updated) {
			return rows[i].updated.After(rows[j].updated)
		}
		return rows[i].id < rows[j].id
	})
	if k >= 0 && len(rows) > k {
		rows = rows[:k]
	}
	return rows
}

// searchQuery renders the similarity query for a table. In vector mode the
// database computes cosine similarity and orders by the HNSW index; in
// serialized mode all embedded rows in scope come back for in-process
// scoring (score column is NULL and ignored).
func (t tableOps) searchQuery(table, cols string, where memory.Filter, k int) (string, []any, error) {
	cond, args, err := t.whereSQL(where, 2)
	if err != nil {
		return "", nil, err
	}
	full := "embedding IS NOT NULL"
	if cond != "" {
		full = cond + " AND embedding IS NOT NULL"
	}
	if t.vector {
		q := fmt.Sprintf(
			"SELECT %s, 1 - (embedding <=> $1::vector) AS score FROM %s WHERE %s ORDER BY embedding <=> $1::vector, updated_at DESC, id LIMIT %d",
			cols, table, full, k)
		return q, args, nil
	}
	q := fmt.Sprintf("SELECT %s, NULL::float8 AS score FROM %s WHERE %s", cols, table, full)
	return q, args, nil
}

// --- resources ---

type resourceRepo struct {
	tableOps
}

const resourceColNames = "url, modality, local_path, caption, embedding::text, created_at, updated_at"

func (s *resourceRepo) scan(row rowScanner, score *sql.NullFloat64) (*memory.Resource, error) {
	var (
		r        memory.Resource
		modality string
		emb      sql.NullString
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&r.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &r.URL, &modality, &r.LocalPath, &r.Caption, &emb, &r.CreatedAt, &r.UpdatedAt)
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Modality = memory.Modality(modality)
	r.Scope = s.scopeFromValues(scopeVals)
	var err error
	if r.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *resourceRepo) Create(ctx context.Context, r *memory.Resource) error {
	if r.ID == "" {
		return memory.E(memory.KindInvalidInput, "resource id is required")
	}
	if err := s.checkDimension(ctx, r.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(r.Embedding)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	n := len(s.scope)
	args := append([]any{r.ID}, s.scopeArgs(r.Scope)...)
	args = append(args, r.URL, string(r.Modality), r.LocalPath, r.Caption, emb, r.CreatedAt, r.UpdatedAt)
	q := fmt.Sprintf("INSERT INTO resources (%s) VALUES (%s, $%d, $%d, $%d, $%d, %s, $%d, $%d)",
		s.cols("url", "modality", "local_path", "caption", "embedding", "created_at", "updated_at"),
		placeholders(1, 1+n), n+2, n+3, n+4, n+5, s.embParam(n+6), n+7, n+8)
	_, err = s.db.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "resource %q already exists", r.ID)
	}
	return wrapDB(err, "inserting resource")
}

func (s *resourceRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.Resource, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(resourceColNames)+" FROM resources WHERE id = $1 AND "+s.scopeCond(2), args...)
	r, err := s.scan(row, nil)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading resource")
	}
	return r, nil
}

func (s *resourceRepo) List(ctx context.Context, where memory.Filter) ([]*memory.Resource, error) {
	cond, args, err := s.whereSQL(where, 1)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + s.cols(resourceColNames) + " FROM resources"
	if cond != "" {
		q += " WHERE " + cond
	}
	q += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "listing resources")
	}
	defer rows.Close()
	var out []*memory.Resource
	for rows.Next() {
		r, err := s.scan(rows, nil)
		if err != nil {
			return nil, wrapDB(err, "scanning resource")
		}
		out = append(out, r)
	}
	return out, wrapDB(rows.Err(), "listing resources")
}

func (s *resourceRepo) Update(ctx context.Context, r *memory.Resource) error {
	if err := s.checkDimension(ctx, r.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(r.Embedding)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err, "starting transaction")
	}
	defer tx.Rollback()
	created, prevUpdated, err := s.previousStamps(ctx, tx, "resources", r.ID, r.Scope)
	if err != nil {
		return err
	}
	r.CreatedAt = created
	r.UpdatedAt = touch(prevUpdated)
	args := []any{r.URL, string(r.Modality), r.LocalPath, r.Caption, emb, r.UpdatedAt, r.ID}
	args = append(args, s.scopeArgs(r.Scope)...)
	q := fmt.Sprintf("UPDATE resources SET url = $1, modality = $2, local_path = $3, caption = $4, embedding = %s, updated_at = $6 WHERE id = $7 AND %s",
		s.embParam(5), s.scopeCond(8))
	if _, err = tx.ExecContext(ctx, q, args...); err != nil {
		return wrapDB(err, "updating resource")
	}
	return wrapDB(tx.Commit(), "committing resource update")
}

func (s *resourceRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "resources", id, scope)
}

func (s *resourceRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredResource, error) {
	q, whereArgs, err := s.searchQuery("resources", s.cols(resourceColNames), where, k)
	if err != nil {
		return nil, err
	}
	vec, err := encodeVector(embedding)
	if err != nil {
		return nil, err
	}
	args := append([]any{vec}, whereArgs...)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "searching resources")
	}
	defer rows.Close()
	if s.vector {
		var out []repository.ScoredResource
		for rows.Next() {
			var score sql.NullFloat64
			r, err := s.scan(rows, &score)
			if err != nil {
				return nil, wrapDB(err, "scanning resource")
			}
			out = append(out, repository.ScoredResource{Resource: r, Score: score.Float64})
		}
		return out, wrapDB(rows.Err(), "searching resources")
	}
	byID := make(map[string]*memory.Resource)
	var candidates []scoredRow
	for rows.Next() {
		var score sql.NullFloat64
		r, err := s.scan(rows, &score)
		if err != nil {
			return nil, wrapDB(err, "scanning resource")
		}
		byID[r.ID] = r
		candidates = append(candidates, scoredRow{id: r.ID, updated: r.UpdatedAt, score: repository.Cosine(embedding, r.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "searching resources")
	}
	out := make([]repository.ScoredResource, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredResource{Resource: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- items ---

type itemRepo struct {
	tableOps
}

const itemColNames = "resource_id, memory_type, summary, embedding::text, hits, created_at, updated_at"

func (s *itemRepo) scan(row rowScanner, score *sql.NullFloat64) (*memory.MemoryItem, error) {
	var (
		it  memory.MemoryItem
		emb sql.NullString
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&it.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &it.ResourceID, &it.MemoryType, &it.Summary, &emb, &it.Hits, &it.CreatedAt, &it.UpdatedAt)
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	it.Scope = s.scopeFromValues(scopeVals)
	var err error
	if it.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *itemRepo) Create(ctx context.Context, it *memory.MemoryItem) error {
	if it.ID == "" {
		return memory.E(memory.KindInvalidInput, "item id is required")
	}
	if err := s.checkDimension(ctx, it.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(it.Embedding)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	n := len(s.scope)
	args := append([]any{it.ID}, s.scopeArgs(it.Scope)...)
	args = append(args, it.ResourceID, it.MemoryType, it.Summary, emb, it.Hits, it.CreatedAt, it.UpdatedAt)
	q := fmt.Sprintf("INSERT INTO memory_items (%s) VALUES (%s, $%d, $%d, $%d, %s, $%d, $%d, $%d)",
		s.cols("resource_id", "memory_type", "summary", "embedding", "hits", "created_at", "updated_at"),
		placeholders(1, 1+n), n+2, n+3, n+4, s.embParam(n+5), n+6, n+7, n+8)
	_, err = s.db.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "item %q already exists", it.ID)
	}
	return wrapDB(err, "inserting item")
}

func (s *itemRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(itemColNames)+" FROM memory_items WHERE id = $1 AND "+s.scopeCond(2), args...)
	it, err := s.scan(row, nil)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading item")
	}
	return it, nil
}

func (s *itemRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryItem, error) {
	cond, args, err := s.whereSQL(where, 1)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + s.cols(itemColNames) + " FROM memory_items"
	if cond != "" {
		q += " WHERE " + cond
	}
	q += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "listing items")
	}
	defer rows.Close()
	var out []*memory.MemoryItem
	for rows.Next() {
		it, err := s.scan(rows, nil)
		if err != nil {
			return nil, wrapDB(err, "scanning item")
		}
		out = append(out, it)
	}
	return out, wrapDB(rows.Err(), "listing items")
}

func (s *itemRepo) Update(ctx context.Context, it *memory.MemoryItem) error {
	if err := s.checkDimension(ctx, it.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(it.Embedding)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err, "starting transaction")
	}
	defer tx.Rollback()
	created, prevUpdated, err := s.previousStamps(ctx, tx, "memory_items", it.ID, it.Scope)
	if err != nil {
		return err
	}
	it.CreatedAt = created
	it.UpdatedAt = touch(prevUpdated)
	args := []any{it.ResourceID, it.MemoryType, it.Summary, emb, it.Hits, it.UpdatedAt, it.ID}
	args = append(args, s.scopeArgs(it.Scope)...)
	q := fmt.Sprintf("UPDATE memory_items SET resource_id = $1, memory_type = $2, summary = $3, embedding = %s, hits = $5, updated_at = $6 WHERE id = $7 AND %s",
		s.embParam(4), s.scopeCond(8))
	if _, err = tx.ExecContext(ctx, q, args...); err != nil {
		return wrapDB(err, "updating item")
	}
	return wrapDB(tx.Commit(), "committing item update")
}

func (s *itemRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "memory_items", id, scope)
}

func (s *itemRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredItem, error) {
	q, whereArgs, err := s.searchQuery("memory_items", s.cols(itemColNames), where, k)
	if err != nil {
		return nil, err
	}
	vec, err := encodeVector(embedding)
	if err != nil {
		return nil, err
	}
	args := append([]any{vec}, whereArgs...)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "searching items")
	}
	defer rows.Close()
	if s.vector {
		var out []repository.ScoredItem
		for rows.Next() {
			var score sql.NullFloat64
			it, err := s.scan(rows, &score)
			if err != nil {
				return nil, wrapDB(err, "scanning item")
			}
			out = append(out, repository.ScoredItem{Item: it, Score: score.Float64})
		}
		return out, wrapDB(rows.Err(), "searching items")
	}
	byID := make(map[string]*memory.MemoryItem)
	var candidates []scoredRow
	for rows.Next() {
		var score sql.NullFloat64
		it, err := s.scan(rows, &score)
		if err != nil {
			return nil, wrapDB(err, "scanning item")
		}
		byID[it.ID] = it
		candidates = append(candidates, scoredRow{id: it.ID, updated: it.UpdatedAt, score: repository.Cosine(embedding, it.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "searching items")
	}
	out := make([]repository.ScoredItem, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredItem{Item: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- categories ---

type categoryRepo struct {
	tableOps
}

const categoryColNames = "name, name_normalized, description, summary, embedding::text, created_at, updated_at"

func (s *categoryRepo) scan(row rowScanner, score *sql.NullFloat64) (*memory.MemoryCategory, error) {
	var (
		c          memory.MemoryCategory
		normalized string
		emb        sql.NullString
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&c.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &c.Name, &normalized, &c.Description, &c.Summary, &emb, &c.CreatedAt, &c.UpdatedAt)
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Scope = s.scopeFromValues(scopeVals)
	var err error
	if c.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *categoryRepo) Create(ctx context.Context, c *memory.MemoryCategory) error {
	if c.ID == "" {
		return memory.E(memory.KindInvalidInput, "category id is required")
	}
	normalized := memory.NormalizeCategoryName(c.Name)
	if normalized == "" {
		return memory.E(memory.KindInvalidInput, "category name is required")
	}
	if err := s.checkDimension(ctx, c.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(c.Embedding)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	n := len(s.scope)
	args := append([]any{c.ID}, s.scopeArgs(c.Scope)...)
	args = append(args, c.Name, normalized, c.Description, c.Summary, emb, c.CreatedAt, c.UpdatedAt)
	q := fmt.Sprintf("INSERT INTO memory_categories (%s) VALUES (%s, $%d, $%d, $%d, $%d, %s, $%d, $%d)",
		s.cols("name", "name_normalized", "description", "summary", "embedding", "created_at", "updated_at"),
		placeholders(1, 1+n), n+2, n+3, n+4, n+5, s.embParam(n+6), n+7, n+8)
	_, err = s.db.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope", c.Name)
	}
	return wrapDB(err, "inserting category")
}

func (s *categoryRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryCategory, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(categoryColNames)+" FROM memory_categories WHERE id = $1 AND "+s.scopeCond(2), args...)
	c, err := s.scan(row, nil)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading category")
	}
	return c, nil
}

func (s *categoryRepo) GetByName(ctx context.Context, normalizedName string, scope memory.Scope) (*memory.MemoryCategory, error) {
	args := append([]any{normalizedName}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(categoryColNames)+" FROM memory_categories WHERE name_normalized = $1 AND "+s.scopeCond(2), args...)
	c, err := s.scan(row, nil)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading category by name")
	}
	return c, nil
}

func (s *categoryRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryCategory, error) {
	cond, args, err := s.whereSQL(where, 1)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + s.cols(categoryColNames) + " FROM memory_categories"
	if cond != "" {
		q += " WHERE " + cond
	}
	q += " ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "listing categories")
	}
	defer rows.Close()
	var out []*memory.MemoryCategory
	for rows.Next() {
		c, err := s.scan(rows, nil)
		if err != nil {
			return nil, wrapDB(err, "scanning category")
		}
		out = append(out, c)
	}
	return out, wrapDB(rows.Err(), "listing categories")
}

func (s *categoryRepo) Update(ctx context.Context, c *memory.MemoryCategory) error {
	normalized := memory.NormalizeCategoryName(c.Name)
	if normalized == "" {
		return memory.E(memory.KindInvalidInput, "category name is required")
	}
	if err := s.checkDimension(ctx, c.Embedding); err != nil {
		return err
	}
	emb, err := encodeVector(c.Embedding)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err, "starting transaction")
	}
	defer tx.Rollback()
	created, prevUpdated, err := s.previousStamps(ctx, tx, "memory_categories", c.ID, c.Scope)
	if err != nil {
		return err
	}
	c.CreatedAt = created
	c.UpdatedAt = touch(prevUpdated)
	args := []any{c.Name, normalized, c.Description, c.Summary, emb, c.UpdatedAt, c.ID}
	args = append(args, s.scopeArgs(c.Scope)...)
	q := fmt.Sprintf("UPDATE memory_categories SET name = $1, name_normalized = $2, description = $3, summary = $4, embedding = %s, updated_at = $6 WHERE id = $7 AND %s",
		s.embParam(5), s.scopeCond(8))
	_, err = tx.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope", c.Name)
	}
	if err != nil {
		return wrapDB(err, "updating category")
	}
	return wrapDB(tx.Commit(), "committing category update")
}

func (s *categoryRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "memory_categories", id, scope)
}

func (s *categoryRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredCategory, error) {
	q, whereArgs, err := s.searchQuery("memory_categories", s.cols(categoryColNames), where, k)
	if err != nil {
		return nil, err
	}
	vec, err := encodeVector(embedding)
	if err != nil {
		return nil, err
	}
	args := append([]any{vec}, whereArgs...)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDB(err, "searching categories")
	}
	defer rows.Close()
	if s.vector {
		var out []repository.ScoredCategory
		for rows.Next() {
			var score sql.NullFloat64
			c, err := s.scan(rows, &score)
			if err != nil {
				return nil, wrapDB(err, "scanning category")
			}
			out = append(out, repository.ScoredCategory{Category: c, Score: score.Float64})
		}
		return out, wrapDB(rows.Err(), "searching categories")
	}
	byID := make(map[string]*memory.MemoryCategory)
	var candidates []scoredRow
	for rows.Next() {
		var score sql.NullFloat64
		c, err := s.scan(rows, &score)
		if err != nil {
			return nil, wrapDB(err, "scanning category")
		}
		byID[c.ID] = c
		candidates = append(candidates, scoredRow{id: c.ID, updated: c.UpdatedAt, score: repository.Cosine(embedding, c.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "searching categories")
	}
	out := make([]repository.ScoredCategory, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredCategory{Category: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- edges ---

type edgeRepo struct {
	tableOps
}

const edgeColNames = "item_id, category_id, created_at, updated_at"

func (s *edgeRepo) scan(row rowScanner) (*memory.CategoryItem, error) {
	var e memory.CategoryItem
	scopeVals := make([]string, len(s.scope))
	dest := []any{&e.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &e.ItemID, &e.CategoryID, &e.CreatedAt, &e.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.Scope = s.scopeFromValues(scopeVals)
	return &e, nil
}

func (s *edgeRepo) Create(ctx context.Context, e *memory.CategoryItem) error {
	if e.ID == "" {
		return memory.E(memory.KindInvalidInput, "edge id is required")
	}
	// Both endpoints must exist in the edge's scope before the edge commits.
	ok, err := s.exists(ctx, "memory_items", e.ItemID, e.Scope)
	if err != nil {
		return err
	}
	if !ok {
		return memory.Ef(memory.KindInvalidInput, "edge item %q not found in scope", e.ItemID)
	}
	ok, err = s.exists(ctx, "memory_categories", e.CategoryID, e.Scope)
	if err != nil {
		return err
	}
	if !ok {
		return memory.Ef(memory.KindInvalidInput, "edge category %q not found in scope", e.CategoryID)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	n := len(s.scope)
	args := append([]any{e.ID}, s.scopeArgs(e.Scope)...)
	args = append(args, e.ItemID, e.CategoryID, e.CreatedAt, e.UpdatedAt)
	q := fmt.Sprintf("INSERT INTO category_items (%s) VALUES (%s)",
		s.cols("item_id", "category_id", "created_at", "updated_at"),
		placeholders(1, n+5))
	_, err = s.db.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "edge %q already exists", e.ID)
	}
	return wrapDB(err, "inserting edge")
}

func (s *edgeRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.CategoryItem, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(edgeColNames)+" FROM category_items WHERE id = $1 AND "+s.scopeCond(2), args...)
	e, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading edge")
	}
	return e, nil
}

func (s *edgeRepo) List(ctx context.Context, where memory.Filter) ([]*memory.CategoryItem, error) {
	cond, args, err := s.whereSQL(where, 1)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + s.cols(edgeColNames) + " FROM category_items"
	if cond != "" {
		q += " WHERE " + cond
	}
	q += " ORDER BY created_at, id"
	return s.queryEdges(ctx, q, args)
}

func (s *edgeRepo) ListByItem(ctx context.Context, itemID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	args := append([]any{itemID}, s.scopeArgs(scope)...)
	return s.queryEdges(ctx,
		"SELECT "+s.cols(edgeColNames)+" FROM category_items WHERE item_id = $1 AND "+s.scopeCond(2)+" ORDER BY created_at, id", args)
}

func (s *edgeRepo) ListByCategory(ctx context.Context, categoryID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	args := append([]any{categoryID}, s.scopeArgs(scope)...)
	return s.queryEdges(ctx,
		"SELECT "+s.cols(edgeColNames)+" FROM category_items WHERE category_id = $1 AND "+s.scopeCond(2)+" ORDER BY created_at, id", args)
}

func (s *edgeRepo) queryEdges(ctx context.Context, query string, args []any) ([]*memory.CategoryItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err, "listing edges")
	}
	defer rows.Close()
	var out []*memory.CategoryItem
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, wrapDB(err, "scanning edge")
		}
		out = append(out, e)
	}
	return out, wrapDB(rows.Err(), "listing edges")
}

func (s *edgeRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "category_items", id, scope)
}

func (s *edgeRepo) DeleteByItem(ctx context.Context, itemID string, scope memory.Scope) error {
	args := append([]any{itemID}, s.scopeArgs(scope)...)
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM category_items WHERE item_id = $1 AND "+s.scopeCond(2), args...)
	return wrapDB(err, "deleting edges by item")
}

// placeholders renders "$from, $from+1, ..., $to".
func placeholders(from, to int) string {
	parts := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		parts = append(parts, fmt.Sprintf("$%d", i))
	}
	return strings.Join(parts, ", ")
}
