package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// tableOps carries the handle and scope model shared by the four
// repositories. One dimension guard spans all embedded tables.
type tableOps struct {
	db    *sql.DB
	scope []string
	guard *dimGuard
}

type rowScanner interface {
	Scan(dest ...any) error
}

// timeLayout is how timestamps are stored; RFC3339Nano preserves the
// nanosecond bump used to keep updated_at strictly monotonic.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

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
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	return memory.Wrap(memory.KindBackendUnavailable, err, msg)
}

// dimGuard fixes the embedding dimension on first embedded write. The
// dimension is seeded from stored rows so reopening a database keeps the
// original dimension.
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
			"SELECT embedding FROM "+table+" WHERE embedding IS NOT NULL LIMIT 1").Scan(&s)
		if err != nil {
			continue
		}
		if v, derr := decodeVector(s); derr == nil && len(v) > 0 {
			g.dim = len(v)
			return
		}
	}
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

// scopeCond renders equality on every scope column, used by Get, Update and
// Delete to enforce scope isolation in the database.
func (t tableOps) scopeCond() string {
	conds := make([]string, len(t.scope))
	for i, f := range t.scope {
		conds[i] = quoteIdent(f) + " = ?"
	}
	return strings.Join(conds, " AND ")
}

// whereSQL renders a validated filter as SQL. Keys outside the scope model
// are rejected; a key with an empty value list matches nothing.
func (t tableOps) whereSQL(where memory.Filter) (string, []any, error) {
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
	)
	for _, k := range keys {
		if _, ok := index[k]; !ok {
			return "", nil, memory.Ef(memory.KindInvalidFilter, "unknown scope field %q", k)
		}
		vals := where[k]
		if len(vals) == 0 {
			conds = append(conds, "1 = 0")
			continue
		}
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		conds = append(conds, quoteIdent(k)+" IN ("+ph+")")
		for _, v := range vals {
			args = append(args, v)
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (t tableOps) cols(entity ...string) string {
	all := append([]string{"id"}, quoteAll(t.scope)...)
	all = append(all, entity...)
	return strings.Join(all, ", ")
}

// previousStamps reads created_at/updated_at for an update inside tx,
// returning ErrNotFound when the row does not exist in the scope.
func (t tableOps) previousStamps(ctx context.Context, tx *sql.Tx, table, id string, scope memory.Scope) (created, updated time.Time, err error) {
	args := append([]any{id}, t.scopeArgs(scope)...)
	var c, u string
	err = tx.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM "+table+" WHERE id = ? AND "+t.scopeCond(), args...).Scan(&c, &u)
	if err == sql.ErrNoRows {
		return created, updated, repository.ErrNotFound
	}
	if err != nil {
		return created, updated, wrapDB(err, "reading record for update")
	}
	if created, err = parseTime(c); err != nil {
		return created, updated, wrapDB(err, "parsing created_at")
	}
	if updated, err = parseTime(u); err != nil {
		return created, updated, wrapDB(err, "parsing updated_at")
	}
	return created, updated, nil
}

func (t tableOps) deleteRow(ctx context.Context, table, id string, scope memory.Scope) error {
	args := append([]any{id}, t.scopeArgs(scope)...)
	res, err := t.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? AND "+t.scopeCond(), args...)
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
	err := t.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ? AND "+t.scopeCond(), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDB(err, "checking record existence")
	}
	return true, nil
}

// scoredRow supports in-process similarity scoring shared by the three
// embedded repositories.
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

// --- resources ---

type resourceRepo struct {
	tableOps
}

var resourceCols = []string{"url", "modality", "local_path", "caption", "embedding", "created_at", "updated_at"}

func (s *resourceRepo) scan(row rowScanner) (*memory.Resource, error) {
	var (
		r                memory.Resource
		modality         string
		emb              sql.NullString
		created, updated string
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&r.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &r.URL, &modality, &r.LocalPath, &r.Caption, &emb, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Modality = memory.Modality(modality)
	r.Scope = s.scopeFromValues(scopeVals)
	var err error
	if r.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, wrapDB(err, "parsing created_at")
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, wrapDB(err, "parsing updated_at")
	}
	return &r, nil
}

func (s *resourceRepo) Create(ctx context.Context, r *memory.Resource) error {
	if r.ID == "" {
		return memory.E(memory.KindInvalidInput, "resource id is required")
	}
	if err := s.guard.check(ctx, r.Embedding); err != nil {
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
	ph := placeholders(1 + len(s.scope) + len(resourceCols))
	args := append([]any{r.ID}, s.scopeArgs(r.Scope)...)
	args = append(args, r.URL, string(r.Modality), r.LocalPath, r.Caption, emb, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO resources ("+s.cols(resourceCols...)+") VALUES ("+ph+")", args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "resource %q already exists", r.ID)
	}
	return wrapDB(err, "inserting resource")
}

func (s *resourceRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.Resource, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(resourceCols...)+" FROM resources WHERE id = ? AND "+s.scopeCond(), args...)
	r, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading resource")
	}
	return r, nil
}

func (s *resourceRepo) List(ctx context.Context, where memory.Filter) ([]*memory.Resource, error) {
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(resourceCols...)+" FROM resources"+cond+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, wrapDB(err, "listing resources")
	}
	defer rows.Close()
	var out []*memory.Resource
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, wrapDB(err, "scanning resource")
		}
		out = append(out, r)
	}
	return out, wrapDB(rows.Err(), "listing resources")
}

func (s *resourceRepo) Update(ctx context.Context, r *memory.Resource) error {
	if err := s.guard.check(ctx, r.Embedding); err != nil {
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
	args := []any{r.URL, string(r.Modality), r.LocalPath, r.Caption, emb, fmtTime(r.UpdatedAt), r.ID}
	args = append(args, s.scopeArgs(r.Scope)...)
	_, err = tx.ExecContext(ctx,
		"UPDATE resources SET url = ?, modality = ?, local_path = ?, caption = ?, embedding = ?, updated_at = ? WHERE id = ? AND "+s.scopeCond(), args...)
	if err != nil {
		return wrapDB(err, "updating resource")
	}
	return wrapDB(tx.Commit(), "committing resource update")
}

func (s *resourceRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "resources", id, scope)
}

func (s *resourceRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredResource, error) {
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	if cond == "" {
		cond = " WHERE embedding IS NOT NULL"
	} else {
		cond += " AND embedding IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(resourceCols...)+" FROM resources"+cond, args...)
	if err != nil {
		return nil, wrapDB(err, "searching resources")
	}
	defer rows.Close()
	byID := make(map[string]*memory.Resource)
	var candidates []scoredRow
	for rows.Next() {
		r, err := s.scan(rows)
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

var itemCols = []string{"resource_id", "memory_type", "summary", "embedding", "hits", "created_at", "updated_at"}

func (s *itemRepo) scan(row rowScanner) (*memory.MemoryItem, error) {
	var (
		it               memory.MemoryItem
		emb              sql.NullString
		created, updated string
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&it.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &it.ResourceID, &it.MemoryType, &it.Summary, &emb, &it.Hits, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	it.Scope = s.scopeFromValues(scopeVals)
	var err error
	if it.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	if it.CreatedAt, err = parseTime(created); err != nil {
		return nil, wrapDB(err, "parsing created_at")
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, wrapDB(err, "parsing updated_at")
	}
	return &it, nil
}

func (s *itemRepo) Create(ctx context.Context, it *memory.MemoryItem) error {
	if it.ID == "" {
		return memory.E(memory.KindInvalidInput, "item id is required")
	}
	if err := s.guard.check(ctx, it.Embedding); err != nil {
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
	ph := placeholders(1 + len(s.scope) + len(itemCols))
	args := append([]any{it.ID}, s.scopeArgs(it.Scope)...)
	args = append(args, it.ResourceID, it.MemoryType, it.Summary, emb, it.Hits, fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt))
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO memory_items ("+s.cols(itemCols...)+") VALUES ("+ph+")", args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "item %q already exists", it.ID)
	}
	return wrapDB(err, "inserting item")
}

func (s *itemRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(itemCols...)+" FROM memory_items WHERE id = ? AND "+s.scopeCond(), args...)
	it, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading item")
	}
	return it, nil
}

func (s *itemRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryItem, error) {
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(itemCols...)+" FROM memory_items"+cond+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, wrapDB(err, "listing items")
	}
	defer rows.Close()
	var out []*memory.MemoryItem
	for rows.Next() {
		it, err := s.scan(rows)
		if err != nil {
			return nil, wrapDB(err, "scanning item")
		}
		out = append(out, it)
	}
	return out, wrapDB(rows.Err(), "listing items")
}

func (s *itemRepo) Update(ctx context.Context, it *memory.MemoryItem) error {
	if err := s.guard.check(ctx, it.Embedding); err != nil {
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
	args := []any{it.ResourceID, it.MemoryType, it.Summary, emb, it.Hits, fmtTime(it.UpdatedAt), it.ID}
	args = append(args, s.scopeArgs(it.Scope)...)
	_, err = tx.ExecContext(ctx,
		"UPDATE memory_items SET resource_id = ?, memory_type = ?, summary = ?, embedding = ?, hits = ?, updated_at = ? WHERE id = ? AND "+s.scopeCond(), args...)
	if err != nil {
		return wrapDB(err, "updating item")
	}
	return wrapDB(tx.Commit(), "committing item update")
}

func (s *itemRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	return s.deleteRow(ctx, "memory_items", id, scope)
}

func (s *itemRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredItem, error) {
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	if cond == "" {
		cond = " WHERE embedding IS NOT NULL"
	} else {
		cond += " AND embedding IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(itemCols...)+" FROM memory_items"+cond, args...)
	if err != nil {
		return nil, wrapDB(err, "searching items")
	}
	defer rows.Close()
	byID := make(map[string]*memory.MemoryItem)
	var candidates []scoredRow
	for rows.Next() {
		it, err := s.scan(rows)
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

var categoryCols = []string{"name", "name_normalized", "description", "summary", "embedding", "created_at", "updated_at"}

func (s *categoryRepo) scan(row rowScanner) (*memory.MemoryCategory, error) {
	var (
		c                memory.MemoryCategory
		normalized       string
		emb              sql.NullString
		created, updated string
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&c.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &c.Name, &normalized, &c.Description, &c.Summary, &emb, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Scope = s.scopeFromValues(scopeVals)
	var err error
	if c.Embedding, err = decodeVector(emb); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, wrapDB(err, "parsing created_at")
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, wrapDB(err, "parsing updated_at")
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
	if err := s.guard.check(ctx, c.Embedding); err != nil {
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
	ph := placeholders(1 + len(s.scope) + len(categoryCols))
	args := append([]any{c.ID}, s.scopeArgs(c.Scope)...)
	args = append(args, c.Name, normalized, c.Description, c.Summary, emb, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO memory_categories ("+s.cols(categoryCols...)+") VALUES ("+ph+")", args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope", c.Name)
	}
	return wrapDB(err, "inserting category")
}

func (s *categoryRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryCategory, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(categoryCols...)+" FROM memory_categories WHERE id = ? AND "+s.scopeCond(), args...)
	c, err := s.scan(row)
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
		"SELECT "+s.cols(categoryCols...)+" FROM memory_categories WHERE name_normalized = ? AND "+s.scopeCond(), args...)
	c, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrapDB(err, "reading category by name")
	}
	return c, nil
}

func (s *categoryRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryCategory, error) {
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(categoryCols...)+" FROM memory_categories"+cond+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, wrapDB(err, "listing categories")
	}
	defer rows.Close()
	var out []*memory.MemoryCategory
	for rows.Next() {
		c, err := s.scan(rows)
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
	if err := s.guard.check(ctx, c.Embedding); err != nil {
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
	args := []any{c.Name, normalized, c.Description, c.Summary, emb, fmtTime(c.UpdatedAt), c.ID}
	args = append(args, s.scopeArgs(c.Scope)...)
	_, err = tx.ExecContext(ctx,
		"UPDATE memory_categories SET name = ?, name_normalized = ?, description = ?, summary = ?, embedding = ?, updated_at = ? WHERE id = ? AND "+s.scopeCond(), args...)
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
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	if cond == "" {
		cond = " WHERE embedding IS NOT NULL"
	} else {
		cond += " AND embedding IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+s.cols(categoryCols...)+" FROM memory_categories"+cond, args...)
	if err != nil {
		return nil, wrapDB(err, "searching categories")
	}
	defer rows.Close()
	byID := make(map[string]*memory.MemoryCategory)
	var candidates []scoredRow
	for rows.Next() {
		c, err := s.scan(rows)
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

var edgeCols = []string{"item_id", "category_id", "created_at", "updated_at"}

func (s *edgeRepo) scan(row rowScanner) (*memory.CategoryItem, error) {
	var (
		e                memory.CategoryItem
		created, updated string
	)
	scopeVals := make([]string, len(s.scope))
	dest := []any{&e.ID}
	for i := range scopeVals {
		dest = append(dest, &scopeVals[i])
	}
	dest = append(dest, &e.ItemID, &e.CategoryID, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.Scope = s.scopeFromValues(scopeVals)
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, wrapDB(err, "parsing created_at")
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, wrapDB(err, "parsing updated_at")
	}
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
	ph := placeholders(1 + len(s.scope) + len(edgeCols))
	args := append([]any{e.ID}, s.scopeArgs(e.Scope)...)
	args = append(args, e.ItemID, e.CategoryID, fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO category_items ("+s.cols(edgeCols...)+") VALUES ("+ph+")", args...)
	if isUniqueViolation(err) {
		return memory.Ef(memory.KindInvalidInput, "edge %q already exists", e.ID)
	}
	return wrapDB(err, "inserting edge")
}

func (s *edgeRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.CategoryItem, error) {
	args := append([]any{id}, s.scopeArgs(scope)...)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+s.cols(edgeCols...)+" FROM category_items WHERE id = ? AND "+s.scopeCond(), args...)
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
	cond, args, err := s.whereSQL(where)
	if err != nil {
		return nil, err
	}
	return s.queryEdges(ctx,
		"SELECT "+s.cols(edgeCols...)+" FROM category_items"+cond+" ORDER BY created_at, id", args)
}

func (s *edgeRepo) ListByItem(ctx context.Context, itemID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	args := append([]any{itemID}, s.scopeArgs(scope)...)
	return s.queryEdges(ctx,
		"SELECT "+s.cols(edgeCols...)+" FROM category_items WHERE item_id = ? AND "+s.scopeCond()+" ORDER BY created_at, id", args)
}

func (s *edgeRepo) ListByCategory(ctx context.Context, categoryID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	args := append([]any{categoryID}, s.scopeArgs(scope)...)
	return s.queryEdges(ctx,
		"SELECT "+s.cols(edgeCols...)+" FROM category_items WHERE category_id = ? AND "+s.scopeCond()+" ORDER BY created_at, id", args)
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
		"DELETE FROM category_items WHERE item_id = ? AND "+s.scopeCond(), args...)
	return wrapDB(err, "deleting edges by item")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
