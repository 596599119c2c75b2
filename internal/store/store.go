package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"lostfound/api/internal/claims"
	"lostfound/api/internal/util"
)

// SQLStore persists items, profiles and claim requests. It satisfies
// claims.Port and claims.DecisionStore over either Postgres or SQLite.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	profiles *ProfileCache
	now      func() time.Time
}

type Option func(*SQLStore)

// WithProfileCache memoises FetchProfile lookups.
func WithProfileCache(cache *ProfileCache) Option {
	return func(s *SQLStore) { s.profiles = cache }
}

// WithClock overrides the timestamp source used for new rows.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// bind rewrites $N placeholders for SQLite, which accepts ?N.
func (s *SQLStore) bind(query string) string {
	if s.dialect == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

const itemColumns = `
	i.id, i.creator_id, i.creator_name, i.label, i.description,
	i.latitude, i.longitude, i.created_at, i.version,
	(SELECT COUNT(*) FROM claim_requests c WHERE c.item_id = i.id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (claims.Item, error) {
	var item claims.Item
	var createdAt int64
	err := row.Scan(
		&item.ID, &item.CreatorID, &item.CreatorName, &item.Label, &item.Description,
		&item.Latitude, &item.Longitude, &createdAt, &item.Version, &item.ClaimCount,
	)
	if err != nil {
		return claims.Item{}, err
	}
	item.CreatedAt = fromMillis(createdAt)
	return item, nil
}

func (s *SQLStore) FetchItem(ctx context.Context, itemID string) (claims.Item, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+itemColumns+` FROM items i WHERE i.id = $1`), itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Item{}, claims.Wrap(claims.KindNotFound, fmt.Errorf("item %s", itemID))
	}
	if err != nil {
		return claims.Item{}, fmt.Errorf("fetch item: %w", err)
	}
	return item, nil
}

func (s *SQLStore) ListItems(ctx context.Context, limit int) ([]claims.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT `+itemColumns+` FROM items i
		ORDER BY i.created_at DESC, i.id
		LIMIT $1
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// SearchItems matches label or description case-insensitively.
func (s *SQLStore) SearchItems(ctx context.Context, text string, limit int) ([]claims.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT `+itemColumns+` FROM items i
		WHERE LOWER(i.label) LIKE $1 ESCAPE '\' OR LOWER(i.description) LIKE $1 ESCAPE '\'
		ORDER BY i.created_at DESC, i.id
		LIMIT $2
	`), pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]claims.Item, error) {
	defer rows.Close()
	items := make([]claims.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateItem stores a new pin. ID and CreatedAt are assigned when empty.
func (s *SQLStore) CreateItem(ctx context.Context, item claims.Item) (claims.Item, error) {
	if item.ID == "" {
		item.ID = util.NewID("item")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.CreatedAt = fromMillis(item.CreatedAt.UnixMilli())
	item.ClaimCount = 0
	item.Version = 0

	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO items (id, creator_id, creator_name, label, description, latitude, longitude, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`), item.ID, item.CreatorID, item.CreatorName, item.Label, item.Description,
		item.Latitude, item.Longitude, item.CreatedAt.UnixMilli())
	if err != nil {
		return claims.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

func (s *SQLStore) DeleteItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM items WHERE id = $1`), itemID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return claims.Wrap(claims.KindNotFound, fmt.Errorf("item %s", itemID))
	}
	return nil
}

func (s *SQLStore) FetchProfile(ctx context.Context, identityID string) (claims.Profile, error) {
	if s.profiles != nil {
		if p, ok := s.profiles.Get(identityID); ok {
			return p, nil
		}
	}

	var name sql.NullString
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT display_name FROM profiles WHERE id = $1`), identityID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.Profile{}, claims.Wrap(claims.KindNotFound, fmt.Errorf("profile %s", identityID))
	}
	if err != nil {
		return claims.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}

	p := claims.Profile{ID: identityID, DisplayName: name.String}
	if s.profiles != nil {
		s.profiles.Add(p)
	}
	return p, nil
}

func (s *SQLStore) UpsertProfile(ctx context.Context, p claims.Profile) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO profiles (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
	`), p.ID, p.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	if s.profiles != nil {
		s.profiles.Remove(p.ID)
	}
	return nil
}

const requestColumns = `id, item_id, requester_id, message, decision, created_at, decided_at`

func scanRequest(row rowScanner) (claims.ClaimRequest, error) {
	var req claims.ClaimRequest
	var decision string
	var createdAt int64
	var decidedAt sql.NullInt64
	if err := row.Scan(&req.ID, &req.ItemID, &req.RequesterID, &req.Message, &decision, &createdAt, &decidedAt); err != nil {
		return claims.ClaimRequest{}, err
	}
	req.Decision = claims.Decision(decision)
	req.CreatedAt = fromMillis(createdAt)
	if decidedAt.Valid {
		t := fromMillis(decidedAt.Int64)
		req.DecidedAt = &t
	}
	return req, nil
}

func (s *SQLStore) queryRequests(ctx context.Context, query string, args ...any) ([]claims.ClaimRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query claim requests: %w", err)
	}
	defer rows.Close()

	out := make([]claims.ClaimRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLStore) FetchClaimRequests(ctx context.Context, itemID, requesterID string) ([]claims.ClaimRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM claim_requests
		WHERE item_id = $1 AND requester_id = $2
		ORDER BY created_at, id
	`, itemID, requesterID)
}

func (s *SQLStore) FetchRequesterHistory(ctx context.Context, requesterID string) ([]claims.ClaimRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM claim_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC, id
	`, requesterID)
}

// ListItemClaims returns every request against an item, oldest first.
func (s *SQLStore) ListItemClaims(ctx context.Context, itemID string) ([]claims.ClaimRequest, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM claim_requests
		WHERE item_id = $1
		ORDER BY created_at, id
	`, itemID)
}

// CreateClaimRequest relies on the (item_id, requester_id) unique constraint:
// a conflicting insert returns no row and is reported as a duplicate.
func (s *SQLStore) CreateClaimRequest(ctx context.Context, itemID, requesterID, message string) (claims.ClaimRequest, error) {
	req := claims.ClaimRequest{
		ID:          util.NewID("claim"),
		ItemID:      itemID,
		RequesterID: requesterID,
		Message:     message,
		Decision:    claims.DecisionUndecided,
		CreatedAt:   fromMillis(s.now().UnixMilli()),
	}

	var id string
	err := s.db.QueryRowContext(ctx, s.bind(`
		INSERT INTO claim_requests (id, item_id, requester_id, message, decision, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id, requester_id) DO NOTHING
		RETURNING id
	`), req.ID, req.ItemID, req.RequesterID, req.Message, string(req.Decision), req.CreatedAt.UnixMilli()).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return claims.ClaimRequest{}, claims.Wrap(claims.KindDuplicateClaim, fmt.Errorf("item %s requester %s", itemID, requesterID))
	case err != nil:
		return claims.ClaimRequest{}, classifyWriteError(err)
	}
	return req, nil
}

func (s *SQLStore) DecideClaim(ctx context.Context, itemID, requestID string, decision claims.Decision) (claims.ClaimRequest, error) {
	if !decision.Terminal() {
		return claims.ClaimRequest{}, claims.Wrap(claims.KindInvalid, fmt.Errorf("decision %q", decision))
	}

	row := s.db.QueryRowContext(ctx, s.bind(`
		UPDATE claim_requests SET decision = $1, decided_at = $2
		WHERE id = $3 AND item_id = $4 AND decision = 'undecided'
		RETURNING `+requestColumns), string(decision), s.now().UnixMilli(), requestID, itemID)
	req, err := scanRequest(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return claims.ClaimRequest{}, fmt.Errorf("decide claim: %w", err)
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.bind(`SELECT decision FROM claim_requests WHERE id = $1 AND item_id = $2`), requestID, itemID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.ClaimRequest{}, claims.Wrap(claims.KindNotFound, fmt.Errorf("claim request %s", requestID))
	}
	if err != nil {
		return claims.ClaimRequest{}, fmt.Errorf("lookup claim request: %w", err)
	}
	return claims.ClaimRequest{}, claims.Wrap(claims.KindAlreadyDecided, fmt.Errorf("claim request %s is %s", requestID, current))
}

func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return claims.Wrap(claims.KindNotFound, err)
		case "23505":
			return claims.Wrap(claims.KindDuplicateClaim, err)
		}
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return claims.Wrap(claims.KindNotFound, err)
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return claims.Wrap(claims.KindDuplicateClaim, err)
		}
	}
	return fmt.Errorf("insert claim request: %w", err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
