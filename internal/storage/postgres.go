package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mjza/mra-core-sub000/internal/crypto"
	"github.com/mjza/mra-core-sub000/pkg/models"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec *crypto.FieldCodec
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
// The codec encrypts customer contact fields; it may be nil in tests.
func NewPostgresStore(ctx context.Context, connStr string, codec *crypto.FieldCodec) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool, codec: codec}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// --- Customers ---

func (p *PostgresStore) CreateCustomer(ctx context.Context, c *models.Customer) error {
	email, err := p.encodeField(c.ContactEmail)
	if err != nil {
		return fmt.Errorf("encoding contact email: %w", err)
	}
	phone, err := p.encodeField(c.ContactPhone)
	if err != nil {
		return fmt.Errorf("encoding contact phone: %w", err)
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO customers (name, is_private, contact_email, contact_phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		c.Name, c.IsPrivate, email, phone,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (p *PostgresStore) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, is_private, contact_email, contact_phone, created_at, updated_at
		 FROM customers WHERE id = $1`,
		id,
	)
	var c models.Customer
	var email, phone []byte
	if err := row.Scan(&c.ID, &c.Name, &c.IsPrivate, &email, &phone, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if c.ContactEmail, err = p.decodeField(email); err != nil {
		return nil, fmt.Errorf("decoding contact email: %w", err)
	}
	if c.ContactPhone, err = p.decodeField(phone); err != nil {
		return nil, fmt.Errorf("decoding contact phone: %w", err)
	}
	return &c, nil
}

func (p *PostgresStore) CustomerIsPrivate(ctx context.Context, id int64) (bool, error) {
	var private bool
	err := p.pool.QueryRow(ctx, `SELECT is_private FROM customers WHERE id = $1`, id).Scan(&private)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return private, nil
}

func (p *PostgresStore) encodeField(v string) ([]byte, error) {
	if p.codec == nil {
		return []byte(v), nil
	}
	return p.codec.Encode(v)
}

func (p *PostgresStore) decodeField(blob []byte) (string, error) {
	if p.codec == nil {
		return string(blob), nil
	}
	return p.codec.Decode(blob)
}

// --- Tickets ---

func (p *PostgresStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	if t.Status == "" {
		t.Status = models.TicketOpen
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO tickets (customer_id, creator, subject, body, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		t.CustomerID, t.Creator, t.Subject, t.Body, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func (p *PostgresStore) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, customer_id, creator, subject, body, status, created_at, updated_at
		 FROM tickets WHERE id = $1`,
		id,
	)
	return scanTicket(row)
}

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(&t.ID, &t.CustomerID, &t.Creator, &t.Subject, &t.Body, &t.Status,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ticketColumns whitelists the fields an authorized update may touch. The
// decision service narrows the payload; this guards the SQL surface.
var ticketColumns = map[string]bool{
	"subject": true,
	"body":    true,
	"status":  true,
}

func (p *PostgresStore) UpdateTicketFields(ctx context.Context, id int64, fields map[string]any) error {
	setParts := []string{"updated_at = NOW()"}
	args := []any{id}
	n := 2
	for col, v := range fields {
		if !ticketColumns[col] {
			continue
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE tickets SET %s WHERE id = $1`, strings.Join(setParts, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteTicket(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// whereColumns whitelists row-filter keys the decision service may hand back.
var whereColumns = map[string]bool{
	"customer_id": true,
	"creator":     true,
	"status":      true,
}

func (p *PostgresStore) FetchTicketPage(ctx context.Context, filter TicketFilter, offset, limit int) ([]*models.Ticket, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, customer_id, creator, subject, body, status, created_at, updated_at FROM tickets WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.CustomerID != nil {
		fmt.Fprintf(&query, ` AND customer_id = $%d`, n)
		args = append(args, *filter.CustomerID)
		n++
	}
	if filter.Status != "" {
		fmt.Fprintf(&query, ` AND status = $%d`, n)
		args = append(args, filter.Status)
		n++
	}
	for col, v := range filter.Where {
		if !whereColumns[col] {
			continue
		}
		fmt.Fprintf(&query, ` AND %s = $%d`, col, n)
		args = append(args, v)
		n++
	}
	sort := filter.Sort
	if sort == "" {
		sort = "created_at DESC, id DESC"
	}
	fmt.Fprintf(&query, ` ORDER BY %s LIMIT $%d OFFSET $%d`, sort, n, n+1)
	args = append(args, limit, offset)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		var t models.Ticket
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Creator, &t.Subject, &t.Body, &t.Status,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// --- Audit ---

func (p *PostgresStore) InsertAuditLog(ctx context.Context, entry *models.AuditLog) (int64, error) {
	snapshot := entry.Snapshot
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO audit_logs (method_route, snapshot, client_ip, subject_id, comments, created_at)
		 VALUES ($1, $2, $3, $4, '', NOW())
		 RETURNING id`,
		entry.MethodRoute, snapshot, entry.ClientIP, entry.SubjectID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	entry.ID = id
	return id, nil
}

func (p *PostgresStore) AppendAuditComment(ctx context.Context, id int64, comment string) (string, error) {
	var comments string
	err := p.pool.QueryRow(ctx,
		`UPDATE audit_logs
		 SET comments = CASE WHEN comments = '' THEN $2 ELSE comments || '; ' || $2 END
		 WHERE id = $1
		 RETURNING comments`,
		id, comment,
	).Scan(&comments)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return comments, nil
}

func (p *PostgresStore) QueryAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, method_route, snapshot, client_ip, subject_id, comments, created_at FROM audit_logs WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Route != "" {
		fmt.Fprintf(&query, ` AND method_route LIKE $%d`, n)
		args = append(args, "%"+filter.Route+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND created_at >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY created_at DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.ID, &e.MethodRoute, &e.Snapshot, &e.ClientIP,
			&e.SubjectID, &e.Comments, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteAuditLog exists for test support. Production audit rows are never
// deleted.
func (p *PostgresStore) DeleteAuditLog(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_logs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Authorization rules ---

func (p *PostgresStore) LoadPolicyRules(ctx context.Context) ([]models.PolicyRule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT subject, domain, object, action, condition, attributes, effect FROM policy_rules`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.PolicyRule
	for rows.Next() {
		var r models.PolicyRule
		var attrsJSON []byte
		if err := rows.Scan(&r.Subject, &r.Domain, &r.Object, &r.Action, &r.Condition,
			&attrsJSON, &r.Effect); err != nil {
			return nil, err
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &r.Attributes); err != nil {
				return nil, fmt.Errorf("decoding rule attributes: %w", err)
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *PostgresStore) LoadRoleBindings(ctx context.Context) ([]models.RoleBinding, error) {
	rows, err := p.pool.Query(ctx, `SELECT identity, role, domain FROM role_bindings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []models.RoleBinding
	for rows.Next() {
		var b models.RoleBinding
		if err := rows.Scan(&b.Identity, &b.Role, &b.Domain); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ReplacePolicyRules swaps the full policy set in one transaction. Policies
// are immutable during evaluation; a reload only lands between requests.
func (p *PostgresStore) ReplacePolicyRules(ctx context.Context, rules []models.PolicyRule) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM policy_rules`); err != nil {
		return fmt.Errorf("clearing policy rules: %w", err)
	}
	for _, r := range rules {
		attrsJSON, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("encoding rule attributes: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO policy_rules (subject, domain, object, action, condition, attributes, effect)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.Subject, r.Domain, r.Object, r.Action, r.Condition, attrsJSON, r.Effect,
		); err != nil {
			return fmt.Errorf("inserting policy rule: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Metrics ---

func (p *PostgresStore) CountTickets(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&count)
	return count, err
}

func (p *PostgresStore) CountAuditLogs(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&count)
	return count, err
}
