package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classify converts driver errors into the package sentinels, keeping the original in the chain.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidReference, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Users

const userColumns = `id, name, email, password_hash, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
		RETURNING `+userColumns,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Role,
	)
	created, err := scanUser(row)
	if err != nil {
		return User{}, classify("create user", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, classify("get user", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
	if err != nil {
		return User{}, classify("get user by email", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// Leads

const leadSelect = `
	SELECT l.id, l.first_name, l.last_name, l.email, l.phone, l.company, l.status, l.source,
		l.estimated_value::float8, l.notes, l.owner_id, l.created_at, l.updated_at,
		u.id, u.name, u.email
	FROM leads l
	LEFT JOIN users u ON u.id = l.owner_id
`

func scanLead(row interface{ Scan(...any) error }) (Lead, error) {
	var lead Lead
	var status string
	var ownerID, ownerName, ownerMail sql.NullString
	err := row.Scan(
		&lead.ID, &lead.FirstName, &lead.LastName, &lead.Email, &lead.Phone, &lead.Company, &status, &lead.Source,
		&lead.EstimatedValue, &lead.Notes, &lead.OwnerID, &lead.CreatedAt, &lead.UpdatedAt,
		&ownerID, &ownerName, &ownerMail,
	)
	if err != nil {
		return Lead{}, err
	}
	lead.Status = LeadStatus(status)
	if ownerID.Valid {
		lead.Owner = &UserSummary{ID: ownerID.String, Name: ownerName.String, Email: ownerMail.String}
	}
	return lead, nil
}

func (s *PostgresStore) InsertLead(ctx context.Context, lead Lead) (Lead, error) {
	status := lead.Status
	if status == "" {
		status = StatusNew
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, first_name, last_name, email, phone, company, status, source, estimated_value, notes, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, lead.ID, lead.FirstName, lead.LastName, lead.Email, lead.Phone, lead.Company, string(status), lead.Source,
		lead.EstimatedValue, lead.Notes, lead.OwnerID)
	if err != nil {
		return Lead{}, classify("insert lead", err)
	}
	return s.GetLead(ctx, lead.ID)
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (Lead, error) {
	lead, err := scanLead(s.db.QueryRowContext(ctx, leadSelect+` WHERE l.id=$1`, leadID))
	if err != nil {
		return Lead{}, classify("get lead", err)
	}
	return lead, nil
}

// UpdateLead writes every mutable column of lead. Concurrent writers are last-write-wins.
func (s *PostgresStore) UpdateLead(ctx context.Context, lead Lead) (Lead, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET first_name=$2, last_name=$3, email=$4, phone=$5, company=$6, status=$7, source=$8,
			estimated_value=$9, notes=$10, owner_id=$11, updated_at=NOW()
		WHERE id=$1
	`, lead.ID, lead.FirstName, lead.LastName, lead.Email, lead.Phone, lead.Company, string(lead.Status), lead.Source,
		lead.EstimatedValue, lead.Notes, lead.OwnerID)
	if err != nil {
		return Lead{}, classify("update lead", err)
	}
	if err := requireAffected("update lead", result); err != nil {
		return Lead{}, err
	}
	return s.GetLead(ctx, lead.ID)
}

func (s *PostgresStore) DeleteLead(ctx context.Context, leadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leads WHERE id=$1`, leadID)
	if err != nil {
		return classify("delete lead", err)
	}
	return requireAffected("delete lead", result)
}

// ListLeads returns one page of leads, newest first, and the total count matching filter.
func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, int, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.OwnerID != "" {
		clauses = append(clauses, "l.owner_id = "+arg(filter.OwnerID))
	}
	if filter.Status != "" {
		clauses = append(clauses, "l.status = "+arg(string(filter.Status)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		p := arg("%" + search + "%")
		clauses = append(clauses, fmt.Sprintf(
			"(l.first_name ILIKE %[1]s OR l.last_name ILIKE %[1]s OR l.email ILIKE %[1]s OR l.company ILIKE %[1]s)", p))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads l`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leads: %w", err)
	}

	query := leadSelect + where + ` ORDER BY l.created_at DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	items := make([]Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan lead: %w", err)
		}
		items = append(items, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate leads: %w", err)
	}
	return items, total, nil
}

// Activities

const activitySelect = `
	SELECT a.id, a.type, a.title, a.description, a.lead_id, a.user_id, COALESCE(a.metadata::text, ''), a.created_at,
		u.id, u.name, u.email
	FROM activities a
	LEFT JOIN users u ON u.id = a.user_id
`

func scanActivity(row interface{ Scan(...any) error }) (Activity, error) {
	var activity Activity
	var activityType, metadata string
	var userID, userName, userMail sql.NullString
	err := row.Scan(
		&activity.ID, &activityType, &activity.Title, &activity.Description, &activity.LeadID, &activity.UserID,
		&metadata, &activity.CreatedAt, &userID, &userName, &userMail,
	)
	if err != nil {
		return Activity{}, err
	}
	activity.Type = ActivityType(activityType)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &activity.Metadata); err != nil {
			return Activity{}, fmt.Errorf("decode activity metadata: %w", err)
		}
	}
	if userID.Valid {
		activity.User = &UserSummary{ID: userID.String, Name: userName.String, Email: userMail.String}
	}
	return activity, nil
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode activity metadata: %w", err)
	}
	return string(raw), nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) (Activity, error) {
	metadata, err := encodeMetadata(activity.Metadata)
	if err != nil {
		return Activity{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, type, title, description, lead_id, user_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, activity.ID, string(activity.Type), activity.Title, activity.Description, activity.LeadID, activity.UserID, metadata)
	if err != nil {
		return Activity{}, classify("insert activity", err)
	}
	return s.GetActivity(ctx, activity.ID)
}

func (s *PostgresStore) GetActivity(ctx context.Context, activityID string) (Activity, error) {
	activity, err := scanActivity(s.db.QueryRowContext(ctx, activitySelect+` WHERE a.id=$1`, activityID))
	if err != nil {
		return Activity{}, classify("get activity", err)
	}
	return activity, nil
}

// UpdateActivity rewrites the author-editable columns. lead_id and user_id never change.
func (s *PostgresStore) UpdateActivity(ctx context.Context, activity Activity) (Activity, error) {
	metadata, err := encodeMetadata(activity.Metadata)
	if err != nil {
		return Activity{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE activities SET type=$2, title=$3, description=$4, metadata=$5::jsonb
		WHERE id=$1
	`, activity.ID, string(activity.Type), activity.Title, activity.Description, metadata)
	if err != nil {
		return Activity{}, classify("update activity", err)
	}
	if err := requireAffected("update activity", result); err != nil {
		return Activity{}, err
	}
	return s.GetActivity(ctx, activity.ID)
}

func (s *PostgresStore) DeleteActivity(ctx context.Context, activityID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id=$1`, activityID)
	if err != nil {
		return classify("delete activity", err)
	}
	return requireAffected("delete activity", result)
}

func (s *PostgresStore) ListActivitiesByLead(ctx context.Context, leadID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, activitySelect+` WHERE a.lead_id=$1 ORDER BY a.created_at DESC, a.seq DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}

func requireAffected(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
