package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
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

// --- clients ---

func (s *PostgresStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, COALESCE(phone,''), COALESCE(company,''), COALESCE(logo_url,''), created_at
		FROM clients
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	items := make([]Client, 0)
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.LogoURL, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, COALESCE(phone,''), COALESCE(company,''), COALESCE(logo_url,''), created_at
		FROM clients WHERE id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.LogoURL, &c.CreatedAt)
	if err != nil {
		return Client{}, err
	}
	return c, nil
}

func (s *PostgresStore) InsertClient(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, email, phone, company, logo_url)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''))
	`, c.ID, c.Name, c.Email, c.Phone, c.Company, c.LogoURL)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateClient(ctx context.Context, c Client) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET name=$2, email=$3, phone=NULLIF($4,''), company=NULLIF($5,''), logo_url=NULLIF($6,'')
		WHERE id=$1
	`, c.ID, c.Name, c.Email, c.Phone, c.Company, c.LogoURL)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteClient(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return requireRow(result)
}

// --- projects ---

const projectColumns = `id, client_id, name, status, deadline, created_at`

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

func (s *PostgresStore) ListProjectsByClient(ctx context.Context, clientID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE client_id=$1 ORDER BY created_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list projects by client: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

func scanProjects(rows *sql.Rows) ([]Project, error) {
	items := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Name, &p.Status, &p.Deadline, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE id=$1
	`, id).Scan(&p.ID, &p.ClientID, &p.Name, &p.Status, &p.Deadline, &p.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, client_id, name, status, deadline)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.ClientID, p.Name, p.Status, p.Deadline)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p Project) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, status=$3, deadline=$4 WHERE id=$1
	`, p.ID, p.Name, p.Status, p.Deadline)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireRow(result)
}

// --- updates ---

// Legacy rows may lack a status; COALESCE makes them read as pending.
const updateColumns = `
	id, project_id, title, description, category,
	COALESCE(status, 'pending'), COALESCE(image_url, ''),
	reviewed_at, COALESCE(reviewed_by, ''), created_at`

func (s *PostgresStore) ListUpdatesByProject(ctx context.Context, projectID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]Update, 0)
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetUpdate(ctx context.Context, id string) (Update, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE id=$1`, id)
	return scanUpdate(row.Scan)
}

func scanUpdate(scan func(...any) error) (Update, error) {
	var u Update
	if err := scan(&u.ID, &u.ProjectID, &u.Title, &u.Description, &u.Category,
		&u.Status, &u.ImageURL, &u.ReviewedAt, &u.ReviewedBy, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Update{}, err
		}
		return Update{}, fmt.Errorf("scan update: %w", err)
	}
	u.Category = canonicalCategory(u.Category)
	return u, nil
}

// InsertUpdate persists a new update. Status is forced to pending and
// created_at is assigned by the database regardless of the input value.
func (s *PostgresStore) InsertUpdate(ctx context.Context, u Update) (Update, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO updates (id, project_id, title, description, category, status, image_url)
		VALUES ($1, $2, $3, $4, $5, 'pending', NULLIF($6,''))
		RETURNING created_at
	`, u.ID, u.ProjectID, u.Title, u.Description, u.Category, u.ImageURL).Scan(&u.CreatedAt)
	if err != nil {
		return Update{}, fmt.Errorf("insert update: %w", err)
	}
	u.Status = StatusPending
	u.ReviewedAt = nil
	u.ReviewedBy = ""
	return u, nil
}

func (s *PostgresStore) SetUpdateContent(ctx context.Context, id, title, description, category, imageURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE updates SET title=$2, description=$3, category=$4, image_url=NULLIF($5,'')
		WHERE id=$1
	`, id, title, description, category, imageURL)
	if err != nil {
		return fmt.Errorf("set update content: %w", err)
	}
	return requireRow(result)
}

// ReviewUpdate sets status, reviewed_at, and reviewed_by in one
// statement so the three can never diverge. Last write wins on
// concurrent reviews.
func (s *PostgresStore) ReviewUpdate(ctx context.Context, id, status, reviewedBy string) (Update, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE updates
		SET status=$2, reviewed_at=NOW(), reviewed_by=$3
		WHERE id=$1
		RETURNING `+updateColumns+`
	`, id, status, reviewedBy)
	return scanUpdate(row.Scan)
}

func (s *PostgresStore) DeleteUpdate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM updates WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete update: %w", err)
	}
	return requireRow(result)
}

// --- users ---

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, COALESCE(client_id,''), COALESCE(password_hash,''), created_at
		FROM users WHERE id=$1
	`, id).Scan(&u.ID, &u.Email, &u.Role, &u.ClientID, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, role, COALESCE(client_id,''), COALESCE(password_hash,''), created_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&u.ID, &u.Email, &u.Role, &u.ClientID, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role, client_id, password_hash)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''))
	`, u.ID, u.Email, u.Role, u.ClientID, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- magic links (Postgres fallback) ---

func (s *PostgresStore) SaveMagicLink(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (token_hash, user_id, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
	`, tokenHash, userID, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("save magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink redeems a link token exactly once.
func (s *PostgresStore) ConsumeMagicLink(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_links SET used_at=NOW()
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// --- audit ---

func (s *PostgresStore) InsertPermissionDenial(ctx context.Context, d PermissionDenial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_denials (actor_id, actor_email, action, resource_type, resource_id, role, path, method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ActorID, d.ActorEmail, d.Action, d.ResourceType, d.ResourceID, d.Role, d.Path, d.Method)
	if err != nil {
		return fmt.Errorf("insert permission denial: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
