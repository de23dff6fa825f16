package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trailhub/api/internal/role"
)

// ErrDuplicateSubscription is returned when the partial unique index on
// active subscriptions rejects a concurrent follow.
var ErrDuplicateSubscription = errors.New("active subscription already exists")

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

// --- Profiles ---

func (s *PostgresStore) InsertProfile(ctx context.Context, profile Profile, primaryEmail string) (Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin insert profile: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO profiles (firstname, middlename, lastname, nickname, bio, date_of_birth, gender, fitness, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, profile.Firstname, profile.Middlename, profile.Lastname, profile.Nickname, profile.Bio,
		profile.DateOfBirth, profile.Gender, profile.Fitness, profile.PasswordHash,
	).Scan(&profile.ID, &profile.CreatedAt)
	if err != nil {
		return Profile{}, fmt.Errorf("insert profile: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO emails (address, profile_id, is_primary)
		VALUES ($1, $2, TRUE)
	`, primaryEmail, profile.ID); err != nil {
		return Profile{}, fmt.Errorf("insert primary email: %w", err)
	}

	for _, activityType := range profile.ActivityTypes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profile_activity_types (profile_id, activity_type)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, profile.ID, activityType); err != nil {
			return Profile{}, fmt.Errorf("insert profile activity type: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit insert profile: %w", err)
	}
	return profile, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, profileID int64) (Profile, error) {
	var item Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, firstname, middlename, lastname, nickname, bio, date_of_birth, gender, fitness, password_hash, created_at
		FROM profiles
		WHERE id=$1
	`, profileID).Scan(&item.ID, &item.Firstname, &item.Middlename, &item.Lastname, &item.Nickname,
		&item.Bio, &item.DateOfBirth, &item.Gender, &item.Fitness, &item.PasswordHash, &item.CreatedAt)
	if err != nil {
		return Profile{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, address string) (Profile, error) {
	var item Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.firstname, p.middlename, p.lastname, p.nickname, p.bio, p.date_of_birth, p.gender, p.fitness, p.password_hash, p.created_at
		FROM profiles p
		JOIN emails e ON e.profile_id = p.id
		WHERE e.address = $1
	`, address).Scan(&item.ID, &item.Firstname, &item.Middlename, &item.Lastname, &item.Nickname,
		&item.Bio, &item.DateOfBirth, &item.Gender, &item.Fitness, &item.PasswordHash, &item.CreatedAt)
	if err != nil {
		return Profile{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateProfilePassword(ctx context.Context, profileID int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET password_hash=$2 WHERE id=$1`, profileID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProfileActivityTypes(ctx context.Context, profileID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type FROM profile_activity_types WHERE profile_id=$1 ORDER BY activity_type
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list profile activity types: %w", err)
	}
	defer rows.Close()

	types := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan profile activity type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// --- Emails ---

func (s *PostgresStore) FindEmailByAddress(ctx context.Context, address string) (Email, error) {
	var item Email
	err := s.db.QueryRowContext(ctx, `
		SELECT address, profile_id, is_primary FROM emails WHERE address=$1
	`, address).Scan(&item.Address, &item.ProfileID, &item.Primary)
	if err != nil {
		return Email{}, err
	}
	return item, nil
}

func (s *PostgresStore) PrimaryEmail(ctx context.Context, profileID int64) (Email, error) {
	var item Email
	err := s.db.QueryRowContext(ctx, `
		SELECT address, profile_id, is_primary FROM emails WHERE profile_id=$1 AND is_primary
	`, profileID).Scan(&item.Address, &item.ProfileID, &item.Primary)
	if err != nil {
		return Email{}, err
	}
	return item, nil
}

// --- Activities ---

func (s *PostgresStore) InsertActivity(ctx context.Context, item Activity) (Activity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Activity{}, fmt.Errorf("begin insert activity: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO activities (creator_id, name, description, continuous, start_time, end_time, location, visibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, item.CreatorID, item.Name, item.Description, item.Continuous, item.StartTime, item.EndTime,
		item.Location, item.Visibility,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", err)
	}

	for _, activityType := range item.ActivityTypes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activity_activity_types (activity_id, activity_type)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, item.ID, activityType); err != nil {
			return Activity{}, fmt.Errorf("insert activity type: %w", err)
		}
	}

	for _, hashtag := range item.Hashtags {
		var tagID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO tags (name, usage_count)
			VALUES ($1, 1)
			ON CONFLICT (name) DO UPDATE SET usage_count = tags.usage_count + 1
			RETURNING id
		`, strings.ToLower(hashtag)).Scan(&tagID); err != nil {
			return Activity{}, fmt.Errorf("upsert tag: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activity_tags (activity_id, tag_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, item.ID, tagID); err != nil {
			return Activity{}, fmt.Errorf("attach tag: %w", err)
		}
	}

	// Creator always holds the Creator role and an active subscription.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activity_roles (profile_id, activity_id, role_type)
		VALUES ($1, $2, $3)
	`, item.CreatorID, item.ID, string(role.Creator)); err != nil {
		return Activity{}, fmt.Errorf("insert creator role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_history (profile_id, activity_id, start_date_time)
		VALUES ($1, $2, NOW())
	`, item.CreatorID, item.ID); err != nil {
		return Activity{}, fmt.Errorf("insert creator subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Activity{}, fmt.Errorf("commit insert activity: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, activityID int64) (Activity, error) {
	var item Activity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, name, description, continuous, start_time, end_time, location, visibility, archived, created_at
		FROM activities
		WHERE id=$1 AND NOT archived
	`, activityID).Scan(&item.ID, &item.CreatorID, &item.Name, &item.Description, &item.Continuous,
		&item.StartTime, &item.EndTime, &item.Location, &item.Visibility, &item.Archived, &item.CreatedAt)
	if err != nil {
		return Activity{}, err
	}

	types, err := s.activityTypes(ctx, activityID)
	if err != nil {
		return Activity{}, err
	}
	item.ActivityTypes = types

	hashtags, err := s.activityHashtags(ctx, activityID)
	if err != nil {
		return Activity{}, err
	}
	item.Hashtags = hashtags
	return item, nil
}

func (s *PostgresStore) activityTypes(ctx context.Context, activityID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_type FROM activity_activity_types WHERE activity_id=$1 ORDER BY activity_type
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list activity types: %w", err)
	}
	defer rows.Close()

	types := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan activity type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *PostgresStore) activityHashtags(ctx context.Context, activityID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name
		FROM activity_tags at
		JOIN tags t ON t.id = at.tag_id
		WHERE at.activity_id=$1
		ORDER BY t.name
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list hashtags: %w", err)
	}
	defer rows.Close()

	hashtags := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan hashtag: %w", err)
		}
		hashtags = append(hashtags, name)
	}
	return hashtags, rows.Err()
}

func (s *PostgresStore) ArchiveActivity(ctx context.Context, activityID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE activities SET archived=TRUE WHERE id=$1`, activityID)
	if err != nil {
		return fmt.Errorf("archive activity: %w", err)
	}
	return nil
}

// --- Tags ---

func (s *PostgresStore) AutocompleteHashtags(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM tags
		WHERE name LIKE $1 || '%'
		ORDER BY usage_count DESC, name
		LIMIT $2
	`, strings.ToLower(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("autocomplete hashtags: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan hashtag: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Activity roles ---

// GetActivityRole returns nil when the profile holds no role on the activity.
func (s *PostgresStore) GetActivityRole(ctx context.Context, profileID, activityID int64) (*ActivityRole, error) {
	var item ActivityRole
	var roleType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, activity_id, role_type
		FROM activity_roles
		WHERE profile_id=$1 AND activity_id=$2
	`, profileID, activityID).Scan(&item.ID, &item.ProfileID, &item.ActivityID, &roleType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity role: %w", err)
	}
	item.Type = role.Type(roleType)
	return &item, nil
}

func (s *PostgresStore) CreateActivityRole(ctx context.Context, profileID, activityID int64, roleType role.Type) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_roles (profile_id, activity_id, role_type)
		VALUES ($1, $2, $3)
	`, profileID, activityID, string(roleType))
	if err != nil {
		return fmt.Errorf("create activity role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActivityRoleType(ctx context.Context, profileID, activityID int64, roleType role.Type) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE activity_roles SET role_type=$3 WHERE profile_id=$1 AND activity_id=$2
	`, profileID, activityID, string(roleType))
	if err != nil {
		return fmt.Errorf("update activity role: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteActivityRole(ctx context.Context, profileID, activityID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM activity_roles WHERE profile_id=$1 AND activity_id=$2
	`, profileID, activityID)
	if err != nil {
		return fmt.Errorf("delete activity role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, activityID int64, roleType role.Type, limit, offset int) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.firstname, p.lastname, p.nickname
		FROM activity_roles ar
		JOIN profiles p ON p.id = ar.profile_id
		WHERE ar.activity_id=$1 AND ar.role_type=$2
		ORDER BY p.id
		LIMIT $3 OFFSET $4
	`, activityID, string(roleType), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProfileID, &m.Firstname, &m.Lastname, &m.Nickname); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) CountMembers(ctx context.Context, activityID int64, roleType role.Type) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM activity_roles WHERE activity_id=$1 AND role_type=$2
	`, activityID, string(roleType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// --- Subscription history ---

// ActiveSubscription returns nil when no open interval exists for the pair.
func (s *PostgresStore) ActiveSubscription(ctx context.Context, profileID, activityID int64) (*SubscriptionHistory, error) {
	var item SubscriptionHistory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, activity_id, start_date_time, end_date_time
		FROM subscription_history
		WHERE profile_id=$1 AND activity_id=$2 AND end_date_time IS NULL
	`, profileID, activityID).Scan(&item.ID, &item.ProfileID, &item.ActivityID, &item.StartDateTime, &item.EndDateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active subscription: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertSubscription(ctx context.Context, profileID, activityID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_history (profile_id, activity_id, start_date_time)
		VALUES ($1, $2, NOW())
	`, profileID, activityID)
	if err != nil {
		if strings.Contains(err.Error(), "subscription_history_active_pair") {
			return ErrDuplicateSubscription
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSubscription(ctx context.Context, subscriptionID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscription_history SET end_date_time=NOW() WHERE id=$1
	`, subscriptionID)
	if err != nil {
		return fmt.Errorf("end subscription: %w", err)
	}
	return nil
}

// --- Refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, profileID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, profile_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET profile_id=EXCLUDED.profile_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, profileID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Profile, error) {
	const query = `
		SELECT p.id, p.firstname, p.middlename, p.lastname, p.nickname, p.bio, p.date_of_birth, p.gender, p.fitness, p.password_hash, p.created_at
		FROM refresh_sessions rs
		JOIN profiles p ON p.id = rs.profile_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var item Profile
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&item.ID, &item.Firstname, &item.Middlename,
		&item.Lastname, &item.Nickname, &item.Bio, &item.DateOfBirth, &item.Gender, &item.Fitness,
		&item.PasswordHash, &item.CreatedAt)
	if err != nil {
		return Profile{}, err
	}
	return item, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- Password resets ---

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, profileID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, profile_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, profileID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (int64, error) {
	var profileID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&profileID)
	if err != nil {
		return 0, err
	}
	return profileID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}
