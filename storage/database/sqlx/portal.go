package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

// postgres error codes
const (
	codeInvalidText      = "22P02"
	codeForeignViolation = "23503"
	codeUniqueViolation  = "23505"
	codeUndefinedTable   = "42P01"
	codeUndefinedColumn  = "42703"
)

type (
	profileRow struct {
		ID        string      `db:"id"`
		Name      string      `db:"name"`
		Email     null.String `db:"email"`
		Role      string      `db:"role"`
		AvatarURL null.String `db:"avatar_url"`
		CreatedAt time.Time   `db:"created_at"`
		UpdatedAt time.Time   `db:"updated_at"`
	}

	channelRow struct {
		ID          string      `db:"id"`
		Name        string      `db:"name"`
		Description null.String `db:"description"`
		Type        string      `db:"type"`
		CreatedBy   null.String `db:"created_by"`
		CreatedAt   time.Time   `db:"created_at"`
		UpdatedAt   time.Time   `db:"updated_at"`
	}
)

func (r profileRow) unbox() portal.Profile {
	return portal.Profile{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email.String,
		Role:      r.Role,
		AvatarURL: r.AvatarURL.String,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (r channelRow) unbox() portal.Channel {
	return portal.Channel{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description.String,
		Type:        r.Type,
		CreatedBy:   r.CreatedBy.String,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type portalRepository struct {
	exec core.DBExecutor
}

var _ portal.Repository = (*portalRepository)(nil) // interface compliance check

func NewPortalRepository(exec core.DBExecutor) portal.Repository {
	return &portalRepository{exec: exec}
}

// trapErr maps postgres errors to the portal errors.
// Malformed ids cannot match any row, so they are reported as notFound too.
func trapErr(err error, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeInvalidText:
			return notFound
		case codeForeignViolation:
			return portal.ErrChannelNotFound
		case codeUniqueViolation:
			if notFound == portal.ErrMemberNotFound {
				return portal.ErrAlreadyMember
			}
		}
	}
	return wrapErr(err, msg)
}

// wrapErr wraps err with msg. A schema that does not match the queries cannot
// serve any request: it is reported as a shutdown error.
func wrapErr(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == codeUndefinedTable || pqErr.Code == codeUndefinedColumn) {
		err = core.NewShutdownError("database schema out of date, run the migrations: " + pqErr.Message)
	}
	return errors.Wrap(err, msg)
}

func (repo *portalRepository) GetProfile(ctx context.Context, id string) (portal.Profile, error) {
	var row profileRow
	if err := repo.exec.GetContext(ctx, &row, `SELECT * FROM profiles WHERE id = $1`, id); err != nil {
		return portal.Profile{}, trapErr(err, portal.ErrProfileNotFound, "selecting profile")
	}
	return row.unbox(), nil
}

func (repo *portalRepository) GetProfiles(ctx context.Context, ids ...string) ([]portal.Profile, error) {
	if len(ids) == 0 {
		return []portal.Profile{}, nil
	}
	q, args, err := sqlx.In(`SELECT * FROM profiles WHERE id::text IN (?) ORDER BY name`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "building profiles query")
	}

	var rows []profileRow
	if err = repo.exec.SelectContext(ctx, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, wrapErr(err, "selecting profiles")
	}
	profiles := make([]portal.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, row.unbox())
	}
	return profiles, nil
}

func (repo *portalRepository) SaveProfile(ctx context.Context, p portal.Profile) (portal.Profile, error) {
	const q = `
		INSERT INTO profiles (id, name, email, role, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = EXCLUDED.updated_at
		RETURNING *`

	var row profileRow
	err := repo.exec.GetContext(ctx, &row, q,
		p.ID,
		p.Name,
		null.NewString(p.Email, p.Email != ""),
		p.Role,
		null.NewString(p.AvatarURL, p.AvatarURL != ""),
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
	)
	if err != nil {
		return portal.Profile{}, wrapErr(err, "saving profile")
	}
	return row.unbox(), nil
}

func (repo *portalRepository) GetChannel(ctx context.Context, id string) (portal.Channel, error) {
	var row channelRow
	if err := repo.exec.GetContext(ctx, &row, `SELECT * FROM channels WHERE id = $1`, id); err != nil {
		return portal.Channel{}, trapErr(err, portal.ErrChannelNotFound, "selecting channel")
	}
	return row.unbox(), nil
}

func (repo *portalRepository) CreateChannel(ctx context.Context, ch portal.Channel) (portal.Channel, error) {
	const q = `
		INSERT INTO channels (id, name, description, type, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *`

	var row channelRow
	err := repo.exec.GetContext(ctx, &row, q,
		ch.ID,
		ch.Name,
		null.NewString(ch.Description, ch.Description != ""),
		ch.Type,
		null.NewString(ch.CreatedBy, ch.CreatedBy != ""),
		ch.CreatedAt.UTC(),
		ch.UpdatedAt.UTC(),
	)
	if err != nil {
		return portal.Channel{}, wrapErr(err, "inserting channel")
	}
	return row.unbox(), nil
}

func (repo *portalRepository) ListMessages(ctx context.Context, channelID string) ([]portal.Message, error) {
	var msgs []portal.Message
	q := `SELECT * FROM messages WHERE channel_id = $1 ORDER BY ` + core.DBOrdering{Field: "created_at", Ascending: true}.String() + `, id`
	if err := repo.exec.SelectContext(ctx, &msgs, q, channelID); err != nil {
		if err = trapErr(err, portal.ErrChannelNotFound, "selecting messages"); portal.IsNotFound(err) {
			return []portal.Message{}, nil
		}
		return nil, err
	}
	return utcMessages(msgs), nil
}

func (repo *portalRepository) GetMessage(ctx context.Context, id string) (portal.Message, error) {
	var m portal.Message
	if err := repo.exec.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = $1`, id); err != nil {
		return portal.Message{}, trapErr(err, portal.ErrMessageNotFound, "selecting message")
	}
	return utcMessages([]portal.Message{m})[0], nil
}

func (repo *portalRepository) CreateMessage(ctx context.Context, m portal.Message) (portal.Message, error) {
	const q = `
		INSERT INTO messages (id, channel_id, user_id, content, is_pinned, created_at, updated_at)
		VALUES (:id, :channel_id, :user_id, :content, :is_pinned, :created_at, :updated_at)`

	m.Author = portal.Profile{}
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	if _, err := repo.exec.NamedExecContext(ctx, q, m); err != nil {
		return portal.Message{}, trapErr(err, portal.ErrChannelNotFound, "inserting message")
	}
	return m, nil
}

func (repo *portalRepository) UpdateMessage(ctx context.Context, m portal.Message) (portal.Message, error) {
	const q = `
		UPDATE messages SET content = $2, is_pinned = $3, updated_at = $4
		WHERE id = $1
		RETURNING *`

	var updated portal.Message
	if err := repo.exec.GetContext(ctx, &updated, q, m.ID, m.Content, m.IsPinned, m.UpdatedAt.UTC()); err != nil {
		return portal.Message{}, trapErr(err, portal.ErrMessageNotFound, "updating message")
	}
	return utcMessages([]portal.Message{updated})[0], nil
}

func (repo *portalRepository) DeleteMessage(ctx context.Context, id string) error {
	var deleted string
	if err := repo.exec.GetContext(ctx, &deleted, `DELETE FROM messages WHERE id = $1 RETURNING id`, id); err != nil {
		return trapErr(err, portal.ErrMessageNotFound, "deleting message")
	}
	return nil
}

func (repo *portalRepository) ListMembers(ctx context.Context, channelID string) ([]portal.Member, error) {
	var members []portal.Member
	q := `SELECT * FROM channel_members WHERE channel_id = $1 ORDER BY ` + core.DBOrdering{Field: "joined_at", Ascending: true}.String() + `, user_id`
	if err := repo.exec.SelectContext(ctx, &members, q, channelID); err != nil {
		if err = trapErr(err, portal.ErrChannelNotFound, "selecting members"); portal.IsNotFound(err) {
			return []portal.Member{}, nil
		}
		return nil, err
	}
	if members == nil {
		members = []portal.Member{}
	}
	for i := range members {
		members[i].JoinedAt = members[i].JoinedAt.UTC()
	}
	return members, nil
}

func (repo *portalRepository) AddMember(ctx context.Context, m portal.Member) (portal.Member, error) {
	const q = `
		INSERT INTO channel_members (id, channel_id, user_id, joined_at)
		VALUES (:id, :channel_id, :user_id, :joined_at)`

	m.Profile = portal.Profile{}
	m.JoinedAt = m.JoinedAt.UTC()
	if _, err := repo.exec.NamedExecContext(ctx, q, m); err != nil {
		err = trapErr(err, portal.ErrMemberNotFound, "inserting member")
		if err == portal.ErrMemberNotFound {
			// malformed channel or user id
			err = portal.ErrChannelNotFound
		}
		return portal.Member{}, err
	}
	return m, nil
}

func (repo *portalRepository) RemoveMember(ctx context.Context, channelID, userID string) (portal.Member, error) {
	const q = `DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2 RETURNING *`

	var m portal.Member
	if err := repo.exec.GetContext(ctx, &m, q, channelID, userID); err != nil {
		return portal.Member{}, trapErr(err, portal.ErrMemberNotFound, "deleting member")
	}
	m.JoinedAt = m.JoinedAt.UTC()
	return m, nil
}

func utcMessages(msgs []portal.Message) []portal.Message {
	if msgs == nil {
		return []portal.Message{}
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
		msgs[i].UpdatedAt = msgs[i].UpdatedAt.UTC()
	}
	return msgs
}
