package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrConflict  = errors.New("storage: already exists")
	ErrForbidden = errors.New("storage: not allowed")
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	profile_pic   TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	last_seen     TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	group_image  TEXT NOT NULL DEFAULT '',
	created_by   TEXT NOT NULL REFERENCES users(id),
	participants TEXT[] NOT NULL DEFAULT '{}',
	admins       TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL REFERENCES users(id),
	receiver_id  TEXT REFERENCES users(id),
	room_id      TEXT REFERENCES rooms(id) ON DELETE CASCADE,
	content      TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL DEFAULT 'text',
	file_url     TEXT NOT NULL DEFAULT '',
	is_edited    BOOLEAN NOT NULL DEFAULT FALSE,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	read_by      TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((receiver_id IS NULL) <> (room_id IS NULL))
);

CREATE INDEX IF NOT EXISTS messages_direct_idx ON messages (sender_id, receiver_id, created_at DESC) WHERE room_id IS NULL;
CREATE INDEX IF NOT EXISTS messages_room_idx ON messages (room_id, created_at DESC) WHERE room_id IS NOT NULL;
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func mapErr(err error) error {
	var pqErr *pq.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.As(err, &pqErr) && pqErr.Code == uniqueViolation:
		return ErrConflict
	}
	return err
}

// --- users ---

const userCols = `id, username, email, display_name, profile_pic, password_hash, last_seen, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (models.User, error) {
	var u models.User
	var lastSeen sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.ProfilePic, &u.PasswordHash, &lastSeen, &u.CreatedAt)
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	u.ID = uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userCols,
		u.ID, u.Username, strings.ToLower(u.Email), u.DisplayName, u.PasswordHash)
	created, err := scanUser(row)
	return created, mapErr(err)
}

// UserByLogin finds a user by username or email.
func (s *Store) UserByLogin(ctx context.Context, login string) (models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE username = $1 OR email = LOWER($1)`, login)
	u, err := scanUser(row)
	return u, mapErr(err)
}

func (s *Store) UserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	return u, mapErr(err)
}

func (s *Store) Users(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = $2 WHERE id = $1`, id, at)
	return err
}

// --- messages ---

const messageCols = `m.id, m.sender_id, m.receiver_id, m.room_id, m.content, m.message_type, m.file_url,
	m.is_edited, m.deleted, m.read_by, m.created_at, m.updated_at,
	s.username, s.display_name, s.profile_pic`

const messageFrom = ` FROM messages m JOIN users s ON s.id = m.sender_id `

func scanMessage(row scanner) (models.Message, error) {
	var m models.Message
	var receiver, room sql.NullString
	var sender models.User
	err := row.Scan(&m.ID, &m.SenderID, &receiver, &room, &m.Content, &m.MessageType, &m.FileURL,
		&m.IsEdited, &m.Deleted, pq.Array(&m.ReadBy), &m.CreatedAt, &m.UpdatedAt,
		&sender.Username, &sender.DisplayName, &sender.ProfilePic)
	if err != nil {
		return m, err
	}
	m.ReceiverID = receiver.String
	m.RoomID = room.String
	sender.ID = m.SenderID
	m.Sender = &sender
	return m, nil
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (s *Store) SaveMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if (m.ReceiverID == "") == (m.RoomID == "") {
		return models.Message{}, fmt.Errorf("storage: message needs exactly one of receiver or room")
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	id := uuid.NewString()
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, receiver_id, room_id, content, message_type, file_url, read_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		id, m.SenderID, nullable(m.ReceiverID), nullable(m.RoomID), m.Content, m.MessageType, m.FileURL,
		pq.Array([]string{}), now)
	if err != nil {
		return models.Message{}, mapErr(err)
	}
	return s.MessageByID(ctx, id)
}

func (s *Store) MessageByID(ctx context.Context, id string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+messageFrom+`WHERE m.id = $1 AND NOT m.deleted`, id)
	m, err := scanMessage(row)
	return m, mapErr(err)
}

// Messages returns one page of a conversation, newest first, and the total
// message count. Exactly one of peerID or roomID is set.
func (s *Store) Messages(ctx context.Context, viewer, peerID, roomID string, page, limit int) ([]models.Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var where string
	args := []any{}
	if roomID != "" {
		where = `m.room_id = $1`
		args = append(args, roomID)
	} else {
		where = `m.room_id IS NULL AND ((m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1))`
		args = append(args, viewer, peerID)
	}
	where += ` AND NOT m.deleted`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages m WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	q := fmt.Sprintf(`SELECT %s%sWHERE %s ORDER BY m.created_at DESC, m.id DESC LIMIT $%d OFFSET $%d`,
		messageCols, messageFrom, where, n+1, n+2)
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// MarkRead adds reader to the message's read set. Only a recipient may mark
// a message; marking twice is a no-op.
func (s *Store) MarkRead(ctx context.Context, id, reader string) (models.Message, error) {
	m, err := s.MessageByID(ctx, id)
	if err != nil {
		return m, err
	}
	if err := s.canSee(ctx, m, reader); err != nil {
		return m, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $2)
		WHERE id = $1 AND NOT ($2 = ANY(read_by))`, id, reader)
	if err != nil {
		return m, err
	}
	return s.MessageByID(ctx, id)
}

func (s *Store) canSee(ctx context.Context, m models.Message, userID string) error {
	if m.RoomID == "" {
		if m.SenderID != userID && m.ReceiverID != userID {
			return ErrForbidden
		}
		return nil
	}
	r, err := s.RoomByID(ctx, m.RoomID)
	if err != nil {
		return err
	}
	if !r.Has(userID) {
		return ErrForbidden
	}
	return nil
}

func (s *Store) EditMessage(ctx context.Context, id, sender, content string) (models.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = $3, is_edited = TRUE, updated_at = $4
		WHERE id = $1 AND sender_id = $2 AND NOT deleted`, id, sender, content, s.now().UTC())
	if err != nil {
		return models.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Message{}, ErrNotFound
	}
	return s.MessageByID(ctx, id)
}

// DeleteMessage soft-deletes and returns the row as it was.
func (s *Store) DeleteMessage(ctx context.Context, id, sender string) (models.Message, error) {
	m, err := s.MessageByID(ctx, id)
	if err != nil {
		return m, err
	}
	if m.SenderID != sender {
		return m, ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, updated_at = $2 WHERE id = $1`, id, s.now().UTC())
	return m, err
}

// --- chat list ---

// ChatList returns every direct thread and group the viewer belongs to,
// most recent first.
func (s *Store) ChatList(ctx context.Context, viewer string) ([]models.ChatRow, error) {
	direct, err := s.directRows(ctx, viewer)
	if err != nil {
		return nil, err
	}
	groups, err := s.groupRows(ctx, viewer)
	if err != nil {
		return nil, err
	}
	out := append(direct, groups...)
	at := func(r models.ChatRow) time.Time {
		if r.Last != nil {
			return r.Last.CreatedAt
		}
		if r.Room != nil {
			return r.Room.UpdatedAt
		}
		return time.Time{}
	}
	slices.SortStableFunc(out, func(a, b models.ChatRow) int { return at(b).Compare(at(a)) })
	return out, nil
}

func (s *Store) directRows(ctx context.Context, viewer string) ([]models.ChatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (peer) id, peer FROM (
				SELECT id, created_at,
					CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS peer
				FROM messages
				WHERE room_id IS NULL AND (sender_id = $1 OR receiver_id = $1) AND NOT deleted
			) t
			ORDER BY peer, created_at DESC
		)
		SELECT `+messageCols+`,
			p.id, p.username, p.email, p.display_name, p.profile_pic, p.password_hash, p.last_seen, p.created_at,
			(SELECT COUNT(*) FROM messages x
			 WHERE x.room_id IS NULL AND x.sender_id = latest.peer AND x.receiver_id = $1
			   AND NOT x.deleted AND NOT ($1 = ANY(x.read_by)))
		FROM latest
		JOIN messages m ON m.id = latest.id
		JOIN users s ON s.id = m.sender_id
		JOIN users p ON p.id = latest.peer`, viewer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatRow
	for rows.Next() {
		var (
			m        models.Message
			receiver sql.NullString
			room     sql.NullString
			sender   models.User
			peer     models.User
			lastSeen sql.NullTime
			unread   int
		)
		err := rows.Scan(&m.ID, &m.SenderID, &receiver, &room, &m.Content, &m.MessageType, &m.FileURL,
			&m.IsEdited, &m.Deleted, pq.Array(&m.ReadBy), &m.CreatedAt, &m.UpdatedAt,
			&sender.Username, &sender.DisplayName, &sender.ProfilePic,
			&peer.ID, &peer.Username, &peer.Email, &peer.DisplayName, &peer.ProfilePic, &peer.PasswordHash, &lastSeen, &peer.CreatedAt,
			&unread)
		if err != nil {
			return nil, err
		}
		m.ReceiverID = receiver.String
		m.RoomID = room.String
		sender.ID = m.SenderID
		m.Sender = &sender
		if lastSeen.Valid {
			peer.LastSeen = &lastSeen.Time
		}
		out = append(out, models.ChatRow{Last: &m, Peer: &peer, Unread: unread})
	}
	return out, rows.Err()
}

func (s *Store) groupRows(ctx context.Context, viewer string) ([]models.ChatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomCols+`,
			(SELECT COUNT(*) FROM messages x
			 WHERE x.room_id = r.id AND x.sender_id <> $1
			   AND NOT x.deleted AND NOT ($1 = ANY(x.read_by)))
		FROM rooms r WHERE $1 = ANY(r.participants)`, viewer)
	if err != nil {
		return nil, err
	}
	var out []models.ChatRow
	for rows.Next() {
		var r models.Room
		var unread int
		if err := rows.Scan(roomDest(&r, &unread)...); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, models.ChatRow{Room: &r, Unread: unread})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		last, err := s.latestInRoom(ctx, out[i].Room.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			out[i].Last = &last
		}
	}
	return out, nil
}

func (s *Store) latestInRoom(ctx context.Context, roomID string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+messageFrom+`
		WHERE m.room_id = $1 AND NOT m.deleted ORDER BY m.created_at DESC LIMIT 1`, roomID)
	m, err := scanMessage(row)
	return m, mapErr(err)
}

// --- rooms ---

const roomCols = `r.id, r.name, r.description, r.group_image, r.created_by, r.participants, r.admins, r.created_at, r.updated_at`

func roomDest(r *models.Room, extra ...any) []any {
	dest := []any{&r.ID, &r.Name, &r.Description, &r.GroupImage, &r.CreatedBy,
		pq.Array(&r.Participants), pq.Array(&r.Admins), &r.CreatedAt, &r.UpdatedAt}
	return append(dest, extra...)
}

// CreateRoom stores a group with the creator as its first participant and
// only admin. Unknown participant ids are rejected.
func (s *Store) CreateRoom(ctx context.Context, r models.Room) (models.Room, error) {
	members := []string{r.CreatedBy}
	for _, id := range r.Participants {
		if id != r.CreatedBy && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer tx.Rollback()

	var known int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ANY($1)`, pq.Array(members)).Scan(&known); err != nil {
		return models.Room{}, err
	}
	if known != len(members) {
		return models.Room{}, fmt.Errorf("%w: unknown participant", ErrNotFound)
	}

	r.ID = uuid.NewString()
	now := s.now().UTC()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO rooms AS r (id, name, description, group_image, created_by, participants, admins, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+roomCols,
		r.ID, r.Name, r.Description, r.GroupImage, r.CreatedBy, pq.Array(members), pq.Array([]string{r.CreatedBy}), now)
	var out models.Room
	if err := row.Scan(roomDest(&out)...); err != nil {
		return models.Room{}, mapErr(err)
	}
	return out, tx.Commit()
}

func (s *Store) RoomByID(ctx context.Context, id string) (models.Room, error) {
	var r models.Room
	err := s.db.QueryRowContext(ctx, `SELECT `+roomCols+` FROM rooms r WHERE r.id = $1`, id).Scan(roomDest(&r)...)
	return r, mapErr(err)
}

// LeaveRoom removes userID from the room and returns the room as it is now.
func (s *Store) LeaveRoom(ctx context.Context, roomID, userID string) (models.Room, error) {
	var r models.Room
	err := s.db.QueryRowContext(ctx, `
		UPDATE rooms AS r SET
			participants = array_remove(participants, $2),
			admins = array_remove(admins, $2),
			updated_at = $3
		WHERE r.id = $1 AND $2 = ANY(r.participants)
		RETURNING `+roomCols, roomID, userID, s.now().UTC()).Scan(roomDest(&r)...)
	return r, mapErr(err)
}
