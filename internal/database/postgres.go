package database

import (
	"database/sql"
	"fmt"
	"time"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

func (db *PgChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (display_name, email, password_hash, access_level, created_at, updated_at) "+
			"VALUES ($1, $2, $3, 'normal', $4, $4) RETURNING id, display_name, email, access_level",
		params.DisplayName,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.DisplayName,
		&u.EmailAddress,
		&u.AccessLevel,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, email, access_level, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.DisplayName,
		&user.EmailAddress,
		&user.AccessLevel,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, email, password_hash, access_level FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.DisplayName,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.AccessLevel,
	)

	return user, err
}

func (db *PgChatRepository) SetAccessLevel(accountId int, level string) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET access_level = $2, updated_at = $3 WHERE id = $1",
		accountId,
		level,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) GetRoom(roomId int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, password, owner_id, created_at FROM rooms WHERE id = $1 LIMIT 1",
		roomId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.Password,
		&room.OwnerId,
		&room.CreatedAt,
	)

	return room, err
}

// CreateRoom inserts the room row and the creator's membership row in one
// transaction.
func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (name, password, owner_id, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, name, password, owner_id, created_at",
		params.Name,
		params.Password,
		params.OwnerId,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.Password,
		&room.OwnerId,
		&room.CreatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.Exec(
		"INSERT INTO memberships (account_id, room_id, created_at) VALUES ($1, $2, $3)",
		params.OwnerId,
		room.Id,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, nil
}

func (db *PgChatRepository) CreateMembership(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO memberships (account_id, room_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (account_id, room_id) DO NOTHING",
		accountId,
		roomId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) MembershipExists(accountId, roomId int) bool {
	res := db.conn.QueryRow(
		"SELECT id FROM memberships WHERE account_id = $1 AND room_id = $2 LIMIT 1",
		accountId,
		roomId,
	)

	var id int
	return res.Scan(&id) == nil
}

func (db *PgChatRepository) DeleteMembership(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM memberships WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
	)

	return err
}

func (db *PgChatRepository) ListMemberships(accountId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.name, r.password, r.owner_id, r.created_at FROM memberships m "+
			"JOIN rooms r ON r.id = m.room_id WHERE m.account_id = $1 ORDER BY r.id",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err = rows.Scan(&room.Id, &room.Name, &room.Password, &room.OwnerId, &room.CreatedAt); err != nil {
			return nil, err
		}

		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

// CreateRoomMessage inserts the message and returns it with its
// store-assigned id, which is the sole ordering authority for the room.
func (db *PgChatRepository) CreateRoomMessage(msg RoomMessage) (RoomMessage, error) {
	res := db.conn.QueryRow(
		"INSERT INTO room_messages (room_id, user_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, room_id, user_id, content, created_at",
		msg.RoomId,
		msg.UserId,
		msg.Content,
		msg.CreatedAt,
	)

	var created RoomMessage
	err := res.Scan(
		&created.Id,
		&created.RoomId,
		&created.UserId,
		&created.Content,
		&created.CreatedAt,
	)

	return created, err
}

func (db *PgChatRepository) GetRoomMessagesSince(roomId int, since time.Time) ([]RoomMessage, error) {
	rows, err := db.conn.Query(
		"SELECT id, room_id, user_id, content, created_at FROM room_messages "+
			"WHERE room_id = $1 AND created_at > $2 ORDER BY created_at, id",
		roomId,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]RoomMessage, 0)
	for rows.Next() {
		var msg RoomMessage
		if err = rows.Scan(&msg.Id, &msg.RoomId, &msg.UserId, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) CreateDirectMessage(dm DirectMessage) (DirectMessage, error) {
	res := db.conn.QueryRow(
		"INSERT INTO direct_messages (sender_id, recipient_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, sender_id, recipient_id, content, created_at",
		dm.SenderId,
		dm.RecipientId,
		dm.Content,
		dm.CreatedAt,
	)

	var created DirectMessage
	err := res.Scan(
		&created.Id,
		&created.SenderId,
		&created.RecipientId,
		&created.Content,
		&created.CreatedAt,
	)

	return created, err
}

func (db *PgChatRepository) GetDirectMessagesBetween(accountId, counterpartId int, since time.Time) ([]DirectMessage, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender_id, recipient_id, content, created_at FROM direct_messages "+
			"WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)) "+
			"AND created_at > $3 ORDER BY created_at, id",
		accountId,
		counterpartId,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]DirectMessage, 0)
	for rows.Next() {
		var dm DirectMessage
		if err = rows.Scan(&dm.Id, &dm.SenderId, &dm.RecipientId, &dm.Content, &dm.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, dm)
	}

	return messages, rows.Err()
}

// GetLatestDirectMessages returns the most recent message per counterpart
// pair for the given account, the derived view behind the DM sidebar.
func (db *PgChatRepository) GetLatestDirectMessages(accountId int) ([]DirectMessage, error) {
	query := `
		SELECT DISTINCT ON (LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id))
				id, sender_id, recipient_id, content, created_at
		FROM direct_messages
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY LEAST(sender_id, recipient_id), GREATEST(sender_id, recipient_id), id DESC;
`

	rows, err := db.conn.Query(query, accountId)
	if err != nil {
		return nil, fmt.Errorf("latest direct messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]DirectMessage, 0)
	for rows.Next() {
		var dm DirectMessage
		if err = rows.Scan(&dm.Id, &dm.SenderId, &dm.RecipientId, &dm.Content, &dm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, dm)
	}

	return messages, rows.Err()
}
