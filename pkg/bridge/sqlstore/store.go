// Copyright 2024-2026 Aiku AI

// Package sqlstore persists room mappings and virtual identities in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-irc/pkg/bridge"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store implements bridge.MappingStore and bridge.IdentityStore on one
// SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the bridge database at path.
func New(path string) (*Store, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: pragma %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS room_mappings (
			room_id   TEXT NOT NULL,
			server_id TEXT NOT NULL,
			channel   TEXT NOT NULL,
			origin    TEXT NOT NULL,
			kind      TEXT NOT NULL,
			pm_user   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (room_id, server_id, channel)
		);

		CREATE INDEX IF NOT EXISTS idx_mappings_channel ON room_mappings(server_id, channel);
		CREATE INDEX IF NOT EXISTS idx_mappings_room    ON room_mappings(room_id);

		CREATE TABLE IF NOT EXISTS puppets (
			server_id TEXT NOT NULL,
			nick      TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			PRIMARY KEY (server_id, nick)
		);

		CREATE TABLE IF NOT EXISTS irc_configs (
			user_id   TEXT NOT NULL,
			server_id TEXT NOT NULL,
			nick      TEXT NOT NULL,
			username  TEXT NOT NULL,
			password  TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, server_id)
		);

		CREATE TABLE IF NOT EXISTS user_features (
			user_id  TEXT PRIMARY KEY,
			mentions INTEGER NOT NULL,
			pm       INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

const mappingColumns = "room_id, server_id, channel, origin, kind, pm_user"

func scanMapping(row interface{ Scan(...any) error }) (bridge.RoomMapping, error) {
	var m bridge.RoomMapping
	var roomID, pmUser string
	err := row.Scan(&roomID, &m.ServerID, &m.Channel, &m.Origin, &m.Kind, &pmUser)
	if err != nil {
		return m, err
	}
	m.RoomID = id.RoomID(roomID)
	m.PMUser = id.UserID(pmUser)
	return m, nil
}

func (s *Store) queryMappings(ctx context.Context, query string, args ...any) ([]bridge.RoomMapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []bridge.RoomMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetRoomsForChannel(ctx context.Context, serverID, channel string) ([]bridge.RoomMapping, error) {
	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM room_mappings WHERE server_id = ? AND channel = ?",
		serverID, channel)
}

func (s *Store) GetMappingsForRoom(ctx context.Context, roomID id.RoomID) ([]bridge.RoomMapping, error) {
	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM room_mappings WHERE room_id = ?",
		string(roomID))
}

func (s *Store) GetMappingsForServer(ctx context.Context, serverID string) ([]bridge.RoomMapping, error) {
	return s.queryMappings(ctx,
		"SELECT "+mappingColumns+" FROM room_mappings WHERE server_id = ?",
		serverID)
}

func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID, serverID, channel string) (*bridge.RoomMapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM room_mappings WHERE room_id = ? AND server_id = ? AND channel = ?",
		string(roomID), serverID, channel)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) StoreRoomMapping(ctx context.Context, m bridge.RoomMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_mappings (room_id, server_id, channel, origin, kind, pm_user)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, server_id, channel)
		DO UPDATE SET origin = excluded.origin, kind = excluded.kind, pm_user = excluded.pm_user
	`, string(m.RoomID), m.ServerID, m.Channel, string(m.Origin), string(m.Kind), string(m.PMUser))
	return err
}

func (s *Store) GetPMRoom(ctx context.Context, serverID, ircNick string, mxUser id.UserID) (*bridge.RoomMapping, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM room_mappings WHERE server_id = ? AND channel = ? AND pm_user = ? AND kind = ?",
		serverID, ircNick, string(mxUser), string(bridge.KindPM))
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ReplaceRoomMappings(ctx context.Context, oldRoom, newRoom id.RoomID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		"UPDATE room_mappings SET room_id = ? WHERE room_id = ?",
		string(newRoom), string(oldRoom))
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(moved), nil
}

func (s *Store) GetPuppet(ctx context.Context, serverID, nick string) (id.UserID, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM puppets WHERE server_id = ? AND nick = ?",
		serverID, nick).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.UserID(userID), nil
}

func (s *Store) StorePuppet(ctx context.Context, serverID, nick string, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO puppets (server_id, nick, user_id) VALUES (?, ?, ?)
		ON CONFLICT (server_id, nick) DO UPDATE SET user_id = excluded.user_id
	`, serverID, nick, string(userID))
	return err
}

func (s *Store) GetIRCClientConfig(ctx context.Context, userID id.UserID, serverID string) (*bridge.IRCClientConfig, error) {
	cfg := &bridge.IRCClientConfig{UserID: userID, ServerID: serverID}
	err := s.db.QueryRowContext(ctx,
		"SELECT nick, username, password FROM irc_configs WHERE user_id = ? AND server_id = ?",
		string(userID), serverID).Scan(&cfg.Nick, &cfg.Username, &cfg.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) StoreIRCClientConfig(ctx context.Context, cfg *bridge.IRCClientConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO irc_configs (user_id, server_id, nick, username, password)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, server_id)
		DO UPDATE SET nick = excluded.nick, username = excluded.username, password = excluded.password
	`, string(cfg.UserID), cfg.ServerID, cfg.Nick, cfg.Username, cfg.Password)
	return err
}

func (s *Store) StorePass(ctx context.Context, userID id.UserID, serverID, password string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE irc_configs SET password = ? WHERE user_id = ? AND server_id = ?",
		password, string(userID), serverID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// No config row yet; create one with default identity fields.
		nick := bridge.DefaultIRCNick(userID)
		return s.StoreIRCClientConfig(ctx, &bridge.IRCClientConfig{
			UserID:   userID,
			ServerID: serverID,
			Nick:     nick,
			Username: nick,
			Password: password,
		})
	}
	return nil
}

func (s *Store) RemovePass(ctx context.Context, userID id.UserID, serverID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE irc_configs SET password = '' WHERE user_id = ? AND server_id = ?",
		string(userID), serverID)
	return err
}

func (s *Store) GetUserFeatures(ctx context.Context, userID id.UserID) (bridge.UserFeatures, error) {
	var feats bridge.UserFeatures
	err := s.db.QueryRowContext(ctx,
		"SELECT mentions, pm FROM user_features WHERE user_id = ?",
		string(userID)).Scan(&feats.Mentions, &feats.PM)
	if errors.Is(err, sql.ErrNoRows) {
		return bridge.DefaultUserFeatures, nil
	}
	if err != nil {
		return feats, err
	}
	return feats, nil
}

func (s *Store) StoreUserFeatures(ctx context.Context, userID id.UserID, feats bridge.UserFeatures) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_features (user_id, mentions, pm) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET mentions = excluded.mentions, pm = excluded.pm
	`, string(userID), feats.Mentions, feats.PM)
	return err
}

var (
	_ bridge.MappingStore  = (*Store)(nil)
	_ bridge.IdentityStore = (*Store)(nil)
)
