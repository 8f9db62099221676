package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/matrix-org/sync-client/sqlutil"
	"github.com/matrix-org/sync-client/sync2"
)

// MaxPostgresParameters is the maximum number of placeholder parameters
// postgres allows in a single statement.
const MaxPostgresParameters = 65535

// snapshotSaveInterval throttles how often the accumulated snapshot is
// rewritten. Saving is O(snapshot), not O(delta), so doing it every poll
// would dominate.
const snapshotSaveInterval = 5 * time.Minute

// Storage is the Postgres-backed sync2.Store. All tables are keyed by user
// ID so several accounts can share one database.
type Storage struct {
	db     *sqlx.DB
	userID string
	now    func() time.Time

	lastSave time.Time
}

func NewStorage(postgresURI, userID string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		log.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, userID)
}

func NewStorageWithDB(db *sqlx.DB, userID string) *Storage {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS syncclient_sync_tokens (
		user_id TEXT NOT NULL PRIMARY KEY,
		since TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS syncclient_snapshots (
		user_id TEXT NOT NULL PRIMARY KEY,
		snapshot BYTEA NOT NULL,
		updated_ts BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS syncclient_client_options (
		user_id TEXT NOT NULL PRIMARY KEY,
		options JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS syncclient_filters (
		user_id TEXT NOT NULL,
		filter_name TEXT NOT NULL,
		filter_id TEXT NOT NULL,
		UNIQUE(user_id, filter_name)
	);
	CREATE TABLE IF NOT EXISTS syncclient_to_device_batches (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		txn_id TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS syncclient_to_device_entries (
		batch_id BIGINT NOT NULL,
		target_user TEXT NOT NULL,
		target_device TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS syncclient_to_device_entries_batch_idx ON syncclient_to_device_entries(batch_id);
	`)
	return &Storage{
		db:     db,
		userID: userID,
		now:    time.Now,
	}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SyncToken() (string, error) {
	var since string
	err := s.db.QueryRow(`SELECT since FROM syncclient_sync_tokens WHERE user_id=$1`, s.userID).Scan(&since)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return since, err
}

func (s *Storage) SetSyncToken(since string) error {
	_, err := s.db.Exec(
		`INSERT INTO syncclient_sync_tokens(user_id, since) VALUES($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET since = $2`,
		s.userID, since,
	)
	return err
}

func (s *Storage) SavedSnapshot() (*sync2.SyncSnapshot, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT snapshot FROM syncclient_snapshots WHERE user_id=$1`, s.userID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap sync2.SyncSnapshot
	if err := cbor.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("SavedSnapshot: corrupt snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Storage) SaveSnapshot(snap *sync2.SyncSnapshot) error {
	blob, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: failed to marshal: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO syncclient_snapshots(user_id, snapshot, updated_ts) VALUES($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET snapshot = $2, updated_ts = $3`,
		s.userID, blob, s.now().UnixMilli(),
	)
	if err == nil {
		s.lastSave = s.now()
	}
	return err
}

func (s *Storage) WantsSave() bool {
	return s.now().Sub(s.lastSave) >= snapshotSaveInterval
}

func (s *Storage) ClientOptions() (*sync2.ClientOptions, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT options FROM syncclient_client_options WHERE user_id=$1`, s.userID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var opts sync2.ClientOptions
	if err := json.Unmarshal(blob, &opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

func (s *Storage) SetClientOptions(opts sync2.ClientOptions) error {
	blob, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO syncclient_client_options(user_id, options) VALUES($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET options = $2`,
		s.userID, blob,
	)
	return err
}

func (s *Storage) FilterID(name string) (string, error) {
	var filterID string
	err := s.db.QueryRow(
		`SELECT filter_id FROM syncclient_filters WHERE user_id=$1 AND filter_name=$2`,
		s.userID, name,
	).Scan(&filterID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return filterID, err
}

func (s *Storage) SetFilterID(name, filterID string) error {
	_, err := s.db.Exec(
		`INSERT INTO syncclient_filters(user_id, filter_name, filter_id) VALUES($1,$2,$3)
		ON CONFLICT (user_id, filter_name) DO UPDATE SET filter_id = $3`,
		s.userID, name, filterID,
	)
	return err
}

type toDeviceEntryRow struct {
	BatchID      int64  `db:"batch_id"`
	TargetUser   string `db:"target_user"`
	TargetDevice string `db:"target_device"`
	Payload      string `db:"payload"`
}

type toDeviceEntryChunker []toDeviceEntryRow

func (c toDeviceEntryChunker) Len() int {
	return len(c)
}

func (c toDeviceEntryChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

func (s *Storage) SaveToDeviceBatch(batch sync2.ToDeviceBatch) error {
	return sqlutil.WithTransaction(s.db, func(txn *sqlx.Tx) error {
		var batchID int64
		err := txn.QueryRow(
			`INSERT INTO syncclient_to_device_batches(user_id, event_type, txn_id) VALUES($1,$2,$3) RETURNING id`,
			s.userID, batch.EventType, batch.TxnID,
		).Scan(&batchID)
		if err != nil {
			return err
		}
		rows := make([]toDeviceEntryRow, len(batch.Entries))
		for i, entry := range batch.Entries {
			rows[i] = toDeviceEntryRow{
				BatchID:      batchID,
				TargetUser:   entry.UserID,
				TargetDevice: entry.DeviceID,
				Payload:      string(entry.Payload),
			}
		}
		chunks := sqlutil.Chunkify(4, MaxPostgresParameters, toDeviceEntryChunker(rows))
		for _, chunk := range chunks {
			_, err := txn.NamedExec(
				`INSERT INTO syncclient_to_device_entries (batch_id, target_user, target_device, payload)
				VALUES (:batch_id, :target_user, :target_device, :payload)`, chunk,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) OldestToDeviceBatch() (*sync2.StoredToDeviceBatch, error) {
	var batch sync2.StoredToDeviceBatch
	err := s.db.QueryRow(
		`SELECT id, event_type, txn_id FROM syncclient_to_device_batches WHERE user_id=$1 ORDER BY id ASC LIMIT 1`,
		s.userID,
	).Scan(&batch.ID, &batch.EventType, &batch.TxnID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []toDeviceEntryRow
	if err := s.db.Select(&rows, `SELECT batch_id, target_user, target_device, payload FROM syncclient_to_device_entries WHERE batch_id=$1`, batch.ID); err != nil {
		return nil, err
	}
	batch.Entries = make([]sync2.ToDeviceEntry, len(rows))
	for i, row := range rows {
		batch.Entries[i] = sync2.ToDeviceEntry{
			UserID:   row.TargetUser,
			DeviceID: row.TargetDevice,
			Payload:  json.RawMessage(row.Payload),
		}
	}
	return &batch, nil
}

func (s *Storage) RemoveToDeviceBatch(id int64) error {
	return sqlutil.WithTransaction(s.db, func(txn *sqlx.Tx) error {
		if _, err := txn.Exec(`DELETE FROM syncclient_to_device_entries WHERE batch_id=$1`, id); err != nil {
			return err
		}
		_, err := txn.Exec(`DELETE FROM syncclient_to_device_batches WHERE id=$1 AND user_id=$2`, id, s.userID)
		return err
	})
}

var _ sync2.Store = (*Storage)(nil)
