package updater

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	SQLITE    = "sqlite3"
	MYSQL     = "mysql"
	SQLSERVER = "sqlserver"
)

var ErrCheckpointNotFound = errors.New("updater: checkpoint not found")

// Checkpoint is the state of one worker's updaters after a superstep.
type Checkpoint struct {
	JobId           string
	SuperStepNumber uint64
	WorkerId        uint32
	State           map[string]UpdaterState
}

type dialect struct {
	createCheckpoints string
	// placeholder returns the bind parameter for the n-th (1-based) argument
	placeholder func(n int) string
}

//goland:noinspection SqlDialectInspection
var dialects = map[string]dialect{
	SQLITE: {
		createCheckpoints: `
	  CREATE TABLE IF NOT EXISTS checkpoints (
	  jobId TEXT NOT NULL,
	  superStepNumber INTEGER NOT NULL,
	  workerId INTEGER NOT NULL,
	  checkpointState BLOB NOT NULL,
	  PRIMARY KEY (jobId, superStepNumber, workerId)
	  );`,
		placeholder: func(int) string { return "?" },
	},
	MYSQL: {
		createCheckpoints: `
	  CREATE TABLE IF NOT EXISTS checkpoints (
	  jobId VARCHAR(255) NOT NULL,
	  superStepNumber BIGINT UNSIGNED NOT NULL,
	  workerId INT UNSIGNED NOT NULL,
	  checkpointState LONGBLOB NOT NULL,
	  PRIMARY KEY (jobId, superStepNumber, workerId)
	  );`,
		placeholder: func(int) string { return "?" },
	},
	SQLSERVER: {
		createCheckpoints: `
	  IF OBJECT_ID(N'checkpoints', N'U') IS NULL
	  CREATE TABLE checkpoints (
	  jobId NVARCHAR(255) NOT NULL,
	  superStepNumber BIGINT NOT NULL,
	  workerId BIGINT NOT NULL,
	  checkpointState VARBINARY(MAX) NOT NULL,
	  PRIMARY KEY (jobId, superStepNumber, workerId)
	  );`,
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
	},
}

// CheckpointStore keeps checkpoints in a SQL database shared by all
// workers, so any worker can restore any updater.
type CheckpointStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenCheckpointStore opens the store; an empty driver means sqlite3.
func OpenCheckpointStore(driver string, dsn string) (*CheckpointStore, error) {
	if driver == "" {
		driver = SQLITE
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("updater: unsupported checkpoint driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	if driver == SQLITE {
		// concurrent writers on one sqlite file need a single connection
		db.SetMaxOpenConns(1)
	}

	store := &CheckpointStore{db: db, dialect: d}
	if err := store.Initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *CheckpointStore) Initialize() error {
	if _, err := s.db.Exec(s.dialect.createCheckpoints); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

// bind rewrites '?' markers into the dialect's placeholders.
func (s *CheckpointStore) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store saves checkpoint, first clearing this worker's checkpoints at or
// after the same superstep, which a restart made obsolete.
func (s *CheckpointStore) Store(checkpoint Checkpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(checkpoint.State); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		s.bind("DELETE FROM checkpoints WHERE jobId=? AND workerId=? AND superStepNumber>=?"),
		checkpoint.JobId, int64(checkpoint.WorkerId), int64(checkpoint.SuperStepNumber),
	); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}

	if _, err := tx.Exec(
		s.bind("INSERT INTO checkpoints (jobId, superStepNumber, workerId, checkpointState) VALUES(?,?,?,?)"),
		checkpoint.JobId, int64(checkpoint.SuperStepNumber), int64(checkpoint.WorkerId), buf.Bytes(),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

// Retrieve merges every worker's checkpoint for the superstep into one.
// The returned Checkpoint has no WorkerId.
func (s *CheckpointStore) Retrieve(jobId string, superStepNumber uint64) (Checkpoint, error) {
	rows, err := s.db.Query(
		s.bind("SELECT checkpointState FROM checkpoints WHERE jobId=? AND superStepNumber=?"),
		jobId, int64(superStepNumber),
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoint := Checkpoint{
		JobId:           jobId,
		SuperStepNumber: superStepNumber,
		State:           make(map[string]UpdaterState),
	}
	found := false
	for rows.Next() {
		var buf []byte
		if err := rows.Scan(&buf); err != nil {
			return Checkpoint{}, err
		}
		var state map[string]UpdaterState
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&state); err != nil {
			return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
		}
		for name, updaterState := range state {
			checkpoint.State[name] = updaterState
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, err
	}
	if !found {
		return Checkpoint{}, fmt.Errorf("%w: job %s superstep %d", ErrCheckpointNotFound, jobId, superStepNumber)
	}
	return checkpoint, nil
}

func (s *CheckpointStore) Reset(jobId string) error {
	_, err := s.db.Exec(s.bind("DELETE FROM checkpoints WHERE jobId=?"), jobId)
	return err
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
