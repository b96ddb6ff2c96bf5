// Package accessory caches the motion sensors the bridge has published
// so they can be restored at startup before the controller answers, and
// so roster changes can be turned into add/remove sets.
package accessory

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/protect-motion/internal/unifi"
)

// Accessory is one cached motion sensor.
type Accessory struct {
	unifi.Sensor
	UpdatedAt time.Time
}

// Diff is the outcome of reconciling a roster against the cache.
type Diff struct {
	// Added are roster sensors that were not cached.
	Added []unifi.Sensor

	// Updated are roster sensors already cached, with refreshed metadata
	// and their last known motion flag.
	Updated []unifi.Sensor

	// Removed are ids of cached sensors missing from the roster.
	Removed []string
}

// Empty reports whether the roster matched the cache exactly.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Store is a SQLite-backed accessory cache. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the accessory cache at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accessories (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		address     TEXT NOT NULL,
		hardware_id TEXT NOT NULL,
		motion      INTEGER NOT NULL DEFAULT 0,
		position    INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// List returns all cached accessories in discovery order.
func (s *Store) List() ([]Accessory, error) {
	rows, err := s.db.Query(
		`SELECT id, name, address, hardware_id, motion, updated_at
		 FROM accessories ORDER BY position, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list accessories: %w", err)
	}
	defer rows.Close()

	var result []Accessory
	for rows.Next() {
		var (
			a         Accessory
			updatedAt string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Address, &a.HardwareID, &a.MotionDetected, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan accessory: %w", err)
		}
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		result = append(result, a)
	}
	return result, rows.Err()
}

// Reconcile makes the cache match roster and reports what changed.
// Metadata of known sensors is refreshed; their motion flag is kept.
// The whole reconciliation is one transaction.
func (s *Store) Reconcile(roster []unifi.Sensor) (Diff, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Diff{}, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	cached := make(map[string]bool)
	rows, err := tx.Query(`SELECT id, motion FROM accessories`)
	if err != nil {
		return Diff{}, fmt.Errorf("load cached ids: %w", err)
	}
	for rows.Next() {
		var (
			id     string
			motion bool
		)
		if err := rows.Scan(&id, &motion); err != nil {
			rows.Close()
			return Diff{}, fmt.Errorf("scan cached id: %w", err)
		}
		cached[id] = motion
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Diff{}, fmt.Errorf("load cached ids: %w", err)
	}

	var diff Diff
	now := s.now().UTC().Format(time.RFC3339)
	inRoster := make(map[string]bool, len(roster))

	for i, sensor := range roster {
		inRoster[sensor.ID] = true

		motion, known := cached[sensor.ID]
		if known {
			sensor.MotionDetected = motion
			diff.Updated = append(diff.Updated, sensor)
		} else {
			diff.Added = append(diff.Added, sensor)
		}

		if _, err := tx.Exec(
			`INSERT INTO accessories (id, name, address, hardware_id, motion, position, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET name = excluded.name, address = excluded.address,
			     hardware_id = excluded.hardware_id, position = excluded.position,
			     updated_at = excluded.updated_at`,
			sensor.ID, sensor.Name, sensor.Address, sensor.HardwareID, sensor.MotionDetected, i, now,
		); err != nil {
			return Diff{}, fmt.Errorf("upsert accessory %s: %w", sensor.ID, err)
		}
	}

	for id := range cached {
		if inRoster[id] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM accessories WHERE id = ?`, id); err != nil {
			return Diff{}, fmt.Errorf("delete accessory %s: %w", id, err)
		}
		diff.Removed = append(diff.Removed, id)
	}
	sort.Strings(diff.Removed)

	if err := tx.Commit(); err != nil {
		return Diff{}, fmt.Errorf("commit reconcile: %w", err)
	}
	return diff, nil
}

// SetMotion records the last known motion flag of a cached accessory.
// Unknown ids are ignored.
func (s *Store) SetMotion(id string, motion bool) error {
	_, err := s.db.Exec(
		`UPDATE accessories SET motion = ?, updated_at = ? WHERE id = ?`,
		motion, s.now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("set motion %s: %w", id, err)
	}
	return nil
}

// Delete removes an accessory. No error is returned if it does not
// exist.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM accessories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete accessory %s: %w", id, err)
	}
	return nil
}
