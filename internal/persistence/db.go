// Package persistence provides SQLite-based run storage.
package persistence

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/jmoiron/sqlx"
	"gonum.org/v1/gonum/floats"
	_ "modernc.org/sqlite"

	"github.com/talgya/angiogenesis/internal/agents"
	"github.com/talgya/angiogenesis/internal/engine"
	"github.com/talgya/angiogenesis/internal/geom"
	"github.com/talgya/angiogenesis/internal/vessel"
)

// ErrNoRun is returned when the database holds no saved run.
var ErrNoRun = errors.New("persistence: no saved run")

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS segments (
		id INTEGER PRIMARY KEY,
		parent INTEGER NOT NULL,
		left_child INTEGER NOT NULL,
		right_child INTEGER NOT NULL,
		px REAL NOT NULL,
		py REAL NOT NULL,
		pz REAL NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		z REAL NOT NULL,
		dx REAL NOT NULL,
		dy REAL NOT NULL,
		dz REAL NOT NULL,
		length REAL NOT NULL,
		diameter REAL NOT NULL,
		can_branch INTEGER NOT NULL,
		born_tick INTEGER NOT NULL,
		growing INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cells (
		id INTEGER PRIMARY KEY,
		x REAL NOT NULL,
		y REAL NOT NULL,
		z REAL NOT NULL,
		diameter REAL NOT NULL,
		volume REAL NOT NULL,
		divisions INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS field_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		substance TEXT NOT NULL,
		mass REAL NOT NULL,
		max REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fields (
		substance TEXT PRIMARY KEY,
		tick INTEGER NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_field_samples_substance ON field_samples(substance, tick);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SegmentRow is one stored vessel segment.
type SegmentRow struct {
	ID        int32   `db:"id"`
	Parent    int32   `db:"parent"`
	Left      int32   `db:"left_child"`
	Right     int32   `db:"right_child"`
	PX        float64 `db:"px"`
	PY        float64 `db:"py"`
	PZ        float64 `db:"pz"`
	X         float64 `db:"x"`
	Y         float64 `db:"y"`
	Z         float64 `db:"z"`
	DX        float64 `db:"dx"`
	DY        float64 `db:"dy"`
	DZ        float64 `db:"dz"`
	Length    float64 `db:"length"`
	Diameter  float64 `db:"diameter"`
	CanBranch bool    `db:"can_branch"`
	BornTick  int64   `db:"born_tick"`
	Growing   bool    `db:"growing"`
}

func segmentRow(s vessel.Segment, growing bool) SegmentRow {
	return SegmentRow{
		ID: int32(s.ID), Parent: int32(s.Parent), Left: int32(s.Left), Right: int32(s.Right),
		PX: s.Proximal.X, PY: s.Proximal.Y, PZ: s.Proximal.Z,
		X: s.Position.X, Y: s.Position.Y, Z: s.Position.Z,
		DX: s.Direction.X, DY: s.Direction.Y, DZ: s.Direction.Z,
		Length: s.Length, Diameter: s.Diameter, CanBranch: s.CanBranch,
		BornTick: int64(s.Born), Growing: growing,
	}
}

// Segment converts the row back to a tree segment.
func (r SegmentRow) Segment() vessel.Segment {
	return vessel.Segment{
		ID:        vessel.SegmentID(r.ID),
		Parent:    vessel.SegmentID(r.Parent),
		Left:      vessel.SegmentID(r.Left),
		Right:     vessel.SegmentID(r.Right),
		Proximal:  geom.Vec{X: r.PX, Y: r.PY, Z: r.PZ},
		Position:  geom.Vec{X: r.X, Y: r.Y, Z: r.Z},
		Direction: geom.Vec{X: r.DX, Y: r.DY, Z: r.DZ},
		Length:    r.Length,
		Diameter:  r.Diameter,
		CanBranch: r.CanBranch,
		Born:      uint64(r.BornTick),
	}
}

// CellRow is one stored tumour cell.
type CellRow struct {
	ID        int64   `db:"id"`
	X         float64 `db:"x"`
	Y         float64 `db:"y"`
	Z         float64 `db:"z"`
	Diameter  float64 `db:"diameter"`
	Volume    float64 `db:"volume"`
	Divisions int     `db:"divisions"`
}

// FieldSample is the field summary recorded at a checkpoint.
type FieldSample struct {
	Tick      int64   `db:"tick" json:"tick"`
	Substance string  `db:"substance" json:"substance"`
	Mass      float64 `db:"mass" json:"mass"`
	Max       float64 `db:"max" json:"max"`
}

func saveSegments(tx *sqlx.Tx, segs []vessel.Segment, growing map[vessel.SegmentID]bool) error {
	if _, err := tx.Exec("DELETE FROM segments"); err != nil {
		return err
	}
	stmt, err := tx.PrepareNamed(`INSERT INTO segments
		(id, parent, left_child, right_child, px, py, pz, x, y, z, dx, dy, dz,
		 length, diameter, can_branch, born_tick, growing)
		VALUES (:id, :parent, :left_child, :right_child, :px, :py, :pz, :x, :y, :z,
		 :dx, :dy, :dz, :length, :diameter, :can_branch, :born_tick, :growing)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range segs {
		if _, err := stmt.Exec(segmentRow(s, growing[s.ID])); err != nil {
			return fmt.Errorf("segment %d: %w", s.ID, err)
		}
	}
	return nil
}

func saveCells(tx *sqlx.Tx, cells []agents.Agent) error {
	if _, err := tx.Exec("DELETE FROM cells"); err != nil {
		return err
	}
	stmt, err := tx.PrepareNamed(`INSERT INTO cells (id, x, y, z, diameter, volume, divisions)
		VALUES (:id, :x, :y, :z, :diameter, :volume, :divisions)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cells {
		row := CellRow{
			ID: int64(c.ID), X: c.Position.X, Y: c.Position.Y, Z: c.Position.Z,
			Diameter: c.Diameter, Volume: c.Volume, Divisions: c.Divisions,
		}
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("cell %d: %w", c.ID, err)
		}
	}
	return nil
}

func saveFields(tx *sqlx.Tx, tick uint64, fields map[string][]float64) error {
	for name, vals := range fields {
		_, err := tx.Exec("INSERT OR REPLACE INTO fields (substance, tick, data) VALUES (?, ?, ?)",
			name, int64(tick), encodeValues(vals))
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}

		mass, peak := floats.Sum(vals), 0.0
		if len(vals) > 0 {
			peak = floats.Max(vals)
		}
		_, err = tx.Exec("INSERT INTO field_samples (tick, substance, mass, max) VALUES (?, ?, ?, ?)",
			int64(tick), name, mass, peak)
		if err != nil {
			return fmt.Errorf("field sample %s: %w", name, err)
		}
	}
	return nil
}

func setMeta(tx *sqlx.Tx, key, value string) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO run_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// SaveRun performs a full save of the run in one transaction: segments and
// cells are replaced, the field is overwritten and sampled, and the run
// metadata is updated.
func (db *DB) SaveRun(sim *engine.Simulation) error {
	st := sim.Export()
	slog.Info("saving run", "tick", st.Tick, "segments", len(st.Segments), "cells", len(st.Cells))

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveSegments(tx, st.Segments, st.Growing); err != nil {
		return fmt.Errorf("save segments: %w", err)
	}
	if err := saveCells(tx, st.Cells); err != nil {
		return fmt.Errorf("save cells: %w", err)
	}
	if err := saveFields(tx, st.Tick, st.Fields); err != nil {
		return fmt.Errorf("save fields: %w", err)
	}

	totals, err := json.Marshal(st.Totals)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"run_id":    st.RunID,
		"seed":      strconv.FormatInt(st.Seed, 10),
		"last_tick": strconv.FormatUint(st.Tick, 10),
		"totals":    string(totals),
	}
	for k, v := range meta {
		if err := setMeta(tx, k, v); err != nil {
			return fmt.Errorf("save meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("run saved", "run_id", st.RunID)
	return nil
}

// Reset deletes the stored run, including its field history.
func (db *DB) Reset() error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"segments", "cells", "field_samples", "fields", "run_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// LoadRun reads back the state written by the last SaveRun.
func (db *DB) LoadRun() (engine.State, error) {
	var st engine.State
	runID, err := db.GetMeta("run_id")
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNoRun
	}
	if err != nil {
		return st, err
	}
	st.RunID = runID

	if st.Seed, err = db.metaInt("seed"); err != nil {
		return st, err
	}
	tick, err := db.metaInt("last_tick")
	if err != nil {
		return st, err
	}
	st.Tick = uint64(tick)
	if totals, err := db.GetMeta("totals"); err == nil {
		if err := json.Unmarshal([]byte(totals), &st.Totals); err != nil {
			return st, fmt.Errorf("decode totals: %w", err)
		}
	}

	rows, err := db.LoadSegments()
	if err != nil {
		return st, err
	}
	st.Growing = make(map[vessel.SegmentID]bool)
	for _, r := range rows {
		st.Segments = append(st.Segments, r.Segment())
		if r.Growing {
			st.Growing[vessel.SegmentID(r.ID)] = true
		}
	}

	cells, err := db.LoadCells()
	if err != nil {
		return st, err
	}
	for _, c := range cells {
		st.Cells = append(st.Cells, agents.Agent{
			ID:        agents.AgentID(c.ID),
			Kind:      agents.KindCell,
			Position:  geom.Vec{X: c.X, Y: c.Y, Z: c.Z},
			Diameter:  c.Diameter,
			Segment:   vessel.None,
			Volume:    c.Volume,
			Divisions: c.Divisions,
		})
	}

	if st.Fields, err = db.loadFields(); err != nil {
		return st, err
	}
	return st, nil
}

// LoadSegments returns the stored segments in id order.
func (db *DB) LoadSegments() ([]SegmentRow, error) {
	var rows []SegmentRow
	err := db.conn.Select(&rows, "SELECT * FROM segments ORDER BY id")
	return rows, err
}

// LoadCells returns the stored tumour cells in id order.
func (db *DB) LoadCells() ([]CellRow, error) {
	var rows []CellRow
	err := db.conn.Select(&rows, "SELECT * FROM cells ORDER BY id")
	return rows, err
}

// FieldHistory returns every recorded sample of substance, oldest first.
func (db *DB) FieldHistory(substance string) ([]FieldSample, error) {
	var samples []FieldSample
	err := db.conn.Select(&samples,
		"SELECT tick, substance, mass, max FROM field_samples WHERE substance = ? ORDER BY tick, id",
		substance,
	)
	return samples, err
}

func (db *DB) loadFields() (map[string][]float64, error) {
	var rows []struct {
		Substance string `db:"substance"`
		Data      []byte `db:"data"`
	}
	if err := db.conn.Select(&rows, "SELECT substance, data FROM fields"); err != nil {
		return nil, err
	}
	out := make(map[string][]float64, len(rows))
	for _, r := range rows {
		vals, err := decodeValues(r.Data)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", r.Substance, err)
		}
		out[r.Substance] = vals
	}
	return out, nil
}

// SaveMeta stores a key-value pair in run metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO run_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM run_meta WHERE key = ?", key)
	return value, err
}

func (db *DB) metaInt(key string) (int64, error) {
	v, err := db.GetMeta(key)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return n, nil
}

// encodeValues packs voxel values as little-endian float64s.
func encodeValues(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeValues(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("corrupt field blob of %d bytes", len(buf))
	}
	vals := make([]float64, len(buf)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}
