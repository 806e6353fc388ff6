// Package store persists operator settings, the calibration index and state
// transitions in a local sqlite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/monitoring"
	"github.com/banshee-data/walleye/internal/timeutil"
)

var logf = monitoring.Component("store")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

type Store struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, clock timeutil.Clock) (*Store, error) {
	s, err := OpenRaw(path, clock)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenRaw opens the database without touching the schema.
func OpenRaw(path string, clock timeutil.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{DB: db, path: path, clock: clock}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) nowMillis() int64 { return s.clock.Now().UnixMilli() }

// SaveSystemConfig replaces the persisted operator configuration.
func (s *Store) SaveSystemConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.Exec(`
		INSERT INTO system_config (config_id, config_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`,
		string(data), s.nowMillis())
	if err != nil {
		return fmt.Errorf("save system config: %w", err)
	}
	return nil
}

// LoadSystemConfig returns the persisted configuration or ErrNotFound.
func (s *Store) LoadSystemConfig() (*config.Config, error) {
	var data string
	err := s.QueryRow(`SELECT config_json FROM system_config WHERE config_id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load system config: %w", err)
	}
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("stored system config: %w", err)
	}
	return cfg, nil
}

// CameraSettings is the operator-chosen state of one camera.
type CameraSettings struct {
	CameraID    string
	Nickname    string
	Mode        camera.Mode
	Resolution  image.Point
	PixelFormat string
	UpdatedAt   time.Time
}

// SaveCameraSettings upserts the settings for cs.CameraID.
func (s *Store) SaveCameraSettings(cs CameraSettings) error {
	if cs.CameraID == "" {
		return errors.New("camera settings need a camera id")
	}
	_, err := s.Exec(`
		INSERT INTO camera_settings (camera_id, nickname, mode, width, height, pixel_format, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id) DO UPDATE SET
			nickname = excluded.nickname,
			mode = excluded.mode,
			width = excluded.width,
			height = excluded.height,
			pixel_format = excluded.pixel_format,
			updated_at = excluded.updated_at`,
		cs.CameraID, cs.Nickname, cs.Mode.String(), cs.Resolution.X, cs.Resolution.Y, cs.PixelFormat, s.nowMillis())
	if err != nil {
		return fmt.Errorf("save camera %s: %w", cs.CameraID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCameraSettings(row rowScanner) (CameraSettings, error) {
	var (
		cs      CameraSettings
		mode    string
		updated int64
	)
	if err := row.Scan(&cs.CameraID, &cs.Nickname, &mode, &cs.Resolution.X, &cs.Resolution.Y, &cs.PixelFormat, &updated); err != nil {
		return CameraSettings{}, err
	}
	m, err := camera.ParseMode(mode)
	if err != nil {
		return CameraSettings{}, fmt.Errorf("camera %s: %w", cs.CameraID, err)
	}
	cs.Mode = m
	cs.UpdatedAt = time.UnixMilli(updated).UTC()
	return cs, nil
}

const cameraColumns = `camera_id, nickname, mode, width, height, pixel_format, updated_at`

// CameraSettings returns the settings stored for id or ErrNotFound.
func (s *Store) CameraSettings(id string) (CameraSettings, error) {
	cs, err := scanCameraSettings(s.QueryRow(`SELECT `+cameraColumns+` FROM camera_settings WHERE camera_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CameraSettings{}, ErrNotFound
	}
	return cs, err
}

// ListCameraSettings returns all stored camera settings ordered by id.
func (s *Store) ListCameraSettings() ([]CameraSettings, error) {
	rows, err := s.Query(`SELECT ` + cameraColumns + ` FROM camera_settings ORDER BY camera_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CameraSettings
	for rows.Next() {
		cs, err := scanCameraSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// CalibrationRecord indexes one generated calibration file.
type CalibrationRecord struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id,omitempty"`
	CameraID    string      `json:"camera_id"`
	Resolution  image.Point `json:"resolution"`
	Path        string      `json:"path"`
	ReprojError float64     `json:"reproj_error"`
	Images      int         `json:"images"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RecordCalibration inserts rec and returns its row id. CreatedAt is set
// from the store clock.
func (s *Store) RecordCalibration(rec CalibrationRecord) (int64, error) {
	res, err := s.Exec(`
		INSERT INTO calibrations (session_id, camera_id, width, height, path, reproj_error, image_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CameraID, rec.Resolution.X, rec.Resolution.Y, rec.Path, rec.ReprojError, rec.Images, s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("record calibration for %s: %w", rec.CameraID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logf("indexed calibration %d for %s at %dx%d (error %.3f px)", id, rec.CameraID, rec.Resolution.X, rec.Resolution.Y, rec.ReprojError)
	return id, nil
}

const calibrationColumns = `calibration_id, session_id, camera_id, width, height, path, reproj_error, image_count, created_at`

func scanCalibration(row rowScanner) (CalibrationRecord, error) {
	var (
		rec     CalibrationRecord
		created int64
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.CameraID, &rec.Resolution.X, &rec.Resolution.Y,
		&rec.Path, &rec.ReprojError, &rec.Images, &created)
	if err != nil {
		return CalibrationRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

// LatestCalibration returns the newest calibration for a camera at a
// resolution, or ErrNotFound.
func (s *Store) LatestCalibration(cameraID string, res image.Point) (CalibrationRecord, error) {
	rec, err := scanCalibration(s.QueryRow(`
		SELECT `+calibrationColumns+` FROM calibrations
		WHERE camera_id = ? AND width = ? AND height = ?
		ORDER BY created_at DESC, calibration_id DESC LIMIT 1`,
		cameraID, res.X, res.Y))
	if errors.Is(err, sql.ErrNoRows) {
		return CalibrationRecord{}, ErrNotFound
	}
	return rec, err
}

// Calibrations returns up to limit records, newest first.
func (s *Store) Calibrations(limit int) ([]CalibrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Query(`SELECT `+calibrationColumns+` FROM calibrations
		ORDER BY created_at DESC, calibration_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationRecord
	for rows.Next() {
		rec, err := scanCalibration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StateEvent is one recorded state machine transition.
type StateEvent struct {
	ID        int64     `json:"id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordState appends a state transition.
func (s *Store) RecordState(state, detail string) error {
	_, err := s.Exec(`INSERT INTO state_events (state, detail, created_at) VALUES (?, ?, ?)`,
		state, detail, s.nowMillis())
	if err != nil {
		return fmt.Errorf("record state %s: %w", state, err)
	}
	return nil
}

// StateEvents returns up to limit transitions, newest first.
func (s *Store) StateEvents(limit int) ([]StateEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Query(`SELECT event_id, state, detail, created_at FROM state_events
		ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateEvent
	for rows.Next() {
		var (
			ev      StateEvent
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.State, &ev.Detail, &created); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
