package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/banshee-data/walleye/internal/calibration"
	"github.com/banshee-data/walleye/internal/camera"
	"github.com/banshee-data/walleye/internal/config"
	"github.com/banshee-data/walleye/internal/store"
)

// State is the driving state of the foreground loop.
type State int

const (
	StateIdle State = iota
	StateBeginCalibration
	StateCalibrationCapture
	StateGenerateCalibration
	StateProcessing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBeginCalibration:
		return "BEGIN_CALIBRATION"
	case StateCalibrationCapture:
		return "CALIBRATION_CAPTURE"
	case StateGenerateCalibration:
		return "GENERATE_CALIBRATION"
	case StateProcessing:
		return "PROCESSING"
	case StateShutdown:
		return "SHUTDOWN"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Calibrating reports whether s belongs to a calibration session.
func (s State) Calibrating() bool {
	return s == StateBeginCalibration || s == StateCalibrationCapture || s == StateGenerateCalibration
}

// Operator command kinds.
const (
	CmdToggleCalibration   = "toggle_calibration"
	CmdGenerateCalibration = "generate_calibration"
	CmdTogglePnP           = "toggle_pnp"
	CmdShutdown            = "shutdown"
	CmdSetMode             = "set_mode"
	CmdSetNickname         = "set_nickname"
	CmdSetResolution       = "set_resolution"
	CmdSetTagSize          = "set_tag_size"
	CmdSetTagAllowed       = "set_tag_allowed"
	CmdSetTableName        = "set_table_name"
	CmdSetBoard            = "set_board"
	CmdImportCalibration   = "import_calibration"
)

// ErrUnknownCommand is returned for a command kind the loop does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one operator request. Which fields matter depends on Kind.
type Command struct {
	Kind    string  `json:"kind"`
	Camera  string  `json:"camera,omitempty"`
	Value   string  `json:"value,omitempty"`
	Number  float64 `json:"number,omitempty"`
	Tag     int     `json:"tag,omitempty"`
	Allowed bool    `json:"allowed,omitempty"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
}

type request struct {
	cmd   Command
	reply chan error
}

// apply runs cmd on the foreground loop.
func (a *App) apply(cmd Command) error {
	switch cmd.Kind {
	case CmdToggleCalibration:
		return a.toggleCalibration(cmd.Camera)
	case CmdGenerateCalibration:
		return a.requestGenerate(cmd.Camera)
	case CmdTogglePnP:
		if a.State() == StateProcessing {
			a.setState(StateIdle, "PnP stopped")
		} else {
			a.setState(StateProcessing, "PnP started")
		}
		return nil
	case CmdShutdown:
		a.setState(StateShutdown, "shutdown requested")
		return nil
	case CmdSetMode:
		h, err := a.camera(cmd.Camera)
		if err != nil {
			return err
		}
		m, err := camera.ParseMode(cmd.Value)
		if err != nil {
			return err
		}
		h.SetMode(m)
		a.setStatus(fmt.Sprintf("Mode set to %s for %s", m, h.ID()))
		return a.persistCamera(h)
	case CmdSetNickname:
		h, err := a.camera(cmd.Camera)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(cmd.Value)
		h.SetNickname(name)
		a.cfg.SetCameraNickname(h.ID(), name)
		a.setStatus(fmt.Sprintf("%s is now named %s", h.ID(), a.streamKey(h, a.index(h))))
		if err := a.persistCamera(h); err != nil {
			return err
		}
		return a.persistConfig()
	case CmdSetResolution:
		h, err := a.camera(cmd.Camera)
		if err != nil {
			return err
		}
		if cmd.Width <= 0 || cmd.Height <= 0 {
			return fmt.Errorf("resolution must be positive, got %dx%d", cmd.Width, cmd.Height)
		}
		h.SetResolution(image.Pt(cmd.Width, cmd.Height))
		if err := a.loadCalibration(h); err != nil {
			logf("calibration for %s at %dx%d: %v", h.ID(), cmd.Width, cmd.Height, err)
		}
		return a.persistCamera(h)
	case CmdSetTagSize:
		if err := a.engine.SetTagSize(cmd.Number); err != nil {
			return err
		}
		a.cfg.SetTagSize(cmd.Number)
		return a.persistConfig()
	case CmdSetTagAllowed:
		return a.setTagAllowed(cmd.Tag, cmd.Allowed)
	case CmdSetTableName:
		name := strings.TrimSpace(cmd.Value)
		if name == "" {
			return errors.New("table name must not be empty")
		}
		a.cfg.TableName = &name
		a.mu.Lock()
		a.table = name
		a.mu.Unlock()
		return a.persistConfig()
	case CmdSetBoard:
		if cmd.Width < 2 || cmd.Height < 2 {
			return fmt.Errorf("board must be at least 2x2, got %dx%d", cmd.Width, cmd.Height)
		}
		if cmd.Value != "" {
			if cmd.Value != config.BoardChessboard && cmd.Value != config.BoardCircleGrid {
				return fmt.Errorf("unknown board type %q", cmd.Value)
			}
			bt := cmd.Value
			a.cfg.BoardType = &bt
		}
		a.cfg.SetBoard(cmd.Width, cmd.Height)
		return a.persistConfig()
	case CmdImportCalibration:
		return a.importCalibration(cmd.Camera, []byte(cmd.Value))
	}
	return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
}

// importCalibration installs an uploaded calibration file for a camera. The
// file is stored under the resolution it was made at; the camera only uses
// it while running at that resolution.
func (a *App) importCalibration(id string, data []byte) error {
	h, err := a.camera(id)
	if err != nil {
		return err
	}
	var res calibration.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("%w: %v", calibration.ErrMalformedResult, err)
	}
	res.CameraID = id
	path := calibration.PathFor(a.calibrationDir(), id, res.Size())
	if err := calibration.SaveResult(a.fs, path, &res); err != nil {
		return err
	}
	if h.Resolution() == res.Size() {
		if err := a.loadCalibration(h); err != nil {
			return err
		}
	}
	if a.store != nil {
		_, err := a.store.RecordCalibration(store.CalibrationRecord{
			CameraID:    id,
			Resolution:  res.Size(),
			Path:        path,
			ReprojError: res.ReprojError,
			Images:      len(res.Rotations),
		})
		if err != nil {
			logf("index imported calibration: %v", err)
		}
	}
	a.setStatus(fmt.Sprintf("Calibration loaded for %s at %dx%d", id, res.Resolution[0], res.Resolution[1]))
	return nil
}

func (a *App) toggleCalibration(id string) error {
	switch st := a.State(); st {
	case StateIdle, StateProcessing:
		if a.finder == nil || a.refiner == nil || a.calibrator == nil {
			return ErrCalibrationUnavailable
		}
		if _, err := a.camera(id); err != nil {
			return err
		}
		a.mu.Lock()
		a.calCamera = id
		a.reprojError = nil
		a.mu.Unlock()
		a.setState(StateBeginCalibration, "Starting calibration capture for "+id)
		return nil
	case StateCalibrationCapture:
		a.setState(StateIdle, "Stopping calibration capture")
		return nil
	default:
		return fmt.Errorf("cannot toggle calibration in state %s", st)
	}
}

func (a *App) requestGenerate(id string) error {
	if a.gate == nil || a.gate.CameraID() != id {
		return fmt.Errorf("no calibration session for %s", id)
	}
	a.setState(StateGenerateCalibration, "Generating calibration parameters")
	return nil
}

func (a *App) setTagAllowed(id int, allowed bool) error {
	if id < config.MinTag || id > config.MaxTag {
		return fmt.Errorf("tag %d outside [%d, %d]", id, config.MinTag, config.MaxTag)
	}
	set := make(map[int]bool)
	for _, v := range a.cfg.GetValidTags() {
		set[v] = true
	}
	set[id] = allowed
	var ids []int
	for v := config.MinTag; v <= config.MaxTag; v++ {
		if set[v] {
			ids = append(ids, v)
		}
	}
	// An empty allow-list would mean every tag.
	if len(ids) == 0 {
		return errors.New("at least one tag must stay allowed")
	}
	a.cfg.ValidTags = ids
	a.engine.SetValidTags(ids)
	a.mu.Lock()
	a.validTags = ids
	a.mu.Unlock()
	return a.persistConfig()
}

func (a *App) persistConfig() error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveSystemConfig(a.cfg)
}

func (a *App) persistCamera(h *camera.Handle) error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveCameraSettings(store.CameraSettings{
		CameraID:    h.ID(),
		Nickname:    h.Nickname(),
		Mode:        h.Mode(),
		Resolution:  h.Resolution(),
		PixelFormat: h.PixelFormat(),
	})
}
