package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical system defaults file.
const DefaultConfigPath = "config/system.defaults.json"

// Tag ID bounds accepted anywhere in the system.
const (
	MinTag = 1
	MaxTag = 16
)

// Board types understood by the calibration gate.
const (
	BoardChessboard = "chessboard"
	BoardCircleGrid = "circle_grid"
)

// Publisher transports.
const (
	TransportUDP  = "udp"
	TransportMQTT = "mqtt"
)

// Config is the explicit configuration context. It is loaded once in main and
// passed by pointer to the components that need it. Fields omitted from the
// JSON fall back to the defaults returned by the Get* accessors, so partial
// files are safe.
type Config struct {
	// Robot identity and transport
	TeamNumber   *int    `json:"team_number,omitempty"`
	TableName    *string `json:"table_name,omitempty"`
	RobotIP      *string `json:"robot_ip,omitempty"` // empty derives 10.TE.AM.2
	RobotPort    *int    `json:"robot_port,omitempty"`
	Transport    *string `json:"transport,omitempty"` // "udp" or "mqtt"
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTClientID *string `json:"mqtt_client_id,omitempty"`
	DatagramPcap *string `json:"datagram_pcap,omitempty"` // optional capture of published datagrams

	// Pose estimation
	TagSize       *float64 `json:"tag_size,omitempty"` // metres, outer black square
	ValidTags     []int    `json:"valid_tags,omitempty"`
	TagLayoutPath *string  `json:"tag_layout_path,omitempty"`

	// Calibration
	BoardCols           *int     `json:"board_cols,omitempty"`
	BoardRows           *int     `json:"board_rows,omitempty"`
	BoardType           *string  `json:"board_type,omitempty"`
	CalibrationDelay    *string  `json:"calibration_delay,omitempty"` // duration string like "1s"
	RequiredReadyCounts *int     `json:"required_ready_counts,omitempty"`
	SquareSize          *float64 `json:"square_size,omitempty"` // board pitch in reference-grid units

	// Cameras
	CameraNicknames        map[string]string `json:"camera_nicknames,omitempty"`
	CameraFailureThreshold *int              `json:"camera_failure_threshold,omitempty"`

	// Process
	DataDir      *string `json:"data_dir,omitempty"`
	StatusListen *string `json:"status_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	c := Empty()
	return &Config{
		TeamNumber:             ptrInt(c.GetTeamNumber()),
		TableName:              ptrString(c.GetTableName()),
		RobotPort:              ptrInt(c.GetRobotPort()),
		Transport:              ptrString(c.GetTransport()),
		MQTTBroker:             ptrString(c.GetMQTTBroker()),
		MQTTClientID:           ptrString(c.GetMQTTClientID()),
		TagSize:                ptrFloat64(c.GetTagSize()),
		ValidTags:              c.GetValidTags(),
		TagLayoutPath:          ptrString(c.GetTagLayoutPath()),
		BoardCols:              ptrInt(c.GetBoardCols()),
		BoardRows:              ptrInt(c.GetBoardRows()),
		BoardType:              ptrString(c.GetBoardType()),
		CalibrationDelay:       ptrString(c.GetCalibrationDelay().String()),
		RequiredReadyCounts:    ptrInt(c.GetRequiredReadyCounts()),
		SquareSize:             ptrFloat64(c.GetSquareSize()),
		CameraFailureThreshold: ptrInt(c.GetCameraFailureThreshold()),
		DataDir:                ptrString(c.GetDataDir()),
		StatusListen:           ptrString(c.GetStatusListen()),
	}
}

// Load loads a Config from a JSON file.
// The file must have a .json extension and be under 1 MiB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON config document.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.TeamNumber != nil && (*c.TeamNumber < 1 || *c.TeamNumber > 25599) {
		return fmt.Errorf("team_number must be between 1 and 25599, got %d", *c.TeamNumber)
	}
	if c.RobotPort != nil && (*c.RobotPort < 1 || *c.RobotPort > 65535) {
		return fmt.Errorf("robot_port must be between 1 and 65535, got %d", *c.RobotPort)
	}
	if c.Transport != nil {
		switch *c.Transport {
		case TransportUDP, TransportMQTT:
		default:
			return fmt.Errorf("transport must be %q or %q, got %q", TransportUDP, TransportMQTT, *c.Transport)
		}
	}
	if c.TagSize != nil && !(*c.TagSize > 0) {
		return fmt.Errorf("tag_size must be positive, got %f", *c.TagSize)
	}
	for _, id := range c.ValidTags {
		if id < MinTag || id > MaxTag {
			return fmt.Errorf("valid_tags entry %d outside [%d, %d]", id, MinTag, MaxTag)
		}
	}
	if c.BoardCols != nil && *c.BoardCols < 2 {
		return fmt.Errorf("board_cols must be at least 2, got %d", *c.BoardCols)
	}
	if c.BoardRows != nil && *c.BoardRows < 2 {
		return fmt.Errorf("board_rows must be at least 2, got %d", *c.BoardRows)
	}
	if c.BoardType != nil {
		switch *c.BoardType {
		case BoardChessboard, BoardCircleGrid:
		default:
			return fmt.Errorf("board_type must be %q or %q, got %q", BoardChessboard, BoardCircleGrid, *c.BoardType)
		}
	}
	if c.CalibrationDelay != nil && *c.CalibrationDelay != "" {
		d, err := time.ParseDuration(*c.CalibrationDelay)
		if err != nil {
			return fmt.Errorf("invalid calibration_delay '%s': %w", *c.CalibrationDelay, err)
		}
		if d < 0 {
			return fmt.Errorf("calibration_delay must be non-negative, got %s", d)
		}
	}
	if c.RequiredReadyCounts != nil && *c.RequiredReadyCounts < 1 {
		return fmt.Errorf("required_ready_counts must be at least 1, got %d", *c.RequiredReadyCounts)
	}
	if c.SquareSize != nil && !(*c.SquareSize > 0) {
		return fmt.Errorf("square_size must be positive, got %f", *c.SquareSize)
	}
	if c.CameraFailureThreshold != nil && *c.CameraFailureThreshold < 1 {
		return fmt.Errorf("camera_failure_threshold must be at least 1, got %d", *c.CameraFailureThreshold)
	}
	return nil
}

// GetTeamNumber returns the team_number value or the default.
func (c *Config) GetTeamNumber() int {
	if c.TeamNumber == nil {
		return 2767 // default
	}
	return *c.TeamNumber
}

// GetTableName returns the table_name value or the default.
func (c *Config) GetTableName() string {
	if c.TableName == nil || *c.TableName == "" {
		return "WallEye" // default
	}
	return *c.TableName
}

// GetRobotIP returns robot_ip, deriving 10.TE.AM.2 from the team number when unset.
func (c *Config) GetRobotIP() string {
	if c.RobotIP != nil && *c.RobotIP != "" {
		return *c.RobotIP
	}
	team := c.GetTeamNumber()
	return fmt.Sprintf("10.%d.%d.2", team/100, team%100)
}

// GetRobotPort returns the robot_port value or the default.
func (c *Config) GetRobotPort() int {
	if c.RobotPort == nil {
		return 5806 // default
	}
	return *c.RobotPort
}

// GetTransport returns the transport value or the default.
func (c *Config) GetTransport() string {
	if c.Transport == nil || *c.Transport == "" {
		return TransportUDP // default
	}
	return *c.Transport
}

// GetMQTTBroker returns the mqtt_broker value or the default.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil || *c.MQTTBroker == "" {
		return "tcp://" + c.GetRobotIP() + ":1883"
	}
	return *c.MQTTBroker
}

// GetMQTTClientID returns the mqtt_client_id value or the default.
func (c *Config) GetMQTTClientID() string {
	if c.MQTTClientID == nil || *c.MQTTClientID == "" {
		return "walleye" // default
	}
	return *c.MQTTClientID
}

// GetDatagramPcap returns the datagram_pcap path; empty disables capture.
func (c *Config) GetDatagramPcap() string {
	if c.DatagramPcap == nil {
		return ""
	}
	return *c.DatagramPcap
}

// GetTagSize returns the tag_size value or the default.
func (c *Config) GetTagSize() float64 {
	if c.TagSize == nil {
		return 0.157 // default
	}
	return *c.TagSize
}

// GetValidTags returns the sorted tag allow-list, defaulting to every ID in
// [MinTag, MaxTag].
func (c *Config) GetValidTags() []int {
	if len(c.ValidTags) == 0 {
		ids := make([]int, 0, MaxTag-MinTag+1)
		for id := MinTag; id <= MaxTag; id++ {
			ids = append(ids, id)
		}
		return ids
	}
	ids := append([]int(nil), c.ValidTags...)
	sort.Ints(ids)
	return ids
}

// GetTagLayoutPath returns the tag_layout_path value or the default.
func (c *Config) GetTagLayoutPath() string {
	if c.TagLayoutPath == nil || *c.TagLayoutPath == "" {
		return "config/tag_layout.json" // default
	}
	return *c.TagLayoutPath
}

// GetBoardCols returns the board_cols value or the default.
func (c *Config) GetBoardCols() int {
	if c.BoardCols == nil {
		return 7 // default
	}
	return *c.BoardCols
}

// GetBoardRows returns the board_rows value or the default.
func (c *Config) GetBoardRows() int {
	if c.BoardRows == nil {
		return 7 // default
	}
	return *c.BoardRows
}

// GetBoardType returns the board_type value or the default.
func (c *Config) GetBoardType() string {
	if c.BoardType == nil || *c.BoardType == "" {
		return BoardChessboard // default
	}
	return *c.BoardType
}

// GetCalibrationDelay parses and returns calibration_delay.
func (c *Config) GetCalibrationDelay() time.Duration {
	if c.CalibrationDelay == nil || *c.CalibrationDelay == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.CalibrationDelay)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetRequiredReadyCounts returns the required_ready_counts value or the default.
func (c *Config) GetRequiredReadyCounts() int {
	if c.RequiredReadyCounts == nil {
		return 6 // default
	}
	return *c.RequiredReadyCounts
}

// GetSquareSize returns the square_size value or the default.
func (c *Config) GetSquareSize() float64 {
	if c.SquareSize == nil {
		return 1 // default
	}
	return *c.SquareSize
}

// GetCameraNickname returns the nickname configured for a camera ID, if any.
func (c *Config) GetCameraNickname(cameraID string) string {
	return c.CameraNicknames[cameraID]
}

// SetCameraNickname records a nickname; an empty name removes it.
func (c *Config) SetCameraNickname(cameraID, name string) {
	if name == "" {
		delete(c.CameraNicknames, cameraID)
		return
	}
	if c.CameraNicknames == nil {
		c.CameraNicknames = make(map[string]string)
	}
	c.CameraNicknames[cameraID] = name
}

// GetCameraFailureThreshold returns the camera_failure_threshold value or the default.
func (c *Config) GetCameraFailureThreshold() int {
	if c.CameraFailureThreshold == nil {
		return 30 // default
	}
	return *c.CameraFailureThreshold
}

// GetDataDir returns the data_dir value or the default.
func (c *Config) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return "data" // default
	}
	return *c.DataDir
}

// GetStatusListen returns the status_listen value or the default.
func (c *Config) GetStatusListen() string {
	if c.StatusListen == nil || *c.StatusListen == "" {
		return ":5800" // default
	}
	return *c.StatusListen
}

// SetTagSize updates the tag size.
func (c *Config) SetTagSize(size float64) { c.TagSize = ptrFloat64(size) }

// SetBoard updates the calibration board dimensions.
func (c *Config) SetBoard(cols, rows int) {
	c.BoardCols = ptrInt(cols)
	c.BoardRows = ptrInt(rows)
}

// SetIdentity updates the team number and table name.
func (c *Config) SetIdentity(team int, table string) {
	c.TeamNumber = ptrInt(team)
	c.TableName = ptrString(table)
}

// Marshal renders the config as indented JSON.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
