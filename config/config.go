package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"forest-sequencer/common"
	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/go-playground/validator"
	"github.com/joho/godotenv"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// MarshalText marshalls time duration to text.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Log is the logger configuration
type Log struct {
	// Level is the log level, one of debug, info, warn, error
	Level string `validate:"required,oneof=debug info warn error" env:"FOREST_LOG_LEVEL"`
	// Out is the list of log outputs.  "lumberjack://<path>" rotates the
	// file by size.
	Out []string `validate:"required" env:"FOREST_LOG_OUT"`
}

// StateDB is the configuration of the persisted forest state
type StateDB struct {
	// Path where the checkpoints are stored.  Empty keeps the state in
	// memory only.
	Path string `env:"FOREST_STATEDB_PATH"`
	// Keep is the number of checkpoints kept on disk
	Keep int `validate:"required"`
}

// Forest is the shape of the trees.  It can not change once the StateDB has
// been created.
type Forest struct {
	Hasher         string `validate:"required,oneof=poseidon mimc"`
	TaxiDepth      int    `validate:"required"`
	BusDepth       int    `validate:"required"`
	QueueDepth     int    `validate:"required"`
	BranchDepth    int
	BlacklistDepth int `validate:"required"`
	RingSize       int `validate:"required"`
}

// Rewards holds the reward parameters used on a fresh StateDB
type Rewards struct {
	ReservationRate  *big.Int `validate:"required"`
	PremiumRate      *big.Int `validate:"required"`
	MinEmptyQueueAge uint64
	ReleaseRate      *big.Int `validate:"required"`
}

// Coordinator is the configuration of the operation ordering loop
type Coordinator struct {
	// TickInterval is the time between automatic tick advances.  "0s"
	// only advances ticks on request.
	TickInterval Duration
	// QueueLen is the number of operations waiting to be ordered
	QueueLen int `validate:"required"`
}

// API is the http API configuration
type API struct {
	// Address where the API listens.  Empty disables the API.
	Address string `env:"FOREST_API_ADDRESS"`
	// MaxSQLConnections is the maximum number of SQL connections used by
	// the API at the same time
	MaxSQLConnections int `validate:"required"`
	// SQLConnectionTimeout is how long an API request waits for a SQL
	// connection
	SQLConnectionTimeout Duration
	ReadTimeout          Duration
	WriteTimeout         Duration
	// Metrics serves the prometheus metrics at /metrics
	Metrics bool
	// CORS allows requests from any origin
	CORS bool
}

// PostgreSQL is the configuration of the history database
type PostgreSQL struct {
	// Enabled stores the emitted facts in the history database
	Enabled bool `env:"FOREST_POSTGRES_ENABLED"`
	// Port of the PostgreSQL write server
	PortWrite int `env:"FOREST_POSTGRES_PORT_WRITE"`
	// Host of the PostgreSQL write server
	HostWrite string `env:"FOREST_POSTGRES_HOST_WRITE"`
	// User of the PostgreSQL write server
	UserWrite string `env:"FOREST_POSTGRES_USER_WRITE"`
	// Password of the PostgreSQL write server
	PasswordWrite string `env:"FOREST_POSTGRES_PASSWORD_WRITE"`
	// Name of the PostgreSQL write server database
	NameWrite string `env:"FOREST_POSTGRES_NAME_WRITE"`
	// Port of the PostgreSQL read server
	PortRead int `env:"FOREST_POSTGRES_PORT_READ"`
	// Host of the PostgreSQL read server.  Empty reads from the write
	// server.
	HostRead string `env:"FOREST_POSTGRES_HOST_READ"`
	// User of the PostgreSQL read server
	UserRead string `env:"FOREST_POSTGRES_USER_READ"`
	// Password of the PostgreSQL read server
	PasswordRead string `env:"FOREST_POSTGRES_PASSWORD_READ"`
	// Name of the PostgreSQL read server database
	NameRead string `env:"FOREST_POSTGRES_NAME_READ"`
}

// Debug groups the debugging switches
type Debug struct {
	// GinDebugMode sets gin in debug mode
	GinDebugMode bool
	// MeddlerLogs logs every SQL query built by meddler
	MeddlerLogs bool
}

// Node is the configuration of the forest sequencer node
type Node struct {
	Log         Log
	StateDB     StateDB
	Forest      Forest
	Rewards     Rewards
	Coordinator Coordinator
	API         API
	PostgreSQL  PostgreSQL
	Debug       Debug
}

// DefaultValues is the default node configuration in TOML
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[StateDB]
Path = "/var/forest/statedb"
Keep = 128

[Forest]
Hasher = "poseidon"
TaxiDepth = 8
BusDepth = 16
QueueDepth = 4
BranchDepth = 4
BlacklistDepth = 8
RingSize = 32

[Rewards]
ReservationRate = "1"
PremiumRate = "2"
MinEmptyQueueAge = 10
ReleaseRate = "1"

[Coordinator]
TickInterval = "12s"
QueueLen = 16

[API]
Address = "localhost:8086"
MaxSQLConnections = 10
SQLConnectionTimeout = "2s"
ReadTimeout = "30s"
WriteTimeout = "30s"
Metrics = true
CORS = false

[PostgreSQL]
Enabled = false
PortWrite = 5432
HostWrite = "localhost"
UserWrite = "forest"
NameWrite = "forest"

[Debug]
GinDebugMode = false
MeddlerLogs = false
`

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return common.Wrap(err)
	}
	if _, err := toml.Decode(string(bs), cfg); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// loadEnv overwrites the tagged fields of cfg and of its section structs
// with the environment variables
func loadEnv(cfg interface{}) error {
	if err := env.Parse(cfg); err != nil {
		return common.Wrap(err)
	}
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if t.Field(i).PkgPath != "" || field.Kind() != reflect.Struct {
			continue
		}
		if err := env.Parse(field.Addr().Interface()); err != nil {
			return common.Wrap(fmt.Errorf("%s: %w", t.Field(i).Name, err))
		}
	}
	return nil
}

// LoadConfig is the function that loads the configuration: the default
// values, overwritten by the file at filePath, overwritten by the
// environment.  envPath is an optional .env file whose variables are added
// to the environment without replacing the ones already set.
func LoadConfig(filePath, envPath, defaultValues string, cfg interface{}) error {
	// Get default configuration
	if err := loadDefault(defaultValues, cfg); err != nil {
		return common.Wrap(fmt.Errorf("error loading default configuration: %w", err))
	}
	// Get file configuration
	if filePath != "" {
		if err := loadFile(filePath, cfg); err != nil {
			return common.Wrap(fmt.Errorf("error loading configuration file: %w", err))
		}
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return common.Wrap(fmt.Errorf("error loading env file: %w", err))
		}
	}
	// Overwrite file configuration with the env configuration
	if err := loadEnv(cfg); err != nil {
		return common.Wrap(fmt.Errorf("error loading environment variables: %w", err))
	}
	return nil
}

// LoadNode loads the Node configuration and validates it
func LoadNode(filePath, envPath string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(filePath, envPath, DefaultValues, &cfg); err != nil {
		return nil, common.Wrap(err)
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	if cfg.PostgreSQL.Enabled && cfg.PostgreSQL.HostRead != "" &&
		cfg.PostgreSQL.HostRead == cfg.PostgreSQL.HostWrite {
		return nil, common.Wrap(fmt.Errorf(
			"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different"))
	}
	return &cfg, nil
}
