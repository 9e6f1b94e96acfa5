// Copyright 2021-2022 The fluxcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for the NATS bridge which extends the customer
// broadcast across service instances
type NATSConfig struct {
	// Enabled whether to relay customer broadcasts through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required_if=Enabled true,omitempty,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the prefix of the NATS subjects the broadcasts are sent on
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero value means there will be
	// no timeout, which is what long-lived SSE streams need.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// API Server Related Config

// APIEndpointConfig defines the customer API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// FindAllInterval is the pacing between customers when streaming the
	// customer list in milliseconds
	FindAllInterval int `mapstructure:"find_all_interval_ms" json:"find_all_interval_ms" validate:"gte=0"`
	// SSEKeepAliveInterval is the interval between keep-alive comments on an
	// idle SSE stream in seconds. Zero disables keep-alive.
	SSEKeepAliveInterval int `mapstructure:"sse_keep_alive_sec" json:"sse_keep_alive_sec" validate:"gte=0"`
}

// DemoSequenceConfig defines the integer demo sequence endpoints
type DemoSequenceConfig struct {
	// Length is the number of integers produced, starting from 1
	Length int `mapstructure:"length" json:"length" validate:"gte=1"`
	// ElementInterval is the delay before each integer in milliseconds
	ElementInterval int `mapstructure:"element_interval_ms" json:"element_interval_ms" validate:"gte=0"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Demo is the demo sequence config
	Demo DemoSequenceConfig `mapstructure:"demo" json:"demo" validate:"required,dive"`
}

// ===============================================================================
// Relay Related Config

// Overflow policies for a subscriber with a bounded buffer
const (
	// OverflowDropOldest discard the oldest buffered entity to make room
	OverflowDropOldest = "drop-oldest"
	// OverflowDropNewest discard the entity being published
	OverflowDropNewest = "drop-newest"
	// OverflowCloseSubscriber detach the subscriber
	OverflowCloseSubscriber = "close-subscriber"
)

// RelayConfig defines the customer broadcast relay buffering policy
type RelayConfig struct {
	// MaxBufferedPerSubscriber is the max number of entities buffered for a
	// single subscriber. Zero means unbounded.
	MaxBufferedPerSubscriber int `mapstructure:"max_buffered_per_subscriber" json:"max_buffered_per_subscriber" validate:"gte=0"`
	// OverflowPolicy is the action taken when a bounded buffer is full
	OverflowPolicy string `mapstructure:"overflow_policy" json:"overflow_policy" validate:"required,oneof=drop-oldest drop-newest close-subscriber"`
	// StatsLogInterval is the interval in seconds between relay status log lines.
	// Zero disables the status log.
	StatsLogInterval int `mapstructure:"stats_log_interval_sec" json:"stats_log_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// Store Related Config

// SQLiteConfig defines parameters for the SQLite store driver
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" for an in-memory database.
	Path string `mapstructure:"path" json:"path" validate:"required"`
}

// PostgresConfig defines parameters for the PostgreSQL store driver
type PostgresConfig struct {
	// Host is the DB server host
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// Port is the DB server port
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0,lt=65536"`
	// User is the DB user
	User string `mapstructure:"user" json:"user" validate:"required"`
	// Password is the DB user password
	Password string `mapstructure:"password" json:"-"`
	// Database is the database name
	Database string `mapstructure:"database" json:"database" validate:"required"`
	// SSLMode is the libpq sslmode setting
	SSLMode string `mapstructure:"ssl_mode" json:"ssl_mode" validate:"required,oneof=disable allow prefer require verify-ca verify-full"`
	// MaxOpenConns is the max number of open DB connections
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
	// MaxIdleConns is the max number of idle DB connections
	MaxIdleConns int `mapstructure:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	// ConnectTimeout is the max duration for connecting to the DB in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
}

// StoreConfig defines the customer store parameters
type StoreConfig struct {
	// Driver selects the DB driver
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`
	// FindAllBatchSize is the number of rows read per query when listing customers
	FindAllBatchSize int `mapstructure:"find_all_batch_size" json:"find_all_batch_size" validate:"gte=1"`
	// LogSQL whether to log each SQL statement at DEBUG level
	LogSQL bool `mapstructure:"log_sql" json:"log_sql"`
	// SQLite is the SQLite driver config
	SQLite *SQLiteConfig `mapstructure:"sqlite,omitempty" json:"sqlite,omitempty" validate:"required_if=Driver sqlite,omitempty,dive"`
	// Postgres is the PostgreSQL driver config
	Postgres *PostgresConfig `mapstructure:"postgres,omitempty" json:"postgres,omitempty" validate:"required_if=Driver postgres,omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Server are the API server configs
	Server APIServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
	// Relay are the customer broadcast relay configs
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Store are the customer store configs
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required,dive"`
	// NATS are the NATS bridge config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================

// MillisecondsToDuration convert config millisecond value to time.Duration
func MillisecondsToDuration(ms int) time.Duration {
	return time.Millisecond * time.Duration(ms)
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.endpoint_config.find_all_interval_ms", 1000)
	viper.SetDefault("server.endpoint_config.sse_keep_alive_sec", 15)
	viper.SetDefault("server.demo.length", 5)
	viper.SetDefault("server.demo.element_interval_ms", 1000)
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 8080)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Fluxcast-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default relay settings
	viper.SetDefault("relay.max_buffered_per_subscriber", 0)
	viper.SetDefault("relay.overflow_policy", OverflowDropOldest)
	viper.SetDefault("relay.stats_log_interval_sec", 60)

	// Default store settings
	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.find_all_batch_size", 100)
	viper.SetDefault("store.log_sql", false)
	viper.SetDefault("store.sqlite.path", "fluxcast.sqlite")

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "fluxcast.customer")
}
