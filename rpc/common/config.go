package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// DefaultPort is the default port of the pathkvs line protocol.
const DefaultPort = 6314

// ServerConfig holds all configuration parameters for the pathkvs server.
type ServerConfig struct {
	// Endpoint is the TCP address the server listens on (e.g. ":6314")
	Endpoint string

	// Path is the database file
	Path string

	// MetricsEndpoint is the optional address of the Prometheus metrics
	// listener ("" = disabled)
	MetricsEndpoint string

	// TimeoutSecond is the per-command read/write deadline (0 = none;
	// interactive sessions stay connected while idle)
	TimeoutSecond int64

	// TCP socket tuning
	TCPNoDelay      bool
	TCPKeepAliveSec int
	ReadBufferSize  int
	WriteBufferSize int

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}

	addSection("Storage")
	addField("Database File", c.Path)

	addSection("Socket")
	addField("TCP NoDelay", strconv.FormatBool(c.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.WriteBufferSize))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters for pathkvs clients
// (shell, perf).
type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	return sb.String()
}
