package relay

import (
	"github.com/jinzhu/copier"
	"github.com/talosh/websocket-relay/internal/viewer"
)

// Config represents configuration options for a relay instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the listening port
	Listen int

	// Secrets are the upload secrets in addition to the built-in channels
	Secrets []string

	// ChunkSize is the largest read from an upload body that is broadcast as one message
	ChunkSize int

	// MaxBodySize caps an upload's body in bytes; 0 means no limit
	MaxBodySize int64

	// MaxConnections caps concurrent TCP connections; 0 means no limit
	MaxConnections int

	// Viewer holds the websocket timings and per-viewer queue length
	Viewer viewer.Config

	// Version is reported by the healthcheck
	Version string
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Listen:      8888,
		ChunkSize:   64 * 1024,
		MaxBodySize: 1024 * 1024 * 1024,
		Viewer:      viewer.DefaultConfig(),
		Version:     "dev",
	}
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithSecrets specifies the upload secrets
func (c *Config) WithSecrets(secrets []string) *Config {
	c.Secrets = secrets
	return c
}

// WithChunkSize specifies the largest chunk read from an upload
func (c *Config) WithChunkSize(size int) *Config {
	c.ChunkSize = size
	return c
}

// WithMaxBodySize specifies the upload size limit
func (c *Config) WithMaxBodySize(size int64) *Config {
	c.MaxBodySize = size
	return c
}

// WithMaxConnections specifies the connection limit
func (c *Config) WithMaxConnections(n int) *Config {
	c.MaxConnections = n
	return c
}

// WithSendBuffer specifies how many chunks are queued per viewer
func (c *Config) WithSendBuffer(n int) *Config {
	c.Viewer.SendBuffer = n
	return c
}

// Redacted returns a deep copy that is safe to log, with each secret
// replaced by its first and last characters
func (c Config) Redacted() (Config, error) {

	var r Config

	err := copier.CopyWithOption(&r, &c, copier.Option{DeepCopy: true})

	if err != nil {
		return Config{}, err
	}

	for i, s := range r.Secrets {
		r.Secrets[i] = redact(s)
	}

	return r, nil
}

func redact(s string) string {
	if len(s) < 6 {
		return "***"
	}
	return s[:1] + "***" + s[len(s)-1:]
}
