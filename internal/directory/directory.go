// Package directory maps upload secrets to the channel they publish on
package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a secret has no channel
var ErrNotFound = errors.New("secret not found")

// ErrInvalidSecret is returned by New for secrets that cannot appear in an upload path
var ErrInvalidSecret = errors.New("invalid secret")

// Builtin lists the named channels that are always available, in addition to
// any configured secrets
var Builtin = []string{
	"english",
	"bulgarian",
	"czech",
	"french",
	"german",
	"hungarian",
	"italian",
	"polish",
	"portuguese",
	"russian",
	"spanish",
	"ukrainian",
}

// Directory is a read-only table of secret to channel. It is safe for
// concurrent use because nothing mutates it after New returns.
type Directory struct {
	channels map[string]string
}

// ChannelFor returns the channel identifier that uploads with this secret
// are broadcast on. Uploaders are provisioned against this convention.
func ChannelFor(secret string) string {
	return "live/" + secret + ".ts"
}

// New builds a Directory from the configured secrets followed by the Builtin list
func New(secrets []string) (*Directory, error) {

	d := &Directory{
		channels: make(map[string]string),
	}

	all := make([]string, 0, len(secrets)+len(Builtin))
	all = append(all, secrets...)
	all = append(all, Builtin...)

	for _, s := range all {
		if err := validate(s); err != nil {
			return nil, err
		}
		d.channels[s] = ChannelFor(s)
	}

	return d, nil
}

func validate(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSecret)
	}
	if strings.ContainsAny(secret, "/?# \t\r\n") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidSecret, secret)
	}
	return nil
}

// Resolve returns the channel for secret, or ErrNotFound
func (d *Directory) Resolve(secret string) (string, error) {
	if c, ok := d.channels[secret]; ok {
		return c, nil
	}
	return "", ErrNotFound
}

// Has reports whether any secret publishes to channel
func (d *Directory) Has(channel string) bool {
	for _, c := range d.channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Channels returns the sorted list of channels in the directory
func (d *Directory) Channels() []string {
	c := make([]string, 0, len(d.channels))
	for _, v := range d.channels {
		c = append(c, v)
	}
	sort.Strings(c)
	return c
}

// Len returns the number of secrets in the directory
func (d *Directory) Len() int {
	return len(d.channels)
}
