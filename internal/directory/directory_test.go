package directory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "live/english.ts", ChannelFor("english"))
	assert.Equal(t, "live/abc123.ts", ChannelFor("abc123"))
}

func TestNewIncludesBuiltin(t *testing.T) {

	d, err := New(nil)
	require.NoError(t, err)

	assert.Equal(t, len(Builtin), d.Len())

	for _, name := range Builtin {
		c, err := d.Resolve(name)
		assert.NoError(t, err)
		assert.Equal(t, "live/"+name+".ts", c)
	}
}

func TestNewWithSecrets(t *testing.T) {

	d, err := New([]string{"s3cr3t", "other"})
	require.NoError(t, err)

	c, err := d.Resolve("s3cr3t")
	assert.NoError(t, err)
	assert.Equal(t, "live/s3cr3t.ts", c)

	c, err = d.Resolve("other")
	assert.NoError(t, err)
	assert.Equal(t, "live/other.ts", c)

	assert.Equal(t, len(Builtin)+2, d.Len())

	// a configured secret that duplicates a builtin is not counted twice
	d, err = New([]string{"english"})
	require.NoError(t, err)
	assert.Equal(t, len(Builtin), d.Len())
}

func TestResolveUnknown(t *testing.T) {

	d, err := New([]string{"known"})
	require.NoError(t, err)

	c, err := d.Resolve("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "", c)

	_, err = d.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)

	// channel identifiers are not secrets
	_, err = d.Resolve("live/known.ts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsBadSecrets(t *testing.T) {

	for _, s := range []string{"", "a/b", "a?b", "a#b", "a b", "a\n"} {
		_, err := New([]string{s})
		assert.ErrorIs(t, err, ErrInvalidSecret, "secret %q", s)
	}
}

func TestChannelsAndHas(t *testing.T) {

	d, err := New([]string{"zzz"})
	require.NoError(t, err)

	c := d.Channels()
	assert.Equal(t, d.Len(), len(c))
	assert.Equal(t, "live/bulgarian.ts", c[0])
	assert.Equal(t, "live/zzz.ts", c[len(c)-1])

	assert.True(t, d.Has("live/zzz.ts"))
	assert.True(t, d.Has("live/french.ts"))
	assert.False(t, d.Has("live/klingon.ts"))
}

func TestConcurrentResolve(t *testing.T) {

	d, err := New([]string{"a", "b"})
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c, err := d.Resolve("a")
				assert.NoError(t, err)
				assert.Equal(t, "live/a.ts", c)
			}
		}()
	}

	wg.Wait()
}
