package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSub struct {
	id string
}

func (s *testSub) ID() string { return s.id }

func (s *testSub) Send(data []byte) error { return nil }

func ids(subs []Subscriber) []string {
	s := []string{}
	for _, sub := range subs {
		s = append(s, sub.ID())
	}
	return s
}

func TestJoinLeave(t *testing.T) {

	r := New()
	a := &testSub{"a"}
	b := &testSub{"b"}

	require.NoError(t, r.Join("live/french.ts", a))
	require.NoError(t, r.Join("live/french.ts", b))

	assert.Equal(t, 2, r.Count("live/french.ts"))
	assert.ElementsMatch(t, []string{"a", "b"}, ids(r.Snapshot("live/french.ts")))

	r.Leave("live/french.ts", a)

	assert.Equal(t, 1, r.Count("live/french.ts"))
	assert.Equal(t, []string{"b"}, ids(r.Snapshot("live/french.ts")))
}

func TestJoinTwiceSameChannel(t *testing.T) {

	r := New()
	a := &testSub{"a"}

	assert.NoError(t, r.Join("live/english.ts", a))
	assert.NoError(t, r.Join("live/english.ts", a))

	assert.Equal(t, 1, r.Count("live/english.ts"))
}

func TestJoinSecondChannelRejected(t *testing.T) {

	r := New()
	a := &testSub{"a"}

	assert.NoError(t, r.Join("live/english.ts", a))
	assert.ErrorIs(t, r.Join("live/german.ts", a), ErrAlreadyJoined)

	assert.Equal(t, 0, r.Count("live/german.ts"))

	// after leaving, the subscriber may join elsewhere
	r.Leave("live/english.ts", a)
	assert.NoError(t, r.Join("live/german.ts", a))
	assert.Equal(t, 1, r.Count("live/german.ts"))
}

func TestJoinNoID(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Join("live/english.ts", &testSub{}), ErrNoID)
}

func TestLeaveIdempotent(t *testing.T) {

	r := New()
	a := &testSub{"a"}

	// never joined, channel never existed
	assert.NotPanics(t, func() { r.Leave("live/german.ts", a) })

	require.NoError(t, r.Join("live/german.ts", a))
	r.Leave("live/german.ts", a)
	r.Leave("live/german.ts", a)

	assert.Equal(t, 0, r.Count("live/german.ts"))

	// leaving the wrong channel does not disturb membership
	require.NoError(t, r.Join("live/german.ts", a))
	r.Leave("live/french.ts", a)
	assert.Equal(t, 1, r.Count("live/german.ts"))
	assert.ErrorIs(t, r.Join("live/french.ts", a), ErrAlreadyJoined)
}

func TestSnapshotUnknownChannel(t *testing.T) {
	r := New()
	assert.Nil(t, r.Snapshot("live/german.ts"))
	assert.Equal(t, 0, r.Count("live/german.ts"))
	assert.Empty(t, r.Channels())
}

func TestSnapshotIsACopy(t *testing.T) {

	r := New()
	a := &testSub{"a"}
	b := &testSub{"b"}

	require.NoError(t, r.Join("live/english.ts", a))

	snap := r.Snapshot("live/english.ts")

	require.NoError(t, r.Join("live/english.ts", b))
	r.Leave("live/english.ts", a)

	assert.Equal(t, []string{"a"}, ids(snap))
	assert.Equal(t, []string{"b"}, ids(r.Snapshot("live/english.ts")))
}

func TestChannelsKeepsEmptyEntries(t *testing.T) {

	r := New()
	a := &testSub{"a"}

	require.NoError(t, r.Join("live/polish.ts", a))
	r.Leave("live/polish.ts", a)

	assert.Equal(t, []string{"live/polish.ts"}, r.Channels())
	assert.Equal(t, 0, len(r.Snapshot("live/polish.ts")))
}

func TestConcurrentJoinLeaveSnapshot(t *testing.T) {

	r := New()

	channels := []string{"live/a.ts", "live/b.ts", "live/c.ts"}

	var wg sync.WaitGroup

	n := 100

	// keepers join and stay
	for i := 0; i < n; i++ {
		for _, c := range channels {
			wg.Add(1)
			go func(i int, c string) {
				defer wg.Done()
				assert.NoError(t, r.Join(c, &testSub{fmt.Sprintf("%s-keep-%d", c, i)}))
			}(i, c)
		}
	}

	// churners join and leave
	for i := 0; i < n; i++ {
		for _, c := range channels {
			wg.Add(1)
			go func(i int, c string) {
				defer wg.Done()
				s := &testSub{fmt.Sprintf("%s-churn-%d", c, i)}
				assert.NoError(t, r.Join(c, s))
				r.Leave(c, s)
			}(i, c)
		}
	}

	// readers snapshot while membership changes
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range channels {
				for _, s := range r.Snapshot(c) {
					assert.NotEmpty(t, s.ID())
				}
			}
		}()
	}

	wg.Wait()

	for _, c := range channels {
		assert.Equal(t, n, r.Count(c), c)
	}
}
