/*
   chanstats calculates statistics for the chunks relayed on each channel
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package chanstats

import (
	"sort"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// ChanStats represents the statistics recorded for one channel
type ChanStats struct {
	mu sync.Mutex

	// FirstAt is when the first chunk arrived
	FirstAt time.Time

	// Last is when the most recent chunk arrived
	Last time.Time

	// Bytes is the chunk size
	Bytes *welford.Stats

	// Dt is the interval between chunks, in seconds
	Dt *welford.Stats

	// Audience is the number of subscribers each chunk was sent to
	Audience *welford.Stats
}

// Report represents the statistics for a channel in a form for marshalling
type Report struct {
	First    string       `json:"first"`
	Last     string       `json:"last"` //how long ago
	Bytes    WelfordStats `json:"bytes"`
	Dt       WelfordStats `json:"dt"`
	Audience WelfordStats `json:"audience"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}

// New returns a pointer to new ChanStats struct with statistics initialised
func New() *ChanStats {
	return &ChanStats{
		Bytes:    welford.New(),
		Dt:       welford.New(),
		Audience: welford.New(),
	}
}

// Add records a chunk of size bytes sent to audience subscribers at time t
func (c *ChanStats) Add(size, audience int, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FirstAt.IsZero() {
		c.FirstAt = t
	} else {
		c.Dt.Add(t.Sub(c.Last).Seconds())
	}

	c.Last = t
	c.Bytes.Add(float64(size))
	c.Audience.Add(float64(audience))
}

// Count returns the number of chunks recorded
func (c *ChanStats) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Bytes.Count()
}

// NewReport returns a report on the channel statistics, with times relative to now
func (c *ChanStats) NewReport(now time.Time) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Report{
		First:    "never",
		Last:     "never",
		Bytes:    *NewWelford(c.Bytes),
		Dt:       *NewWelford(c.Dt),
		Audience: *NewWelford(c.Audience),
	}

	if !c.FirstAt.IsZero() {
		r.First = c.FirstAt.UTC().Format(time.RFC3339)
		r.Last = now.Sub(c.Last).String()
	}

	return r
}

// NewWelford copies the values of a welford statistic
func NewWelford(w *welford.Stats) *WelfordStats {
	r := &WelfordStats{
		Count:    w.Count(),
		Min:      w.Min(),
		Max:      w.Max(),
		Mean:     w.Mean(),
		Stddev:   w.Stddev(),
		Variance: w.Variance(),
	}
	return r
}

// Store holds ChanStats for each channel, creating them as needed
type Store struct {
	mu    sync.RWMutex
	stats map[string]*ChanStats
}

// NewStore returns an empty Store
func NewStore() *Store {
	return &Store{
		stats: make(map[string]*ChanStats),
	}
}

// Get returns the stats for channel, creating them if needed
func (s *Store) Get(channel string) *ChanStats {

	s.mu.RLock()
	c, ok := s.stats[channel]
	s.mu.RUnlock()

	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok = s.stats[channel]; ok {
		return c
	}

	c = New()
	s.stats[channel] = c

	return c
}

// Lookup returns the stats for channel without creating them
func (s *Store) Lookup(channel string) (*ChanStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.stats[channel]
	return c, ok
}

// Channels returns the sorted list of channels with stats
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := make([]string, 0, len(s.stats))
	for k := range s.stats {
		c = append(c, k)
	}
	sort.Strings(c)
	return c
}
