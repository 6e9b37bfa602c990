package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/broadcast"
	"github.com/talosh/websocket-relay/internal/chanstats"
	"github.com/talosh/websocket-relay/internal/directory"
	"github.com/talosh/websocket-relay/internal/ingest"
	"github.com/talosh/websocket-relay/internal/metrics"
	"github.com/talosh/websocket-relay/internal/registry"
	"github.com/talosh/websocket-relay/internal/viewer"
)

// forbidden is the body sent with a 403 for an unknown upload secret
const forbidden = "Forbidden: wrong secret"

// Server holds the state shared by the upload and live handlers
type Server struct {
	config    Config
	directory *directory.Directory
	registry  *registry.Registry
	stats     *chanstats.Store
	gate      *ingest.Gate
	startedAt time.Time

	// mu orders viewers.Add before the Wait in CloseViewers
	mu      sync.Mutex
	closing bool
	viewers sync.WaitGroup
}

// ChannelReport describes one channel for the status API
type ChannelReport struct {
	Channel     string            `json:"channel"`
	Provisioned bool              `json:"provisioned"`
	Subscribers int               `json:"subscribers"`
	Stats       *chanstats.Report `json:"stats,omitempty"`
}

// Health is returned by the healthcheck
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	RSS        uint64 `json:"rss"`
	Channels   int    `json:"channels"`
	Viewers    int    `json:"viewers"`
}

// New builds the directory, registry, broadcaster and gate for config
func New(config Config) (*Server, error) {

	dir, err := directory.New(config.Secrets)

	if err != nil {
		return nil, err
	}

	if config.ChunkSize < 1 {
		config.ChunkSize = NewDefaultConfig().ChunkSize
	}

	reg := registry.New()
	stats := chanstats.NewStore()
	caster := broadcast.New(reg).WithStats(stats)

	return &Server{
		config:    config,
		directory: dir,
		registry:  reg,
		stats:     stats,
		gate:      ingest.New(dir, caster),
		startedAt: time.Now(),
	}, nil
}

// Router returns the routes served by the relay
func (s *Server) Router() *mux.Router {

	router := mux.NewRouter()

	router.HandleFunc("/upload/{secret}", s.handleUpload).Methods("POST", "PUT")
	router.HandleFunc(`/live/{name:[^/]+\.ts}`, s.handleLive).Methods("GET")
	router.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	router.HandleFunc("/api/channels", s.handleChannels).Methods("GET")
	router.HandleFunc(`/api/channels/{name:[^/]+\.ts}`, s.handleChannel).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	return router
}

// handleUpload broadcasts each read from the body as one chunk
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {

	secret := mux.Vars(r)["secret"]

	session := s.gate.NewSession(secret)

	var body io.Reader = r.Body

	if s.config.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	}

	buf := make([]byte, s.config.ChunkSize)

	for {
		n, err := body.Read(buf)

		if n > 0 {
			if _, werr := session.Write(buf[:n]); werr != nil {
				uploadError(w, werr)
				return
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {

			// the secret is still checked if nothing was read
			if cerr := session.Close(); errors.Is(cerr, ingest.ErrForbidden) {
				uploadError(w, cerr)
				return
			}

			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				log.WithFields(log.Fields{"channel": session.Channel(), "limit": tooLarge.Limit}).Warn("Upload exceeded maximum body size")
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}

			// uploader went away; nobody is left to answer
			log.WithFields(log.Fields{"channel": session.Channel(), "error": err.Error()}).Info("Upload stream interrupted")
			return
		}
	}

	if err := session.Close(); err != nil {
		uploadError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func uploadError(w http.ResponseWriter, err error) {

	if errors.Is(err, ingest.ErrForbidden) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(forbidden))
		return
	}

	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// handleLive upgrades a viewer and subscribes it to its channel until it closes
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {

	channel := "live/" + mux.Vars(r)["name"]

	if s.isClosing() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ws, err := viewer.Upgrade(w, r)

	if err != nil {
		log.WithField("error", err).Error("Failed upgrading to websocket connection in handleLive")
		return
	}

	// viewers choose the name, so unprovisioned channels share one series
	label := channel

	if !s.directory.Has(channel) {
		label = "other"
	}

	subscribers := metrics.SubscribersCurrent.WithLabelValues(label)

	c := viewer.New(ws, s.config.Viewer, func(c *viewer.Conn) {
		s.registry.Leave(channel, c)
		subscribers.Dec()
		log.WithFields(log.Fields{"channel": channel, "id": c.ID()}).Info("Viewer left")
	})

	c.UserAgent = r.UserAgent()
	c.RemoteAddr = r.Header.Get("X-Forwarded-For")

	if c.RemoteAddr == "" {
		c.RemoteAddr = r.RemoteAddr
	}

	subscribers.Inc()

	if err := s.registry.Join(channel, c); err != nil {
		log.WithFields(log.Fields{"channel": channel, "error": err.Error()}).Error("Failed joining viewer to channel")
		c.Close()
		return
	}

	log.WithFields(log.Fields{"channel": channel, "id": c.ID(), "remoteAddr": c.RemoteAddr, "userAgent": c.UserAgent}).Info("Viewer joined")

	s.mu.Lock()

	// catch a viewer that joined while we were shutting down
	if s.closing {
		s.mu.Unlock()
		c.Shutdown("relay stopping")
		return
	}

	s.viewers.Add(1)

	s.mu.Unlock()

	c.Run()

	go func() {
		c.Wait()
		s.viewers.Done()
	}()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {

	h := Health{
		Status:     "ok",
		Version:    s.config.Version,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Channels:   len(s.registry.Channels()),
		Viewers:    s.viewerCount(),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			h.RSS = mem.RSS
		}
	}

	writeJSON(w, h)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {

	now := time.Now()

	reports := []ChannelReport{}

	for _, channel := range s.channels() {
		reports = append(reports, s.report(channel, now))
	}

	writeJSON(w, reports)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {

	channel := "live/" + mux.Vars(r)["name"]

	for _, c := range s.channels() {
		if c == channel {
			writeJSON(w, s.report(channel, time.Now()))
			return
		}
	}

	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}

// channels returns every channel that is provisioned, watched or has had uploads
func (s *Server) channels() []string {

	seen := make(map[string]bool)

	for _, list := range [][]string{s.directory.Channels(), s.registry.Channels(), s.stats.Channels()} {
		for _, c := range list {
			seen[c] = true
		}
	}

	channels := make([]string, 0, len(seen))
	for c := range seen {
		channels = append(channels, c)
	}

	sort.Strings(channels)

	return channels
}

func (s *Server) report(channel string, now time.Time) ChannelReport {

	r := ChannelReport{
		Channel:     channel,
		Provisioned: s.directory.Has(channel),
		Subscribers: s.registry.Count(channel),
	}

	if cs, ok := s.stats.Lookup(channel); ok {
		r.Stats = cs.NewReport(now)
	}

	return r
}

func (s *Server) viewerCount() int {
	n := 0
	for _, c := range s.registry.Channels() {
		n += s.registry.Count(c)
	}
	return n
}

// CloseViewers sends a going-away close to every viewer and waits for
// their connections to finish. Each close removes the viewer from its channel.
func (s *Server) CloseViewers(reason string) {

	// no viewer is added after this, and any already added has joined
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for _, channel := range s.registry.Channels() {
		for _, sub := range s.registry.Snapshot(channel) {
			if c, ok := sub.(*viewer.Conn); ok {
				c.Shutdown(reason)
			}
		}
	}

	s.viewers.Wait()
}

func writeJSON(w http.ResponseWriter, v interface{}) {

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err.Error()).Error("Failed encoding JSON response")
	}
}
