// Package gpodder talks to a gpodder.net-compatible sync service. The
// client tracks two independent progress cursors, one for subscription
// changes and one for episode actions, so a future sync pass can resume
// from whatever the server last reported.
package gpodder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// ErrLogin means the server rejected our credentials; the sync pass is
// aborted without advancing either cursor.
var ErrLogin = errors.New("gpodder login failed")

// ErrRemote wraps transport failures and non-2xx responses that survived
// the retry budget.
var ErrRemote = errors.New("gpodder request failed")

// Action is the kind of an episode action on the wire.
type Action string

const (
	ActionNew      Action = "new"
	ActionDownload Action = "download"
	ActionPlay     Action = "play"
	ActionDelete   Action = "delete"
)

// EpisodeAction is one remote episode event. Timestamps are unix seconds
// in memory and RFC 3339 on the wire. Started, Position, and Total are in
// seconds and only meaningful for play actions.
type EpisodeAction struct {
	Podcast   string
	Episode   string
	Action    Action
	Timestamp int64
	Started   *int64
	Position  *int64
	Total     *int64
}

type episodeActionWire struct {
	Podcast   string `json:"podcast"`
	Episode   string `json:"episode"`
	Action    Action `json:"action"`
	Timestamp string `json:"timestamp"`
	Started   *int64 `json:"started,omitempty"`
	Position  *int64 `json:"position,omitempty"`
	Total     *int64 `json:"total,omitempty"`
}

// MarshalJSON renders the timestamp as RFC 3339 UTC, the format the
// gpodder API expects.
func (a EpisodeAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(episodeActionWire{
		Podcast:   a.Podcast,
		Episode:   a.Episode,
		Action:    a.Action,
		Timestamp: time.Unix(a.Timestamp, 0).UTC().Format(time.RFC3339),
		Started:   a.Started,
		Position:  a.Position,
		Total:     a.Total,
	})
}

// UnmarshalJSON accepts RFC 3339 timestamps, with or without an offset.
func (a *EpisodeAction) UnmarshalJSON(data []byte) error {
	var wire episodeActionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	a.Podcast = wire.Podcast
	a.Episode = wire.Episode
	a.Action = wire.Action
	a.Started = wire.Started
	a.Position = wire.Position
	a.Total = wire.Total
	if wire.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, wire.Timestamp)
		if err != nil {
			// some servers omit the offset
			t, err = time.Parse("2006-01-02T15:04:05", wire.Timestamp)
			if err != nil {
				return fmt.Errorf("parsing action timestamp %q: %w", wire.Timestamp, err)
			}
		}
		a.Timestamp = t.Unix()
	}
	return nil
}

// Config holds the connection settings for the sync service.
type Config struct {
	Server     string
	Username   string
	Password   string
	DeviceID   string
	MaxRetries int
}

type device struct {
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	Type          string `json:"type"`
	Subscriptions int    `json:"subscriptions"`
}

type subscriptionChanges struct {
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp int64    `json:"timestamp"`
}

type actionChanges struct {
	Actions   []EpisodeAction `json:"actions"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a gpodder API client. It is driven from the single Runner
// goroutine; the cursor mutex exists so Timestamp can be read from the
// controller side while a pass is in flight.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger

	mu           sync.Mutex
	subsCursor   int64
	actsCursor   int64
	loggedIn     bool
	bootstrapped bool
}

// New creates a client whose two cursors start at timestamp, typically the
// persisted value from the previous run (0 on first use).
func New(cfg Config, timestamp int64, logger *log.Logger) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:     logger,
		subsCursor: timestamp,
		actsCursor: timestamp,
	}
}

// Timestamp returns the value safe to persist as "last sync": the minimum
// of the two cursors, so a resume never skips an update only one stream
// observed.
func (c *Client) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subsCursor < c.actsCursor {
		return c.subsCursor
	}
	return c.actsCursor
}

// requireLogin performs the one-shot login and device bootstrap. Once a
// login has succeeded it is cached for the lifetime of the client.
func (c *Client) requireLogin() error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if loggedIn {
		return nil
	}

	loginURL := fmt.Sprintf("%s/api/2/auth/%s/login.json", c.cfg.Server, c.cfg.Username)
	if _, err := c.do(http.MethodPost, loginURL, nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}

	c.mu.Lock()
	c.loggedIn = true
	bootstrapped := c.bootstrapped
	c.mu.Unlock()

	if !bootstrapped {
		if err := c.ensureDevice(); err != nil {
			c.logger.Warn("device bootstrap failed", "err", err)
		} else {
			c.mu.Lock()
			c.bootstrapped = true
			c.mu.Unlock()
		}
	}
	return nil
}

// ensureDevice registers this device id with the server if it is not
// already known.
func (c *Client) ensureDevice() error {
	listURL := fmt.Sprintf("%s/api/2/devices/%s.json", c.cfg.Server, c.cfg.Username)
	body, err := c.do(http.MethodGet, listURL, nil, nil)
	if err != nil {
		return err
	}
	var devices []device
	if err := json.Unmarshal(body, &devices); err != nil {
		return fmt.Errorf("parsing device list: %w", err)
	}
	for _, dev := range devices {
		if dev.ID == c.cfg.DeviceID {
			c.logger.Info("using sync device", "id", dev.ID, "type", dev.Type, "subscriptions", dev.Subscriptions)
			return nil
		}
	}

	registerURL := fmt.Sprintf("%s/api/2/devices/%s/%s.json", c.cfg.Server, c.cfg.Username, c.cfg.DeviceID)
	payload, _ := json.Marshal(map[string]string{"caption": "castkeep", "type": "laptop"})
	if _, err := c.do(http.MethodPost, registerURL, payload, nil); err != nil {
		return err
	}
	c.logger.Info("registered sync device", "id", c.cfg.DeviceID)
	return nil
}

// GetSubscriptionChanges returns the subscription urls added and removed
// remotely since the subscriptions cursor. A first call (cursor 0)
// requests the full subscription list instead of a delta. On success the
// cursor advances past the server's reported timestamp.
func (c *Client) GetSubscriptionChanges() (added, removed []string, err error) {
	if err := c.requireLogin(); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	since := c.subsCursor
	c.mu.Unlock()

	if since == 0 {
		all, ts, err := c.getAllSubscriptions()
		if err != nil {
			return nil, nil, err
		}
		c.mu.Lock()
		c.subsCursor = ts + 1
		c.mu.Unlock()
		return all, nil, nil
	}

	changesURL := fmt.Sprintf("%s/api/2/subscriptions/%s/%s.json", c.cfg.Server, c.cfg.Username, c.cfg.DeviceID)
	body, err := c.do(http.MethodGet, changesURL, nil, url.Values{"since": {strconv.FormatInt(since, 10)}})
	if err != nil {
		return nil, nil, err
	}
	var changes subscriptionChanges
	if err := json.Unmarshal(body, &changes); err != nil {
		return nil, nil, fmt.Errorf("parsing subscription changes: %w", err)
	}

	c.mu.Lock()
	c.subsCursor = changes.Timestamp + 1
	c.mu.Unlock()
	return changes.Add, changes.Remove, nil
}

// getAllSubscriptions fetches the full subscription list, used on the
// first pass. The server does not return a timestamp here, so "now" seeds
// the cursor.
func (c *Client) getAllSubscriptions() ([]string, int64, error) {
	allURL := fmt.Sprintf("%s/subscriptions/%s.json", c.cfg.Server, c.cfg.Username)
	body, err := c.do(http.MethodGet, allURL, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	var subs []string
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, 0, fmt.Errorf("parsing subscriptions: %w", err)
	}
	return subs, time.Now().Unix(), nil
}

// GetEpisodeActionChanges returns the remote episode actions since the
// actions cursor, advancing it past the server's reported timestamp.
func (c *Client) GetEpisodeActionChanges() ([]EpisodeAction, error) {
	if err := c.requireLogin(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	since := c.actsCursor
	c.mu.Unlock()

	actionsURL := fmt.Sprintf("%s/api/2/episodes/%s.json", c.cfg.Server, c.cfg.Username)
	body, err := c.do(http.MethodGet, actionsURL, nil, url.Values{"since": {strconv.FormatInt(since, 10)}})
	if err != nil {
		return nil, err
	}
	var changes actionChanges
	if err := json.Unmarshal(body, &changes); err != nil {
		return nil, fmt.Errorf("parsing episode actions: %w", err)
	}

	c.mu.Lock()
	c.actsCursor = changes.Timestamp + 1
	c.mu.Unlock()
	return changes.Actions, nil
}

// UploadSubscriptionChanges reports locally added and removed
// subscription urls to the server.
func (c *Client) UploadSubscriptionChanges(added, removed []string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}

	uploadURL := fmt.Sprintf("%s/api/2/subscriptions/%s/%s.json", c.cfg.Server, c.cfg.Username, c.cfg.DeviceID)
	payload, err := json.Marshal(map[string][]string{"add": added, "remove": removed})
	if err != nil {
		return fmt.Errorf("encoding subscription changes: %w", err)
	}
	if _, err := c.do(http.MethodPost, uploadURL, payload, nil); err != nil {
		return err
	}
	c.logger.Info("uploaded subscription changes", "added", len(added), "removed", len(removed))
	return nil
}

// AddPodcast reports one locally added subscription.
func (c *Client) AddPodcast(url string) error {
	return c.UploadSubscriptionChanges([]string{url}, nil)
}

// RemovePodcast reports one locally removed subscription.
func (c *Client) RemovePodcast(url string) error {
	return c.UploadSubscriptionChanges(nil, []string{url})
}

// PlayedEpisode is one entry in a MarkPlayedBatch call. Position and Total
// are in seconds.
type PlayedEpisode struct {
	PodcastURL string
	EpisodeURL string
	Position   int64
	Total      int64
}

// MarkPlayed posts one play-position action for an episode.
func (c *Client) MarkPlayed(podcastURL, episodeURL string, position, total int64) error {
	return c.MarkPlayedBatch([]PlayedEpisode{{
		PodcastURL: podcastURL,
		EpisodeURL: episodeURL,
		Position:   position,
		Total:      total,
	}})
}

// MarkPlayedBatch posts play-position actions for a batch of episodes.
// Entries without a known total are skipped, since the server cannot
// interpret a position without one.
func (c *Client) MarkPlayedBatch(episodes []PlayedEpisode) error {
	if err := c.requireLogin(); err != nil {
		return err
	}

	now := time.Now().Unix()
	started := int64(0)
	actions := make([]EpisodeAction, 0, len(episodes))
	for _, ep := range episodes {
		if ep.Total <= 0 {
			continue
		}
		ep := ep
		actions = append(actions, EpisodeAction{
			Podcast:   ep.PodcastURL,
			Episode:   ep.EpisodeURL,
			Action:    ActionPlay,
			Timestamp: now,
			Started:   &started,
			Position:  &ep.Position,
			Total:     &ep.Total,
		})
	}
	if len(actions) == 0 {
		return nil
	}

	uploadURL := fmt.Sprintf("%s/api/2/episodes/%s/%s.json", c.cfg.Server, c.cfg.Username, c.cfg.DeviceID)
	payload, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encoding episode actions: %w", err)
	}
	if _, err := c.do(http.MethodPost, uploadURL, payload, nil); err != nil {
		return err
	}
	c.logger.Info("uploaded play actions", "count", len(actions))
	return nil
}

// do executes one request with basic auth, retrying transport failures and
// non-2xx responses up to the configured budget.
func (c *Client) do(method, rawURL string, body []byte, params url.Values) ([]byte, error) {
	full := rawURL
	if len(params) > 0 {
		full = rawURL + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRemote, err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, full, reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRemote, err)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrRemote, method, rawURL, lastErr)
}
