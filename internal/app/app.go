// Package app hosts the controller goroutine. It is the only structural
// writer of the shared catalogs: workers and the front-end post messages
// to its inbox, the controller applies them one at a time, and the
// database is updated before the in-memory state so the two never
// diverge.
package app

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/csams/castkeep/internal/config"
	"github.com/csams/castkeep/internal/db"
	"github.com/csams/castkeep/internal/download"
	"github.com/csams/castkeep/internal/feed"
	"github.com/csams/castkeep/internal/gpodder"
	"github.com/csams/castkeep/internal/models"
	"github.com/csams/castkeep/internal/player"
	"github.com/csams/castkeep/internal/pool"
)

// SyncTimestampKey is the params key under which the last successful
// remote sync timestamp is persisted.
const SyncTimestampKey = "last_sync_timestamp"

// Store is the persistence surface the controller needs. *db.DB satisfies
// it; tests substitute a fake.
type Store interface {
	GetPodcasts() ([]*models.Podcast, error)
	GetEpisodes(podID int64) ([]*models.Episode, error)
	InsertPodcast(record models.PodcastRecord) (db.SyncResult, error)
	UpdatePodcast(podID int64, record models.PodcastRecord) (db.SyncResult, error)
	RemovePodcast(podID int64) error
	InsertFile(episodeID int64, path string) error
	RemoveFile(episodeID int64) error
	SetPlayedStatus(episodeID, position, duration int64, played bool) error
	SetPlayedStatusBatch(updates []db.PlayedUpdate) error
	GetQueue() ([]int64, error)
	SetQueue(episodeIDs []int64) error
	GetParam(key string) (string, error)
	SetParam(key, value string) error
}

// Playback is the playback surface the controller drives.
type Playback interface {
	Play(target string, resumeAt int64)
	PlayPause()
	Seek(delta int64)
	Status() player.Status
}

// Syncer submits remote sync requests; nil when sync is disabled.
type Syncer interface {
	Submit(req gpodder.Request)
}

// App is the controller. Catalogs are shared with the front-end for
// reading; all structural changes go through the inbox.
type App struct {
	cfg      config.Config
	store    Store
	playback Playback
	syncer   Syncer
	pool     *pool.Pool
	notify   func(Notification)
	logger   *log.Logger

	inbox chan any

	Podcasts *models.Catalog[*models.Podcast]
	Queue    *models.Catalog[*models.Episode]
	Unplayed *models.Catalog[*models.Episode]

	filters       models.Filters
	filterLimiter *rate.Limiter
	prober        download.Prober

	inFlight map[int64]struct{} // episode ids being downloaded

	// feed refresh pass bookkeeping
	syncRemaining int
	syncNew       int
	syncUpdated   int
	syncFailures  int

	playing struct {
		active bool
		podID  int64
		epID   int64
	}
}

// New loads the catalogs from the store and wires the controller's
// collaborators. Call Run to start processing.
func New(cfg config.Config, store Store, playback Playback, syncer Syncer, notify func(Notification), logger *log.Logger) (*App, error) {
	a := &App{
		cfg:           cfg,
		store:         store,
		playback:      playback,
		syncer:        syncer,
		pool:          pool.New(cfg.SimultaneousDownloads),
		notify:        notify,
		logger:        logger,
		inbox:         make(chan any, 256),
		Podcasts:      models.NewCatalog[*models.Podcast](),
		Queue:         models.NewCatalog[*models.Episode](),
		Unplayed:      models.NewCatalog[*models.Episode](),
		filterLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		prober:        player.Probe,
		inFlight:      make(map[int64]struct{}),
	}
	if a.notify == nil {
		a.notify = func(Notification) {}
	}

	pods, err := store.GetPodcasts()
	if err != nil {
		return nil, fmt.Errorf("loading podcasts: %w", err)
	}
	a.Podcasts.ReplaceAll(pods)

	queued, err := store.GetQueue()
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	for _, epID := range queued {
		if h, ok := a.findEpisodeAnywhere(epID); ok {
			a.Queue.InsertHandle(h)
		}
	}

	a.updateUnplayed()
	return a, nil
}

// Post delivers a message to the controller inbox. Safe to call from any
// goroutine.
func (a *App) Post(msg any) {
	a.inbox <- msg
}

// Run processes messages until a Quit arrives. Playback status is sampled
// between messages roughly once a second.
func (a *App) Run() {
	if a.cfg.Sync.SyncOnStart {
		a.Post(SyncAll{})
		if a.syncer != nil {
			a.Post(SyncRemote{})
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.inbox:
			if _, quit := msg.(Quit); quit {
				a.pool.Stop()
				return
			}
			a.handle(msg)
		case <-ticker.C:
			a.tickPlayback()
		}
	}
}

func (a *App) handle(msg any) {
	switch m := msg.(type) {
	case AddFeed:
		a.addFeed(m.URL)
	case Sync:
		a.syncPodcast(m.PodID)
	case SyncAll:
		a.syncAll()
	case SyncRemote:
		a.syncRemote()

	case feed.NewData:
		a.feedNew(m)
	case feed.SyncData:
		a.feedSynced(m)
	case feed.Error:
		a.feedFailed(m)

	case Play:
		a.play(m.PodID, m.EpID)
	case PlayPause:
		a.playback.PlayPause()
	case SeekBy:
		a.playback.Seek(m.Delta)

	case MarkPlayed:
		a.markPlayed(m.PodID, m.EpID, m.Played, true)
	case MarkAllPlayed:
		a.markAllPlayed(m.PodID, m.Played)
	case UpdatePosition:
		a.updatePosition(m.PodID, m.EpID, m.Position)

	case Download:
		a.download(m.PodID, []int64{m.EpID})
	case DownloadAll:
		a.downloadAll(m.PodID)
	case download.Complete:
		a.downloadComplete(m)
	case download.ResponseError:
		a.downloadFailed(m.Episode, "no response from server")
	case download.FileCreateError:
		a.downloadFailed(m.Episode, "could not create file")
	case download.FileWriteError:
		a.downloadFailed(m.Episode, "could not write file")

	case Delete:
		a.deleteFile(m.PodID, m.EpID)
	case DeleteAll:
		a.deleteAllFiles(m.PodID)
	case RemovePodcast:
		a.removePodcast(m.PodID, m.DeleteFiles, true)

	case FilterChange:
		a.cycleFilter(m.Type)

	case QueuePush:
		a.queuePush(m.PodID, m.EpID)
	case QueueRemove:
		a.queueRemove(m.EpID)

	case gpodder.Changes:
		a.mergeRemote(m)
	case gpodder.Error:
		a.logger.Warn("remote sync failed", "err", m.Err)
		a.notify(Notification{Text: "Remote sync failed", Error: true})

	default:
		a.logger.Warn("unhandled message", "type", fmt.Sprintf("%T", msg))
	}
}

// ---- feed refresh ----

func (a *App) addFeed(url string) {
	a.notify(Notification{Text: "Fetching feed...", Persistent: true})
	feed.Check(feed.Feed{URL: url}, a.cfg.MaxRetries, a.pool, a.Post)
}

func (a *App) syncPodcast(podID int64) {
	f, ok := models.MapSingle(a.Podcasts, podID, func(p *models.Podcast) feed.Feed {
		return feed.Feed{ID: p.ID, URL: p.URL, Title: p.Title}
	})
	if !ok {
		return
	}
	a.syncRemaining++
	a.updateTracker()
	feed.Check(f, a.cfg.MaxRetries, a.pool, a.Post)
}

func (a *App) syncAll() {
	feeds := models.Map(a.Podcasts, false, func(p *models.Podcast) feed.Feed {
		return feed.Feed{ID: p.ID, URL: p.URL, Title: p.Title}
	})
	if len(feeds) == 0 {
		return
	}
	a.syncRemaining += len(feeds)
	a.updateTracker()
	for _, f := range feeds {
		feed.Check(f, a.cfg.MaxRetries, a.pool, a.Post)
	}
}

func (a *App) feedNew(m feed.NewData) {
	result, err := a.store.InsertPodcast(m.Podcast)
	if err != nil {
		a.logger.Error("storing new podcast", "url", m.Podcast.URL, "err", err)
		a.notify(Notification{Text: "Could not add feed", Error: true})
		return
	}

	pods, err := a.store.GetPodcasts()
	if err != nil {
		a.logger.Error("reloading podcasts", "err", err)
		return
	}
	a.Podcasts.ReplaceAll(pods)
	a.rebuildQueue()
	a.updateUnplayed()
	a.applyFilters()

	a.notify(Notification{Text: fmt.Sprintf("Added %s (%d episodes)", m.Podcast.Title, len(result.Added))})
	if a.syncer != nil {
		a.syncer.Submit(gpodder.Request{Subscribe: m.Podcast.URL})
	}
}

func (a *App) feedSynced(m feed.SyncData) {
	result, err := a.store.UpdatePodcast(m.PodID, m.Podcast)
	if err != nil {
		a.logger.Error("updating podcast", "id", m.PodID, "err", err)
		a.trackSyncResult(0, 0, true)
		return
	}

	// refresh the in-memory podcast without disturbing other entries
	if h, ok := a.Podcasts.Get(m.PodID); ok {
		episodes, err := a.store.GetEpisodes(m.PodID)
		if err != nil {
			a.logger.Error("reloading episodes", "id", m.PodID, "err", err)
			a.trackSyncResult(0, 0, true)
			return
		}
		h.Update(func(p *models.Podcast) {
			p.Title = m.Podcast.Title
			p.Description = m.Podcast.Description
			p.Author = m.Podcast.Author
			p.Explicit = m.Podcast.Explicit
			p.LastChecked = m.Podcast.LastChecked
			p.Episodes.ReplaceAll(episodes)
		})
	}
	a.rebuildQueue()
	a.updateUnplayed()
	a.applyFilters()
	a.trackSyncResult(len(result.Added), len(result.Updated), false)
}

func (a *App) feedFailed(m feed.Error) {
	if m.Feed.ID == 0 {
		a.notify(Notification{Text: fmt.Sprintf("Could not fetch %s", m.Feed.URL), Error: true})
		return
	}
	a.logger.Warn("feed refresh failed", "title", m.Feed.Title, "url", m.Feed.URL)
	a.trackSyncResult(0, 0, true)
}

// trackSyncResult accumulates refresh outcomes and emits one summary when
// the whole pass has finished.
func (a *App) trackSyncResult(added, updated int, failed bool) {
	if a.syncRemaining == 0 {
		return
	}
	a.syncNew += added
	a.syncUpdated += updated
	if failed {
		a.syncFailures++
	}
	a.syncRemaining--
	a.updateTracker()
	if a.syncRemaining > 0 {
		return
	}

	text := fmt.Sprintf("Sync complete: %d new, %d updated", a.syncNew, a.syncUpdated)
	if a.syncFailures > 0 {
		text = fmt.Sprintf("%s (%d feeds failed)", text, a.syncFailures)
	}
	a.notify(Notification{Text: text, Error: a.syncFailures > 0})
	a.syncNew, a.syncUpdated, a.syncFailures = 0, 0, 0

	// a completed local pass is the natural moment to reconcile remotely
	if a.syncer != nil {
		a.syncRemote()
	}
}

// updateTracker refreshes the persistent progress line from the counts of
// feeds being refreshed and episodes being downloaded, and clears it once
// both reach zero.
func (a *App) updateTracker() {
	syncing := a.syncRemaining
	downloading := len(a.inFlight)
	switch {
	case syncing > 0 && downloading > 0:
		a.notify(Notification{Text: fmt.Sprintf("Syncing %d feeds, downloading %d episodes...", syncing, downloading), Persistent: true})
	case syncing > 0:
		a.notify(Notification{Text: fmt.Sprintf("Syncing %d feeds...", syncing), Persistent: true})
	case downloading > 0:
		a.notify(Notification{Text: fmt.Sprintf("Downloading %d episodes...", downloading), Persistent: true})
	default:
		a.notify(Notification{Persistent: true, Clear: true})
	}
}

// ---- remote sync ----

func (a *App) syncRemote() {
	if a.syncer == nil {
		a.notify(Notification{Text: "Remote sync is not configured", Error: true})
		return
	}
	a.syncer.Submit(gpodder.Request{FetchChanges: true})
}

// mergeRemote applies one remote delta: new subscriptions are fetched,
// removed ones dropped, and play actions folded into local state with
// last-write-wins per episode.
func (a *App) mergeRemote(m gpodder.Changes) {
	known := make(map[string]int64)
	for _, pair := range models.Map(a.Podcasts, false, func(p *models.Podcast) [2]any {
		return [2]any{p.URL, p.ID}
	}) {
		known[pair[0].(string)] = pair[1].(int64)
	}

	// remote urls can lag behind a feed's redirects, so an unmatched url
	// is resolved to its final location before giving up on it
	lookup := func(url string) (int64, bool) {
		if id, ok := known[url]; ok {
			return id, true
		}
		id, ok := known[feed.ResolveRedirect(url)]
		return id, ok
	}

	for _, url := range m.Added {
		if _, ok := lookup(url); !ok {
			feed.Check(feed.Feed{URL: url}, a.cfg.MaxRetries, a.pool, a.Post)
		}
	}
	for _, url := range m.Removed {
		if podID, ok := lookup(url); ok {
			a.removePodcast(podID, true, false)
		}
	}

	a.applyRemoteActions(m.Actions, known)

	if err := a.store.SetParam(SyncTimestampKey, strconv.FormatInt(m.Timestamp, 10)); err != nil {
		a.logger.Error("storing sync timestamp", "err", err)
	}
	a.notify(Notification{Text: "Remote sync complete"})
}

func (a *App) applyRemoteActions(actions []gpodder.EpisodeAction, known map[string]int64) {
	type key struct{ podID, epID int64 }
	latest := make(map[key]gpodder.EpisodeAction)

	for _, act := range actions {
		if act.Action != gpodder.ActionPlay || act.Position == nil {
			continue
		}
		podID, ok := known[act.Podcast]
		if !ok {
			// not subscribed locally; the cursor rule keeps the action
			// re-deliverable if the subscription arrives later
			continue
		}
		epID, ok := a.findEpisodeByURL(podID, act.Episode)
		if !ok {
			continue
		}
		k := key{podID, epID}
		if prev, seen := latest[k]; !seen || act.Timestamp > prev.Timestamp {
			latest[k] = act
		}
	}
	if len(latest) == 0 {
		return
	}

	var updates []db.PlayedUpdate
	for k, act := range latest {
		h, ok := a.episodeHandle(k.podID, k.epID)
		if !ok {
			continue
		}
		var update db.PlayedUpdate
		h.Read(func(ep *models.Episode) {
			update = db.PlayedUpdate{
				EpisodeID: ep.ID,
				Position:  *act.Position,
				Duration:  ep.Duration,
			}
			if act.Total != nil && *act.Total > 0 {
				update.Duration = *act.Total
			}
			update.Played = update.Duration > 0 && update.Duration-update.Position <= 1
		})
		updates = append(updates, update)
	}

	if err := a.store.SetPlayedStatusBatch(updates); err != nil {
		a.logger.Error("applying remote play actions", "err", err)
		return
	}
	for k, act := range latest {
		if h, ok := a.episodeHandle(k.podID, k.epID); ok {
			h.Update(func(ep *models.Episode) {
				ep.Position = *act.Position
				if act.Total != nil && *act.Total > 0 {
					ep.Duration = *act.Total
				}
				ep.Played = ep.Duration > 0 && ep.Duration-ep.Position <= 1
			})
		}
	}
	a.updateUnplayed()
	a.applyFilters()
}

// ---- playback ----

func (a *App) play(podID, epID int64) {
	h, ok := a.episodeHandle(podID, epID)
	if !ok {
		return
	}
	var target string
	var resumeAt int64
	var title string
	var update db.PlayedUpdate
	var restarted bool
	h.Update(func(ep *models.Episode) {
		target = ep.Path
		if target == "" {
			target = ep.URL
		}
		// a finished episode restarts from the beginning
		if ep.Duration > 0 && ep.Position >= ep.Duration {
			ep.Position = 0
			restarted = true
			update = db.PlayedUpdate{EpisodeID: ep.ID, Position: 0, Duration: ep.Duration, Played: ep.Played}
		}
		resumeAt = ep.Position
		title = ep.Title
	})
	if restarted {
		if err := a.store.SetPlayedStatus(update.EpisodeID, update.Position, update.Duration, update.Played); err != nil {
			a.logger.Error("resetting playback position", "err", err)
		}
	}

	a.playback.Play(target, resumeAt)
	a.playing.active = true
	a.playing.podID = podID
	a.playing.epID = epID
	a.notify(Notification{Text: fmt.Sprintf("Playing %s", title), Persistent: true})
}

// tickPlayback folds the playback engine's status back into the episode
// being played. A track that finishes is marked played and, when it came
// from the queue, playback advances to the next queued episode.
func (a *App) tickPlayback() {
	if !a.playing.active {
		return
	}
	st := a.playback.Status()

	switch st.State {
	case player.StatePlaying, player.StatePaused:
		h, ok := a.episodeHandle(a.playing.podID, a.playing.epID)
		if !ok {
			return
		}
		var update db.PlayedUpdate
		h.Update(func(ep *models.Episode) {
			ep.Position = st.Elapsed
			if st.Duration > 0 {
				ep.Duration = st.Duration
			}
			ep.Played = ep.Played || (ep.Duration > 0 && ep.Duration-ep.Position <= 1)
			update = db.PlayedUpdate{EpisodeID: ep.ID, Position: ep.Position, Duration: ep.Duration, Played: ep.Played}
		})
		if err := a.store.SetPlayedStatus(update.EpisodeID, update.Position, update.Duration, update.Played); err != nil {
			a.logger.Error("saving playback position", "err", err)
		}

	case player.StateFinished:
		podID, epID := a.playing.podID, a.playing.epID
		a.playing.active = false
		a.markPlayed(podID, epID, true, true)
		a.advanceQueue(epID)
	}
}

// advanceQueue removes a finished episode from the queue and starts the
// next one, if any.
func (a *App) advanceQueue(finished int64) {
	if !a.Queue.Contains(finished) {
		return
	}
	a.Queue.Remove(finished)
	a.writeQueue()

	order := a.Queue.Order(false)
	if len(order) == 0 {
		return
	}
	next, ok := models.MapSingle(a.Queue, order[0], func(ep *models.Episode) [2]int64 {
		return [2]int64{ep.PodID, ep.ID}
	})
	if ok {
		a.play(next[0], next[1])
	}
}

// ---- played status ----

func (a *App) markPlayed(podID, epID int64, played, report bool) {
	h, ok := a.episodeHandle(podID, epID)
	if !ok {
		return
	}

	var update db.PlayedUpdate
	var urls [2]string
	h.Read(func(ep *models.Episode) {
		update = db.PlayedUpdate{EpisodeID: ep.ID, Duration: ep.Duration, Played: played}
		if played {
			// marking played leaves the stored position alone
			update.Position = ep.Position
		}
		urls[1] = ep.URL
	})
	if err := a.store.SetPlayedStatus(update.EpisodeID, update.Position, update.Duration, update.Played); err != nil {
		a.logger.Error("updating played status", "err", err)
		return
	}
	h.Update(func(ep *models.Episode) {
		ep.Played = played
		ep.Position = update.Position
	})
	a.updateUnplayed()
	a.applyFilters()

	if report && a.syncer != nil {
		// the remote side hears position == duration for played and a
		// rewind to zero for unplayed
		pos := int64(0)
		if played {
			pos = update.Duration
		}
		if podURL, ok := models.MapSingle(a.Podcasts, podID, func(p *models.Podcast) string { return p.URL }); ok {
			a.syncer.Submit(gpodder.Request{Played: []gpodder.PlayedEpisode{{
				PodcastURL: podURL,
				EpisodeURL: urls[1],
				Position:   pos,
				Total:      update.Duration,
			}}})
		}
	}
}

// updatePosition folds a front-end-reported playback position into one
// episode. A position within a second of the duration marks it played and
// reports it upstream, same as a locally finished track.
func (a *App) updatePosition(podID, epID, position int64) {
	h, ok := a.episodeHandle(podID, epID)
	if !ok {
		return
	}
	var update db.PlayedUpdate
	var wasPlayed bool
	var url string
	h.Update(func(ep *models.Episode) {
		wasPlayed = ep.Played
		ep.Position = position
		ep.Played = ep.Played || (ep.Duration > 0 && ep.Duration-ep.Position <= 1)
		update = db.PlayedUpdate{EpisodeID: ep.ID, Position: ep.Position, Duration: ep.Duration, Played: ep.Played}
		url = ep.URL
	})
	if err := a.store.SetPlayedStatus(update.EpisodeID, update.Position, update.Duration, update.Played); err != nil {
		a.logger.Error("saving playback position", "err", err)
		return
	}
	if update.Played && !wasPlayed {
		a.updateUnplayed()
		a.applyFilters()
		if a.syncer != nil {
			if podURL, ok := models.MapSingle(a.Podcasts, podID, func(p *models.Podcast) string { return p.URL }); ok {
				a.syncer.Submit(gpodder.Request{Played: []gpodder.PlayedEpisode{{
					PodcastURL: podURL,
					EpisodeURL: url,
					Position:   update.Duration,
					Total:      update.Duration,
				}}})
			}
		}
	}
}

func (a *App) markAllPlayed(podID int64, played bool) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return
	}

	var updates []db.PlayedUpdate
	var reports []gpodder.PlayedEpisode
	var podURL string
	h.Read(func(p *models.Podcast) {
		podURL = p.URL
		updates = models.FilterMap(p.Episodes, func(ep *models.Episode) (db.PlayedUpdate, bool) {
			if ep.Played == played {
				return db.PlayedUpdate{}, false
			}
			u := db.PlayedUpdate{EpisodeID: ep.ID, Duration: ep.Duration, Played: played}
			pos := int64(0)
			if played {
				u.Position = ep.Position
				pos = ep.Duration
			}
			reports = append(reports, gpodder.PlayedEpisode{
				PodcastURL: podURL,
				EpisodeURL: ep.URL,
				Position:   pos,
				Total:      u.Duration,
			})
			return u, true
		})
	})
	if len(updates) == 0 {
		return
	}
	if err := a.store.SetPlayedStatusBatch(updates); err != nil {
		a.logger.Error("updating played statuses", "err", err)
		return
	}

	byID := make(map[int64]db.PlayedUpdate, len(updates))
	for _, u := range updates {
		byID[u.EpisodeID] = u
	}
	h.Read(func(p *models.Podcast) {
		for id, u := range byID {
			if eh, ok := p.Episodes.Get(id); ok {
				u := u
				eh.Update(func(ep *models.Episode) {
					ep.Played = u.Played
					ep.Position = u.Position
				})
			}
		}
	})
	a.updateUnplayed()
	a.applyFilters()

	if a.syncer != nil && len(reports) > 0 {
		a.syncer.Submit(gpodder.Request{Played: reports})
	}
}

// ---- downloads ----

func (a *App) download(podID int64, epIDs []int64) {
	var jobs []download.Episode
	for _, epID := range epIDs {
		if _, busy := a.inFlight[epID]; busy {
			continue
		}
		h, ok := a.episodeHandle(podID, epID)
		if !ok {
			continue
		}
		var job download.Episode
		var skip bool
		h.Read(func(ep *models.Episode) {
			if ep.Path != "" {
				skip = true
				return
			}
			job = download.Episode{
				ID:       ep.ID,
				PodID:    ep.PodID,
				Title:    ep.Title,
				URL:      ep.URL,
				Pubdate:  ep.Pubdate,
				Duration: ep.Duration,
			}
		})
		if skip {
			continue
		}
		a.inFlight[epID] = struct{}{}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return
	}
	a.updateTracker()
	download.List(jobs, a.cfg.DownloadPath, a.cfg.MaxRetries, a.prober, a.pool, a.Post)
}

func (a *App) downloadAll(podID int64) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return
	}
	var epIDs []int64
	h.Read(func(p *models.Podcast) {
		epIDs = models.FilterMap(p.Episodes, func(ep *models.Episode) (int64, bool) {
			return ep.ID, ep.Path == ""
		})
	})
	a.download(podID, epIDs)
}

func (a *App) downloadComplete(m download.Complete) {
	delete(a.inFlight, m.Episode.ID)
	a.updateTracker()

	if err := a.store.InsertFile(m.Episode.ID, m.Path); err != nil {
		a.logger.Error("recording downloaded file", "err", err)
		os.Remove(m.Path)
		return
	}
	if m.Duration > 0 && m.Duration != m.Episode.Duration {
		a.logger.Debug("probed duration differs from feed", "episode", m.Episode.Title,
			"feed", m.Episode.Duration, "probed", m.Duration)
	}
	if h, ok := a.episodeHandle(m.Episode.PodID, m.Episode.ID); ok {
		var update db.PlayedUpdate
		h.Update(func(ep *models.Episode) {
			ep.Path = m.Path
			if m.Duration > 0 {
				ep.Duration = m.Duration
			}
			update = db.PlayedUpdate{EpisodeID: ep.ID, Position: ep.Position, Duration: ep.Duration, Played: ep.Played}
		})
		if err := a.store.SetPlayedStatus(update.EpisodeID, update.Position, update.Duration, update.Played); err != nil {
			a.logger.Error("saving probed duration", "err", err)
		}
	}
	a.applyFilters()
	a.notify(Notification{Text: fmt.Sprintf("Downloaded %s", m.Episode.Title)})
	if len(a.inFlight) == 0 {
		a.notify(Notification{Text: "Downloads complete."})
	}
}

func (a *App) downloadFailed(ep download.Episode, reason string) {
	delete(a.inFlight, ep.ID)
	a.updateTracker()
	a.logger.Warn("download failed", "episode", ep.Title, "reason", reason)
	a.notify(Notification{Text: fmt.Sprintf("Download of %s failed: %s", ep.Title, reason), Error: true})
}

// ---- deletion ----

func (a *App) deleteFile(podID, epID int64) {
	h, ok := a.episodeHandle(podID, epID)
	if !ok {
		return
	}
	var path string
	h.Read(func(ep *models.Episode) { path = ep.Path })
	if path == "" {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Error("deleting file", "path", path, "err", err)
		a.notify(Notification{Text: "Could not delete file", Error: true})
		return
	}
	if err := a.store.RemoveFile(epID); err != nil {
		a.logger.Error("forgetting file", "err", err)
		return
	}
	h.Update(func(ep *models.Episode) { ep.Path = "" })
	a.applyFilters()
}

func (a *App) deleteAllFiles(podID int64) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return
	}
	var downloaded [][2]any
	h.Read(func(p *models.Podcast) {
		downloaded = models.FilterMap(p.Episodes, func(ep *models.Episode) ([2]any, bool) {
			return [2]any{ep.ID, ep.Path}, ep.Path != ""
		})
	})
	if len(downloaded) == 0 {
		a.notify(Notification{Text: "No downloads to delete"})
		return
	}
	for _, d := range downloaded {
		a.deleteFile(podID, d[0].(int64))
	}
}

func (a *App) removePodcast(podID int64, deleteFiles, report bool) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return
	}
	var url, title string
	var paths []string
	var epIDs []int64
	h.Read(func(p *models.Podcast) {
		url = p.URL
		title = p.Title
		paths = models.FilterMap(p.Episodes, func(ep *models.Episode) (string, bool) {
			return ep.Path, ep.Path != ""
		})
		epIDs = models.Map(p.Episodes, false, func(ep *models.Episode) int64 { return ep.ID })
	})

	if err := a.store.RemovePodcast(podID); err != nil {
		a.logger.Error("removing podcast", "id", podID, "err", err)
		return
	}
	if deleteFiles {
		for _, path := range paths {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				a.logger.Warn("deleting file", "path", path, "err", err)
			}
		}
	}

	a.Podcasts.Remove(podID)
	for _, epID := range epIDs {
		a.Queue.Remove(epID)
	}
	a.writeQueue()
	a.updateUnplayed()
	a.applyFilters()
	a.notify(Notification{Text: fmt.Sprintf("Removed %s", title)})

	if report && a.syncer != nil {
		a.syncer.Submit(gpodder.Request{Unsubscribe: url})
	}
}

// ---- filters ----

// cycleFilter advances one filter through all, positive, negative. The
// limiter absorbs key repeat; a held-down filter key would otherwise
// recompute every filtered order on each repeat event.
func (a *App) cycleFilter(ft models.FilterType) {
	if !a.filterLimiter.Allow() {
		return
	}
	next := func(s models.FilterStatus) models.FilterStatus {
		switch s {
		case models.FilterAll:
			return models.FilterPositive
		case models.FilterPositive:
			return models.FilterNegative
		default:
			return models.FilterAll
		}
	}
	switch ft {
	case models.FilterPlayed:
		a.filters.Played = next(a.filters.Played)
	case models.FilterDownloaded:
		a.filters.Downloaded = next(a.filters.Downloaded)
	}
	a.applyFilters()
}

func matchStatus(s models.FilterStatus, positive bool) bool {
	switch s {
	case models.FilterPositive:
		return positive
	case models.FilterNegative:
		return !positive
	default:
		return true
	}
}

// applyFilters recomputes the filtered orderings from the full orderings.
func (a *App) applyFilters() {
	podIDs := models.FilterMap(a.Podcasts, func(p *models.Podcast) (int64, bool) {
		return p.ID, matchStatus(a.filters.Played, p.IsPlayed())
	})
	a.Podcasts.ReplaceFilteredOrder(podIDs)

	for _, podID := range a.Podcasts.Order(false) {
		h, ok := a.Podcasts.Get(podID)
		if !ok {
			continue
		}
		h.Read(func(p *models.Podcast) {
			epIDs := models.FilterMap(p.Episodes, func(ep *models.Episode) (int64, bool) {
				return ep.ID, matchStatus(a.filters.Played, ep.Played) &&
					matchStatus(a.filters.Downloaded, ep.Path != "")
			})
			p.Episodes.ReplaceFilteredOrder(epIDs)
		})
	}
}

// ---- queue ----

func (a *App) queuePush(podID, epID int64) {
	if a.Queue.Contains(epID) {
		return
	}
	h, ok := a.episodeHandle(podID, epID)
	if !ok {
		return
	}
	a.Queue.InsertHandle(h)
	a.writeQueue()
}

func (a *App) queueRemove(epID int64) {
	a.Queue.Remove(epID)
	a.writeQueue()
}

func (a *App) writeQueue() {
	if err := a.store.SetQueue(a.Queue.Order(false)); err != nil {
		a.logger.Error("persisting queue", "err", err)
	}
}

// rebuildQueue re-resolves queue entries against the current catalogs.
// Reloading a podcast swaps in fresh episode handles, and a queue still
// holding the old ones would stop seeing played and path changes.
func (a *App) rebuildQueue() {
	order := a.Queue.Order(false)
	handles := make([]*models.Locked[*models.Episode], 0, len(order))
	for _, epID := range order {
		if h, ok := a.findEpisodeAnywhere(epID); ok {
			handles = append(handles, h)
		}
	}
	a.Queue.ReplaceAllHandles(handles)
	if len(handles) != len(order) {
		a.writeQueue()
	}
}

// ---- helpers ----

// updateUnplayed rebuilds the cross-podcast unplayed list, newest first.
// Handles are shared with the per-podcast catalogs so a played-status
// change is visible in both without copying.
func (a *App) updateUnplayed() {
	type entry struct {
		handle  *models.Locked[*models.Episode]
		pubdate time.Time
	}
	var entries []entry

	for _, podID := range a.Podcasts.Order(false) {
		h, ok := a.Podcasts.Get(podID)
		if !ok {
			continue
		}
		h.Read(func(p *models.Podcast) {
			ids := models.FilterMap(p.Episodes, func(ep *models.Episode) (int64, bool) {
				return ep.ID, !ep.Played
			})
			for _, id := range ids {
				if eh, ok := p.Episodes.Get(id); ok {
					var pubdate time.Time
					eh.Read(func(ep *models.Episode) { pubdate = ep.Pubdate })
					entries = append(entries, entry{handle: eh, pubdate: pubdate})
				}
			}
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].pubdate.After(entries[j].pubdate)
	})
	handles := make([]*models.Locked[*models.Episode], len(entries))
	for i, e := range entries {
		handles[i] = e.handle
	}
	a.Unplayed.ReplaceAllHandles(handles)
}

func (a *App) episodeHandle(podID, epID int64) (*models.Locked[*models.Episode], bool) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return nil, false
	}
	var eh *models.Locked[*models.Episode]
	h.Read(func(p *models.Podcast) {
		eh, _ = p.Episodes.Get(epID)
	})
	if eh == nil {
		return nil, false
	}
	return eh, true
}

// findEpisodeAnywhere locates an episode handle without knowing its
// podcast, used when restoring the persisted queue.
func (a *App) findEpisodeAnywhere(epID int64) (*models.Locked[*models.Episode], bool) {
	for _, podID := range a.Podcasts.Order(false) {
		if h, ok := a.episodeHandle(podID, epID); ok {
			return h, true
		}
	}
	return nil, false
}

func (a *App) findEpisodeByURL(podID int64, url string) (int64, bool) {
	h, ok := a.Podcasts.Get(podID)
	if !ok {
		return 0, false
	}
	var found int64
	h.Read(func(p *models.Podcast) {
		ids := models.FilterMap(p.Episodes, func(ep *models.Episode) (int64, bool) {
			return ep.ID, ep.URL == url
		})
		if len(ids) > 0 {
			found = ids[0]
		}
	})
	if found == 0 {
		return 0, false
	}
	return found, true
}
