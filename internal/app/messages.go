package app

import "github.com/csams/castkeep/internal/models"

// Messages posted to the controller inbox by the front-end. Worker
// packages post their own message types (feed.NewData, download.Complete,
// gpodder.Changes, and so on); the controller type-switches over all of
// them in one place.

// AddFeed subscribes to a new podcast feed by url.
type AddFeed struct {
	URL string
}

// Sync refreshes one podcast's feed.
type Sync struct {
	PodID int64
}

// SyncAll refreshes every podcast's feed.
type SyncAll struct{}

// SyncRemote runs a remote sync pass against the configured sync service.
type SyncRemote struct{}

// Play starts playback of one episode, resuming from its stored position.
type Play struct {
	PodID int64
	EpID  int64
}

// PlayPause toggles between playing and paused.
type PlayPause struct{}

// SeekBy moves the playback position by Delta seconds.
type SeekBy struct {
	Delta int64
}

// MarkPlayed sets one episode's played flag. Marking an episode unplayed
// also resets its stored position to the beginning.
type MarkPlayed struct {
	PodID  int64
	EpID   int64
	Played bool
}

// MarkAllPlayed sets the played flag on every episode of one podcast.
type MarkAllPlayed struct {
	PodID  int64
	Played bool
}

// UpdatePosition reports a playback position, in seconds, observed by a
// front-end driving playback itself. A position within a second of the
// episode's duration marks it played.
type UpdatePosition struct {
	PodID    int64
	EpID     int64
	Position int64
}

// Download fetches one episode's media file.
type Download struct {
	PodID int64
	EpID  int64
}

// DownloadAll fetches the media files of every episode of one podcast not
// yet downloaded.
type DownloadAll struct {
	PodID int64
}

// Delete removes one episode's downloaded file.
type Delete struct {
	PodID int64
	EpID  int64
}

// DeleteAll removes every downloaded file of one podcast.
type DeleteAll struct {
	PodID int64
}

// RemovePodcast unsubscribes from a podcast, deleting its episodes.
// Downloaded files are deleted from disk only when DeleteFiles is set.
type RemovePodcast struct {
	PodID       int64
	DeleteFiles bool
}

// FilterChange cycles one display filter through all, positive, negative.
type FilterChange struct {
	Type models.FilterType
}

// QueuePush appends one episode to the playback queue.
type QueuePush struct {
	PodID int64
	EpID  int64
}

// QueueRemove drops one episode from the playback queue.
type QueueRemove struct {
	EpID int64
}

// Quit shuts the controller down.
type Quit struct{}

// Notification is pushed to the front-end's notify callback. Persistent
// notifications stay visible until replaced or until a Clear arrives; the
// rest are timed out by the front-end.
type Notification struct {
	Text       string
	Error      bool
	Persistent bool
	Clear      bool // remove the current persistent notification
}
