package models

import (
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
)

// Width thresholds below which list titles are rendered without their
// trailing metadata (unplayed counts for podcasts, durations for episodes).
const (
	podcastMetaMinWidth = 25
	episodeMetaMinWidth = 45
)

// Listable is the capability interface shared by anything that can appear
// in an ordered list shown by a front-end. Both podcasts and episodes
// implement it, which lets the Catalog and the controller stay generic over
// the concrete type.
type Listable interface {
	GetID() int64
	GetTitle(width int) string
	IsPlayed() bool
}

// Podcast holds data about an individual podcast feed, including a
// (possibly empty) catalog of its episodes.
type Podcast struct {
	ID          int64
	Title       string
	URL         string
	Description string
	Author      string
	Explicit    *bool // nil when the feed does not declare it
	LastChecked time.Time
	Episodes    *Catalog[*Episode]
}

// NumUnplayed counts the episodes in the podcast not yet marked played.
func (p *Podcast) NumUnplayed() int {
	count := 0
	for _, played := range Map(p.Episodes, false, func(ep *Episode) bool {
		return ep.IsPlayed()
	}) {
		if !played {
			count++
		}
	}
	return count
}

// GetID returns the database ID for the podcast.
func (p *Podcast) GetID() int64 {
	return p.ID
}

// GetTitle returns the podcast title truncated to width cells. When width
// allows, the unplayed/total episode counts are appended right-aligned.
func (p *Podcast) GetTitle(width int) string {
	if width > podcastMetaMinWidth {
		meta := fmt.Sprintf("(%d/%d)", p.NumUnplayed(), p.Episodes.Len(false))
		return padWithMeta(p.Title, meta, width)
	}
	return fmt.Sprintf(" %s ", runewidth.Truncate(p.Title, width-2, ""))
}

// IsPlayed reports whether every episode of the podcast has been played.
func (p *Podcast) IsPlayed() bool {
	return p.NumUnplayed() == 0
}

// Episode holds data about an individual podcast episode. Most of this is
// feed metadata; Path is set once the episode has been downloaded, and
// Played tracks whether the user has finished it. Duration and Position are
// in seconds; a Duration of 0 means the feed did not declare one and no
// local file has been probed yet.
type Episode struct {
	ID          int64
	PodID       int64
	Title       string
	URL         string
	GUID        string
	Description string
	Pubdate     time.Time // zero when the feed had no usable date
	Duration    int64
	Position    int64
	Path        string // empty until downloaded
	Played      bool
}

// GetID returns the database ID for the episode.
func (e *Episode) GetID() int64 {
	return e.ID
}

// GetTitle returns the episode title truncated to width cells, prefixed
// with played/downloaded markers and suffixed with the duration when width
// allows.
func (e *Episode) GetTitle(width int) string {
	playedMark := " "
	if e.Played {
		playedMark = "✔"
	}
	downloadedMark := " "
	if e.Path != "" {
		downloadedMark = "↓"
	}
	out := fmt.Sprintf("%s%s %s", playedMark, downloadedMark, e.Title)

	if width > episodeMetaMinWidth {
		meta := fmt.Sprintf("[%s]", FormatDuration(e.Duration))
		return padWithMeta(out, meta, width)
	}
	return fmt.Sprintf(" %s ", runewidth.Truncate(out, width-2, ""))
}

// IsPlayed reports whether the episode has been marked played.
func (e *Episode) IsPlayed() bool {
	return e.Played
}

// padWithMeta truncates text to leave room for meta, then pads spaces
// between the two so meta ends up right-aligned within width cells.
func padWithMeta(text, meta string, width int) string {
	title := runewidth.Truncate(text, width-runewidth.StringWidth(meta)-3, "")
	pad := width - runewidth.StringWidth(title) - runewidth.StringWidth(meta) - 2
	if pad < 1 {
		pad = 1
	}
	return " " + title + fmt.Sprintf("%*s", pad+runewidth.StringWidth(meta)-1, meta) + " "
}

// NewEpisode identifies an episode freshly inserted by a feed merge, along
// with its podcast's title for display. Selected supports front-ends that
// ask which new episodes to download.
type NewEpisode struct {
	ID       int64
	PodID    int64
	Title    string
	PodTitle string
	Selected bool
}

// GetID returns the database ID for the episode.
func (n *NewEpisode) GetID() int64 {
	return n.ID
}

// GetTitle returns "[x] title (podcast)" truncated to width cells.
func (n *NewEpisode) GetTitle(width int) string {
	mark := " "
	if n.Selected {
		mark = "✓"
	}
	full := fmt.Sprintf(" [%s] %s (%s) ", mark, n.Title, n.PodTitle)
	return runewidth.Truncate(full, width, "")
}

// IsPlayed is always true for new episodes so they render unhighlighted.
func (n *NewEpisode) IsPlayed() bool {
	return true
}

// PodcastRecord holds feed data for a podcast before it has been assigned
// an ID by the persistence layer.
type PodcastRecord struct {
	Title       string
	URL         string
	Description string
	Author      string
	Explicit    *bool
	LastChecked time.Time
	Episodes    []EpisodeRecord
}

// EpisodeRecord holds feed data for an episode before it has been assigned
// an ID by the persistence layer.
type EpisodeRecord struct {
	Title       string
	URL         string
	GUID        string
	Description string
	Pubdate     time.Time
	Duration    int64
}

// FormatDuration renders a duration in seconds as H:MM:SS, or "--:--" when
// the duration is unknown.
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "--:--"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
