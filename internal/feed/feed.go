// Package feed fetches and parses podcast RSS feeds on the worker pool.
// Field extraction from the XML itself is delegated to gofeed; this package
// owns transport, retries, and the tolerant handling of dates, durations,
// and missing fields that real-world feeds require.
package feed

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/csams/castkeep/internal/models"
	"github.com/csams/castkeep/internal/pool"
	"github.com/csams/castkeep/internal/text"
)

const userAgent = "castkeep/1.0"

// Feed identifies one podcast feed to check. ID is 0 when the podcast has
// not been added to the database yet; Title is empty when unknown.
type Feed struct {
	ID    int64
	URL   string
	Title string
}

// NewData reports a successful first fetch of a feed not yet in the
// database.
type NewData struct {
	Podcast models.PodcastRecord
}

// SyncData reports a successful refresh of an existing podcast.
type SyncData struct {
	PodID   int64
	Podcast models.PodcastRecord
}

// Error reports that a feed could not be fetched or parsed after all
// retries, echoing the original request so the controller can identify it.
type Error struct {
	Feed Feed
}

// Check submits one job to the pool that fetches and parses the feed, then
// posts exactly one NewData, SyncData, or Error message through post.
func Check(f Feed, maxRetries int, p *pool.Pool, post func(msg any)) {
	p.Execute(func() {
		record, err := fetch(f.URL, maxRetries)
		if err != nil {
			post(Error{Feed: f})
			return
		}
		if f.ID != 0 {
			post(SyncData{PodID: f.ID, Podcast: record})
			return
		}
		post(NewData{Podcast: record})
	})
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	}
}

// ResolveRedirect follows any redirects on url and reports the final
// location. On any failure the input url is returned unchanged, so a
// caller can use the result for matching without an error path.
func ResolveRedirect(url string) string {
	client := newClient()
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return url
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return url
	}
	resp.Body.Close()
	return resp.Request.URL.String()
}

// fetch GETs the feed URL, retrying up to maxRetries times on transport
// failure or a non-2xx status, then parses the body.
func fetch(url string, maxRetries int) (models.PodcastRecord, error) {
	client := newClient()

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return models.PodcastRecord{}, fmt.Errorf("building feed request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		r, err := client.Do(req)
		if err == nil && r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			break
		}
		if err == nil {
			r.Body.Close()
		}
		if attempt+1 >= maxRetries {
			if err != nil {
				return models.PodcastRecord{}, fmt.Errorf("no response from feed: %w", err)
			}
			return models.PodcastRecord{}, fmt.Errorf("feed returned status %d", r.StatusCode)
		}
	}
	defer resp.Body.Close()

	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return models.PodcastRecord{}, fmt.Errorf("parsing feed: %w", err)
	}
	return recordFromFeed(parsed, url), nil
}

// recordFromFeed converts a parsed feed into a PodcastRecord. Feeds in the
// wild violate the podcast RSS specs in every way imaginable, so each
// optional field degrades to its zero value rather than failing the fetch.
func recordFromFeed(f *gofeed.Feed, url string) models.PodcastRecord {
	record := models.PodcastRecord{
		Title:       f.Title,
		URL:         url,
		Description: text.Sanitize(f.Description),
		LastChecked: time.Now().UTC(),
	}

	if f.ITunesExt != nil {
		record.Author = f.ITunesExt.Author
		record.Explicit = parseExplicit(f.ITunesExt.Explicit)
	}
	if record.Author == "" && len(f.Authors) > 0 && f.Authors[0] != nil {
		record.Author = f.Authors[0].Name
	}

	record.Episodes = make([]models.EpisodeRecord, 0, len(f.Items))
	for _, item := range f.Items {
		if item == nil {
			continue
		}
		record.Episodes = append(record.Episodes, recordFromItem(item))
	}
	return record
}

func recordFromItem(item *gofeed.Item) models.EpisodeRecord {
	ep := models.EpisodeRecord{
		Title:       item.Title,
		GUID:        item.GUID,
		Description: text.Sanitize(item.Description),
	}

	if len(item.Enclosures) > 0 && item.Enclosures[0] != nil {
		ep.URL = item.Enclosures[0].URL
	}

	if item.PublishedParsed != nil {
		ep.Pubdate = item.PublishedParsed.UTC()
	} else if item.Published != "" {
		if pd, err := ParseRFC2822(item.Published); err == nil {
			ep.Pubdate = pd
		}
	}

	if item.ITunesExt != nil && item.ITunesExt.Duration != "" {
		if dur, err := ParseDuration(item.ITunesExt.Duration); err == nil {
			ep.Duration = dur
		}
	}
	return ep
}

// parseExplicit maps the many spellings of the itunes:explicit flag onto a
// tri-state value.
func parseExplicit(s string) *bool {
	var explicit bool
	switch strings.ToLower(s) {
	case "yes", "explicit", "true":
		explicit = true
	case "no", "clean", "false":
		explicit = false
	default:
		return nil
	}
	return &explicit
}

// ParseDuration parses an episode duration in "HH:MM:SS", "MM:SS", or "SS"
// text form into seconds.
func ParseDuration(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total = total*60 + n
	}
	return total, nil
}

// ParseRFC2822 parses the pubdate formats found in real feeds, which only
// loosely follow RFC 2822.
func ParseRFC2822(s string) (time.Time, error) {
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04 -0700",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
