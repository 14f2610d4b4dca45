// Package download fetches episode media files to disk on the worker pool.
// Each episode becomes one self-contained job that reports success or a
// typed failure back to the controller with exactly one message.
package download

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/csams/castkeep/internal/pool"
)

// Episode carries the data a download job needs, copied out of the catalog
// so the job owns its inputs by value.
type Episode struct {
	ID       int64
	PodID    int64
	Title    string
	URL      string
	Pubdate  time.Time // zero when unknown
	Duration int64     // feed-declared, in seconds; 0 when unknown
}

// Complete reports a finished download. Duration is the probed duration of
// the audio container when the prober could recover one, otherwise the
// feed-declared value carried in the request.
type Complete struct {
	Episode  Episode
	Path     string
	Duration int64
}

// ResponseError reports that the media URL never yielded a usable response
// within the retry budget.
type ResponseError struct {
	Episode Episode
}

// FileCreateError reports that the destination file could not be created.
type FileCreateError struct {
	Episode Episode
}

// FileWriteError reports a failure while streaming the body to disk.
type FileWriteError struct {
	Episode Episode
}

// Prober recovers the true duration, in seconds, of a downloaded audio
// file. Decode internals live outside this package; the controller injects
// an implementation backed by the playback collaborator.
type Prober func(path string) (int64, error)

// List submits one download job per episode. Deduplication against
// downloads already in flight is the controller's responsibility.
func List(episodes []Episode, dest string, maxRetries int, probe Prober, p *pool.Pool, post func(msg any)) {
	for _, ep := range episodes {
		ep := ep
		p.Execute(func() {
			post(downloadFile(ep, dest, maxRetries, probe))
		})
	}
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}
}

// downloadFile fetches one episode to dest, returning the message to post.
func downloadFile(ep Episode, dest string, maxRetries int, probe Prober) any {
	client := newClient()

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		r, err := client.Get(ep.URL)
		if err == nil && r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			break
		}
		if err == nil {
			r.Body.Close()
		}
		if attempt+1 >= maxRetries {
			return ResponseError{Episode: ep}
		}
	}
	defer resp.Body.Close()

	ext := fileExt(resp.Header.Get("Content-Type"), ep.URL)
	name := SanitizeFilename(ep.Title)
	if !ep.Pubdate.IsZero() {
		name = fmt.Sprintf("%s_%s", name, ep.Pubdate.Format("20060102_150405"))
	}
	path := filepath.Join(dest, name+"."+ext)

	// stream to a partial file first so an interrupted download never
	// leaves a file that looks playable
	partial := path + ".part"
	out, err := os.Create(partial)
	if err != nil {
		return FileCreateError{Episode: ep}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(partial)
		return FileWriteError{Episode: ep}
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return FileWriteError{Episode: ep}
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return FileCreateError{Episode: ep}
	}

	duration := ep.Duration
	if probe != nil {
		if probed, err := probe(path); err == nil && probed > 0 {
			duration = probed
		}
	}
	return Complete{Episode: ep, Path: path, Duration: duration}
}

// extByMime maps media content types onto file extensions.
// Reference: https://www.iana.org/assignments/media-types/media-types.xhtml
var extByMime = map[string]string{
	"audio/3gpp":        "3gp",
	"video/3gpp":        "3gp",
	"audio/aac":         "aac",
	"audio/flac":        "flac",
	"audio/x-m4a":       "m4a",
	"audio/matroska":    "mka",
	"audio/midi":        "mid",
	"audio/x-midi":      "mid",
	"audio/mp4":         "mp4",
	"video/mp4":         "mp4",
	"audio/mpeg":        "mp3",
	"audio/ogg":         "oga",
	"audio/vorbis":      "oga",
	"audio/opus":        "opus",
	"audio/wav":         "wav",
	"audio/webm":        "weba",
	"video/3gpp2":       "3g2",
	"video/matroska":    "mkv",
	"video/matroska-3d": "mk3d",
	"video/quicktime":   "mov",
	"video/x-m4v":       "m4v",
}

// fileExt picks a file extension from the response content type, falling
// back to the URL suffix, and to mp3 when neither helps.
func fileExt(contentType, url string) string {
	mime := contentType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(strings.ToLower(mime))
	if ext, ok := extByMime[mime]; ok {
		return ext
	}

	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	last := trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		last = trimmed[i+1:]
	}
	if i := strings.LastIndex(last, "."); i >= 0 && i+1 < len(last) {
		return last[i+1:]
	}
	return "mp3"
}

const maxFilenameLen = 120

// SanitizeFilename makes an episode title safe to use as a filename on any
// platform, dropping reserved characters and truncating overly long names.
func SanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r < 0x20, strings.ContainsRune(`/\?%*:|"<>`, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimSpace(b.String())
	name = strings.Trim(name, ".")
	if runes := []rune(name); len(runes) > maxFilenameLen {
		name = strings.TrimSpace(string(runes[:maxFilenameLen]))
	}
	if name == "" {
		name = "episode"
	}
	return name
}
