// Package db implements the persistence layer on SQLite. The controller
// treats it as an opaque, transactional collaborator: the in-memory catalog
// is only updated after the corresponding database call succeeds, so the
// two never diverge.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/csams/castkeep/internal/models"
)

// ErrNotFound is returned when a referenced podcast or episode does not
// exist, typically because it was removed concurrently.
var ErrNotFound = errors.New("not found")

// SyncResult reports what a feed merge changed: newly inserted episodes and
// the ids of episodes whose metadata was updated.
type SyncResult struct {
	Added   []models.NewEpisode
	Updated []int64
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Connect opens (and if necessary creates) the database at dir/castkeep.db.
func Connect(dir string) (*DB, error) {
	path := filepath.Join(dir, "castkeep.db")
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the controller goroutine is the only writer; a single connection
	// sidesteps SQLITE_BUSY between its own statements
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.create(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) create() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS podcasts (
			id INTEGER PRIMARY KEY NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL UNIQUE,
			description TEXT,
			author TEXT,
			explicit INTEGER,
			last_checked INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY NOT NULL,
			podcast_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			guid TEXT,
			description TEXT,
			pubdate INTEGER,
			duration INTEGER,
			position INTEGER NOT NULL DEFAULT 0,
			played INTEGER NOT NULL DEFAULT 0,
			hidden INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(podcast_id) REFERENCES podcasts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY NOT NULL,
			episode_id INTEGER NOT NULL,
			path TEXT NOT NULL UNIQUE,
			FOREIGN KEY(episode_id) REFERENCES episodes(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS params (
			key TEXT PRIMARY KEY NOT NULL,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS queue (
			position INTEGER PRIMARY KEY NOT NULL,
			episode_id INTEGER NOT NULL,
			FOREIGN KEY(episode_id) REFERENCES episodes(id) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// GetParam returns the stored value for a small string parameter, or "" if
// the key has never been set.
func (d *DB) GetParam(key string) (string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM params WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading param %q: %w", key, err)
	}
	return value, nil
}

// SetParam stores a small string parameter, replacing any previous value.
func (d *DB) SetParam(key, value string) error {
	_, err := d.conn.Exec(
		`INSERT INTO params (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
	if err != nil {
		return fmt.Errorf("storing param %q: %w", key, err)
	}
	return nil
}

// InsertPodcast inserts a new podcast and all its episodes in one
// transaction, returning the merge result.
func (d *DB) InsertPodcast(record models.PodcastRecord) (SyncResult, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return SyncResult{}, fmt.Errorf("inserting podcast: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO podcasts (title, url, description, author, explicit, last_checked)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		record.Title, record.URL, record.Description, record.Author,
		nullBool(record.Explicit), record.LastChecked.Unix())
	if err != nil {
		return SyncResult{}, fmt.Errorf("inserting podcast: %w", err)
	}
	podID, err := res.LastInsertId()
	if err != nil {
		return SyncResult{}, fmt.Errorf("inserting podcast: %w", err)
	}

	var added []models.NewEpisode
	// insert oldest-first so episode ids follow feed chronology
	for i := len(record.Episodes) - 1; i >= 0; i-- {
		ep := record.Episodes[i]
		id, err := insertEpisode(tx, podID, ep)
		if err != nil {
			return SyncResult{}, err
		}
		added = append(added, models.NewEpisode{
			ID:       id,
			PodID:    podID,
			Title:    ep.Title,
			PodTitle: record.Title,
		})
	}

	if err := tx.Commit(); err != nil {
		return SyncResult{}, fmt.Errorf("inserting podcast: %w", err)
	}
	return SyncResult{Added: added}, nil
}

// UpdatePodcast refreshes an existing podcast's channel metadata and merges
// its episodes in one transaction.
func (d *DB) UpdatePodcast(podID int64, record models.PodcastRecord) (SyncResult, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return SyncResult{}, fmt.Errorf("updating podcast: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE podcasts SET title = ?, url = ?, description = ?, author = ?,
			explicit = ?, last_checked = ? WHERE id = ?;`,
		record.Title, record.URL, record.Description, record.Author,
		nullBool(record.Explicit), record.LastChecked.Unix(), podID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("updating podcast: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return SyncResult{}, fmt.Errorf("updating podcast %d: %w", podID, ErrNotFound)
	}

	result, err := mergeEpisodes(tx, podID, record)
	if err != nil {
		return SyncResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, fmt.Errorf("updating podcast: %w", err)
	}
	return result, nil
}

// mergeEpisodes reconciles freshly parsed episodes against the stored ones.
// The guid is the primary match; episodes without a guid match fall back to
// a 2-of-3 heuristic on title, url, and pubdate. Anything unmatched is
// inserted as new.
func mergeEpisodes(tx *sql.Tx, podID int64, record models.PodcastRecord) (SyncResult, error) {
	old, err := episodesTx(tx, podID)
	if err != nil {
		return SyncResult{}, err
	}
	byGUID := make(map[string]*models.Episode, len(old))
	for _, ep := range old {
		if ep.GUID != "" {
			byGUID[ep.GUID] = ep
		}
	}

	var result SyncResult
	for i := len(record.Episodes) - 1; i >= 0; i-- {
		newEp := record.Episodes[i]

		var existing *models.Episode
		if newEp.GUID != "" {
			existing = byGUID[newEp.GUID]
		}
		if existing == nil {
			for j := len(old) - 1; j >= 0; j-- {
				if heuristicMatch(old[j], newEp) {
					existing = old[j]
					break
				}
			}
		}

		if existing == nil {
			id, err := insertEpisode(tx, podID, newEp)
			if err != nil {
				return SyncResult{}, err
			}
			result.Added = append(result.Added, models.NewEpisode{
				ID:       id,
				PodID:    podID,
				Title:    newEp.Title,
				PodTitle: record.Title,
			})
			continue
		}

		if needsUpdate(existing, newEp) {
			_, err := tx.Exec(
				`UPDATE episodes SET title = ?, url = ?, guid = ?, description = ?,
					pubdate = ? WHERE id = ?;`,
				newEp.Title, newEp.URL, newEp.GUID, newEp.Description,
				nullTime(newEp.Pubdate), existing.ID)
			if err != nil {
				return SyncResult{}, fmt.Errorf("updating episode %d: %w", existing.ID, err)
			}
			result.Updated = append(result.Updated, existing.ID)
		}
	}
	return result, nil
}

// heuristicMatch counts matching fields among title, url, and pubdate; two
// of three count as the same episode.
func heuristicMatch(old *models.Episode, newEp models.EpisodeRecord) bool {
	matching := 0
	if old.Title == newEp.Title {
		matching++
	}
	if old.URL == newEp.URL {
		matching++
	}
	if !old.Pubdate.IsZero() && !newEp.Pubdate.IsZero() && old.Pubdate.Unix() == newEp.Pubdate.Unix() {
		matching++
	}
	return matching >= 2
}

// needsUpdate reports whether a matched episode's stored metadata differs
// from the freshly parsed data. Duration is deliberately left out: the
// probed value from the downloaded file beats anything the feed declares.
func needsUpdate(old *models.Episode, newEp models.EpisodeRecord) bool {
	pubdateMatch := old.Pubdate.IsZero() == newEp.Pubdate.IsZero() &&
		(old.Pubdate.IsZero() || old.Pubdate.Unix() == newEp.Pubdate.Unix())
	return !(old.Title == newEp.Title &&
		old.URL == newEp.URL &&
		old.GUID == newEp.GUID &&
		old.Description == newEp.Description &&
		pubdateMatch)
}

func insertEpisode(tx *sql.Tx, podID int64, ep models.EpisodeRecord) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO episodes (podcast_id, title, url, guid, description, pubdate, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		podID, ep.Title, ep.URL, ep.GUID, ep.Description, nullTime(ep.Pubdate), ep.Duration)
	if err != nil {
		return 0, fmt.Errorf("inserting episode: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting episode: %w", err)
	}
	return id, nil
}

// InsertFile records the local path of a downloaded episode file.
func (d *DB) InsertFile(episodeID int64, path string) error {
	_, err := d.conn.Exec(`INSERT INTO files (episode_id, path) VALUES (?, ?);`, episodeID, path)
	if err != nil {
		return fmt.Errorf("recording file for episode %d: %w", episodeID, err)
	}
	return nil
}

// RemoveFile forgets the local file for one episode.
func (d *DB) RemoveFile(episodeID int64) error {
	return d.RemoveFiles([]int64{episodeID})
}

// RemoveFiles forgets the local files for a batch of episodes.
func (d *DB) RemoveFiles(episodeIDs []int64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("removing files: %w", err)
	}
	defer tx.Rollback()
	for _, id := range episodeIDs {
		if _, err := tx.Exec(`DELETE FROM files WHERE episode_id = ?;`, id); err != nil {
			return fmt.Errorf("removing file for episode %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("removing files: %w", err)
	}
	return nil
}

// RemovePodcast deletes a podcast; episodes, file rows, and queue entries
// cascade.
func (d *DB) RemovePodcast(podID int64) error {
	res, err := d.conn.Exec(`DELETE FROM podcasts WHERE id = ?;`, podID)
	if err != nil {
		return fmt.Errorf("removing podcast %d: %w", podID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("removing podcast %d: %w", podID, ErrNotFound)
	}
	return nil
}

// SetPlayedStatus updates one episode's position, duration, and played
// flag.
func (d *DB) SetPlayedStatus(episodeID, position, duration int64, played bool) error {
	_, err := d.conn.Exec(
		`UPDATE episodes SET played = ?, position = ?, duration = ? WHERE id = ?;`,
		played, position, duration, episodeID)
	if err != nil {
		return fmt.Errorf("updating played status for episode %d: %w", episodeID, err)
	}
	return nil
}

// PlayedUpdate is one entry in a SetPlayedStatusBatch call.
type PlayedUpdate struct {
	EpisodeID int64
	Position  int64
	Duration  int64
	Played    bool
}

// SetPlayedStatusBatch applies a batch of played-status updates in one
// transaction.
func (d *DB) SetPlayedStatusBatch(updates []PlayedUpdate) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("updating played statuses: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE episodes SET played = ?, position = ?, duration = ? WHERE id = ?;`)
	if err != nil {
		return fmt.Errorf("updating played statuses: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.Exec(u.Played, u.Position, u.Duration, u.EpisodeID); err != nil {
			return fmt.Errorf("updating played status for episode %d: %w", u.EpisodeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("updating played statuses: %w", err)
	}
	return nil
}

// GetPodcasts returns all podcasts ordered by title, with nested episodes
// newest-first.
func (d *DB) GetPodcasts() ([]*models.Podcast, error) {
	rows, err := d.conn.Query(
		`SELECT id, title, url, description, author, explicit, last_checked
		 FROM podcasts ORDER BY title;`)
	if err != nil {
		return nil, fmt.Errorf("reading podcasts: %w", err)
	}
	defer rows.Close()

	var podcasts []*models.Podcast
	for rows.Next() {
		var p models.Podcast
		var description, author sql.NullString
		var explicit sql.NullBool
		var lastChecked sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Title, &p.URL, &description, &author, &explicit, &lastChecked); err != nil {
			return nil, fmt.Errorf("reading podcasts: %w", err)
		}
		p.Description = description.String
		p.Author = author.String
		if explicit.Valid {
			value := explicit.Bool
			p.Explicit = &value
		}
		if lastChecked.Valid {
			p.LastChecked = time.Unix(lastChecked.Int64, 0).UTC()
		}
		podcasts = append(podcasts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading podcasts: %w", err)
	}

	for _, p := range podcasts {
		episodes, err := d.GetEpisodes(p.ID)
		if err != nil {
			return nil, err
		}
		p.Episodes = models.NewCatalogFrom(episodes)
	}
	return podcasts, nil
}

// GetEpisodes returns all episodes of one podcast, newest first, with any
// downloaded file path joined in.
func (d *DB) GetEpisodes(podID int64) ([]*models.Episode, error) {
	rows, err := d.conn.Query(
		`SELECT e.id, e.podcast_id, e.title, e.url, e.guid, e.description,
			e.pubdate, e.duration, e.position, e.played, f.path
		 FROM episodes e LEFT JOIN files f ON e.id = f.episode_id
		 WHERE e.podcast_id = ? AND e.hidden = 0
		 ORDER BY e.pubdate DESC, e.id DESC;`, podID)
	if err != nil {
		return nil, fmt.Errorf("reading episodes for podcast %d: %w", podID, err)
	}
	defer rows.Close()

	return scanEpisodes(rows, podID)
}

func episodesTx(tx *sql.Tx, podID int64) ([]*models.Episode, error) {
	rows, err := tx.Query(
		`SELECT e.id, e.podcast_id, e.title, e.url, e.guid, e.description,
			e.pubdate, e.duration, e.position, e.played, f.path
		 FROM episodes e LEFT JOIN files f ON e.id = f.episode_id
		 WHERE e.podcast_id = ?
		 ORDER BY e.pubdate DESC, e.id DESC;`, podID)
	if err != nil {
		return nil, fmt.Errorf("reading episodes for podcast %d: %w", podID, err)
	}
	defer rows.Close()

	return scanEpisodes(rows, podID)
}

func scanEpisodes(rows *sql.Rows, podID int64) ([]*models.Episode, error) {
	var episodes []*models.Episode
	for rows.Next() {
		var e models.Episode
		var guid, description, path sql.NullString
		var pubdate, duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.PodID, &e.Title, &e.URL, &guid, &description,
			&pubdate, &duration, &e.Position, &e.Played, &path); err != nil {
			return nil, fmt.Errorf("reading episodes for podcast %d: %w", podID, err)
		}
		e.GUID = guid.String
		e.Description = description.String
		e.Path = path.String
		if pubdate.Valid {
			e.Pubdate = time.Unix(pubdate.Int64, 0).UTC()
		}
		e.Duration = duration.Int64
		episodes = append(episodes, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading episodes for podcast %d: %w", podID, err)
	}
	return episodes, nil
}

// GetQueue returns the persisted playback queue as an ordered list of
// episode ids.
func (d *DB) GetQueue() ([]int64, error) {
	rows, err := d.conn.Query(`SELECT episode_id FROM queue ORDER BY position;`)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reading queue: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	return ids, nil
}

// SetQueue replaces the persisted playback queue.
func (d *DB) SetQueue(episodeIDs []int64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queue;`); err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	for i, id := range episodeIDs {
		if _, err := tx.Exec(`INSERT INTO queue (position, episode_id) VALUES (?, ?);`, i, id); err != nil {
			return fmt.Errorf("writing queue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	return nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
