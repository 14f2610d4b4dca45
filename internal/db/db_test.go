package db

import (
	"errors"
	"testing"
	"time"

	"github.com/csams/castkeep/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Connect(t.TempDir())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testRecord() models.PodcastRecord {
	explicit := false
	return models.PodcastRecord{
		Title:       "Test Cast",
		URL:         "https://example.com/feed.xml",
		Description: "a show",
		Author:      "Jordan Example",
		Explicit:    &explicit,
		LastChecked: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Episodes: []models.EpisodeRecord{
			{
				Title:   "Episode Two",
				URL:     "https://example.com/ep2.mp3",
				GUID:    "guid-2",
				Pubdate: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC),
			},
			{
				Title:    "Episode One",
				URL:      "https://example.com/ep1.mp3",
				GUID:     "guid-1",
				Pubdate:  time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
				Duration: 600,
			},
		},
	}
}

func TestInsertAndGetPodcasts(t *testing.T) {
	d := testDB(t)

	result, err := d.InsertPodcast(testRecord())
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	if len(result.Added) != 2 {
		t.Fatalf("expected 2 added episodes, got %d", len(result.Added))
	}

	pods, err := d.GetPodcasts()
	if err != nil {
		t.Fatalf("GetPodcasts: %v", err)
	}
	if len(pods) != 1 {
		t.Fatalf("expected 1 podcast, got %d", len(pods))
	}

	pod := pods[0]
	if pod.Title != "Test Cast" || pod.Author != "Jordan Example" {
		t.Errorf("podcast = %+v", pod)
	}
	if pod.Explicit == nil || *pod.Explicit {
		t.Errorf("explicit = %v, want false", pod.Explicit)
	}
	if pod.Episodes.Len(false) != 2 {
		t.Fatalf("expected 2 episodes, got %d", pod.Episodes.Len(false))
	}

	// newest first
	order := pod.Episodes.Order(false)
	title, _ := models.MapSingle(pod.Episodes, order[0], func(ep *models.Episode) string { return ep.Title })
	if title != "Episode Two" {
		t.Errorf("first episode = %q, want Episode Two", title)
	}

	// every episode references its podcast id
	for _, podID := range models.Map(pod.Episodes, false, func(ep *models.Episode) int64 { return ep.PodID }) {
		if podID != pod.ID {
			t.Errorf("episode pod id = %d, want %d", podID, pod.ID)
		}
	}
}

func TestUpdatePodcastMergesByGUID(t *testing.T) {
	d := testDB(t)

	record := testRecord()
	result, err := d.InsertPodcast(record)
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	podID := result.Added[0].PodID

	// same guid, changed title: update, not insert
	record.Episodes[0].Title = "Episode Two (remastered)"
	// plus a brand new episode
	record.Episodes = append([]models.EpisodeRecord{{
		Title:   "Episode Three",
		URL:     "https://example.com/ep3.mp3",
		GUID:    "guid-3",
		Pubdate: time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC),
	}}, record.Episodes...)

	sync, err := d.UpdatePodcast(podID, record)
	if err != nil {
		t.Fatalf("UpdatePodcast: %v", err)
	}
	if len(sync.Added) != 1 || sync.Added[0].Title != "Episode Three" {
		t.Errorf("added = %+v, want just Episode Three", sync.Added)
	}
	if len(sync.Updated) != 1 {
		t.Errorf("updated = %v, want one id", sync.Updated)
	}

	eps, err := d.GetEpisodes(podID)
	if err != nil {
		t.Fatalf("GetEpisodes: %v", err)
	}
	if len(eps) != 3 {
		t.Errorf("expected 3 episodes after merge, got %d", len(eps))
	}
}

func TestUpdatePodcastHeuristicMatch(t *testing.T) {
	d := testDB(t)

	record := testRecord()
	// stored without guids, as some feeds do
	record.Episodes[0].GUID = ""
	record.Episodes[1].GUID = ""
	result, err := d.InsertPodcast(record)
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	podID := result.Added[0].PodID

	// retitled, but url+pubdate still match 2-of-3
	record.Episodes[0].Title = "Episode Two (fixed)"
	sync, err := d.UpdatePodcast(podID, record)
	if err != nil {
		t.Fatalf("UpdatePodcast: %v", err)
	}
	if len(sync.Added) != 0 {
		t.Errorf("heuristic match failed, %d episodes duplicated", len(sync.Added))
	}
	if len(sync.Updated) != 1 {
		t.Errorf("updated = %v, want one id", sync.Updated)
	}

	// only the title matches: 1-of-3 is a different episode
	record.Episodes[1] = models.EpisodeRecord{
		Title:   "Episode One",
		URL:     "https://example.com/ep1-reupload.mp3",
		Pubdate: time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
	}
	sync, err = d.UpdatePodcast(podID, record)
	if err != nil {
		t.Fatalf("UpdatePodcast: %v", err)
	}
	if len(sync.Added) != 1 {
		t.Errorf("expected 1-of-3 match to insert a new episode, added = %+v", sync.Added)
	}
}

func TestUpdatePodcastUnknownID(t *testing.T) {
	d := testDB(t)
	if _, err := d.UpdatePodcast(42, testRecord()); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePodcast(42) error = %v, want ErrNotFound", err)
	}
}

func TestFilesLifecycle(t *testing.T) {
	d := testDB(t)
	result, err := d.InsertPodcast(testRecord())
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	epID := result.Added[0].ID
	podID := result.Added[0].PodID

	if err := d.InsertFile(epID, "/tmp/ep.mp3"); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	eps, err := d.GetEpisodes(podID)
	if err != nil {
		t.Fatalf("GetEpisodes: %v", err)
	}
	var found bool
	for _, ep := range eps {
		if ep.ID == epID {
			found = true
			if ep.Path != "/tmp/ep.mp3" {
				t.Errorf("path = %q", ep.Path)
			}
		}
	}
	if !found {
		t.Fatal("inserted episode not returned")
	}

	if err := d.RemoveFile(epID); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	eps, _ = d.GetEpisodes(podID)
	for _, ep := range eps {
		if ep.ID == epID && ep.Path != "" {
			t.Errorf("path survived RemoveFile: %q", ep.Path)
		}
	}
}

func TestRemovePodcastCascades(t *testing.T) {
	d := testDB(t)
	result, err := d.InsertPodcast(testRecord())
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	podID := result.Added[0].PodID
	epID := result.Added[0].ID

	if err := d.InsertFile(epID, "/tmp/ep.mp3"); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := d.SetQueue([]int64{epID}); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}

	if err := d.RemovePodcast(podID); err != nil {
		t.Fatalf("RemovePodcast: %v", err)
	}

	pods, _ := d.GetPodcasts()
	if len(pods) != 0 {
		t.Errorf("podcast survived removal")
	}
	eps, _ := d.GetEpisodes(podID)
	if len(eps) != 0 {
		t.Errorf("%d episodes survived cascade", len(eps))
	}
	queue, _ := d.GetQueue()
	if len(queue) != 0 {
		t.Errorf("queue entries survived cascade: %v", queue)
	}

	if err := d.RemovePodcast(podID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second removal error = %v, want ErrNotFound", err)
	}
}

func TestPlayedStatus(t *testing.T) {
	d := testDB(t)
	result, err := d.InsertPodcast(testRecord())
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}
	podID := result.Added[0].PodID
	ep1 := result.Added[0].ID
	ep2 := result.Added[1].ID

	if err := d.SetPlayedStatus(ep1, 600, 600, true); err != nil {
		t.Fatalf("SetPlayedStatus: %v", err)
	}
	if err := d.SetPlayedStatusBatch([]PlayedUpdate{
		{EpisodeID: ep1, Position: 0, Duration: 600, Played: false},
		{EpisodeID: ep2, Position: 100, Duration: 200, Played: true},
	}); err != nil {
		t.Fatalf("SetPlayedStatusBatch: %v", err)
	}

	eps, _ := d.GetEpisodes(podID)
	for _, ep := range eps {
		switch ep.ID {
		case ep1:
			if ep.Played || ep.Position != 0 {
				t.Errorf("ep1 = played %v position %d", ep.Played, ep.Position)
			}
		case ep2:
			if !ep.Played || ep.Position != 100 || ep.Duration != 200 {
				t.Errorf("ep2 = %+v", ep)
			}
		}
	}
}

func TestParams(t *testing.T) {
	d := testDB(t)

	got, err := d.GetParam("timestamp")
	if err != nil {
		t.Fatalf("GetParam: %v", err)
	}
	if got != "" {
		t.Errorf("unset param = %q, want empty", got)
	}

	if err := d.SetParam("timestamp", "12345"); err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if err := d.SetParam("timestamp", "67890"); err != nil {
		t.Fatalf("SetParam overwrite: %v", err)
	}

	got, _ = d.GetParam("timestamp")
	if got != "67890" {
		t.Errorf("param = %q, want 67890", got)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	d := testDB(t)
	result, err := d.InsertPodcast(testRecord())
	if err != nil {
		t.Fatalf("InsertPodcast: %v", err)
	}

	want := []int64{result.Added[1].ID, result.Added[0].ID}
	if err := d.SetQueue(want); err != nil {
		t.Fatalf("SetQueue: %v", err)
	}

	got, err := d.GetQueue()
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("queue = %v, want %v", got, want)
	}
}
