package gpodder

import (
	"github.com/charmbracelet/log"
)

// Request asks the runner to perform one remote operation. Exactly one of
// the fields is set per request.
type Request struct {
	// FetchChanges pulls subscription and episode action deltas and posts
	// a Changes message when both succeed.
	FetchChanges bool
	// Subscribe/Unsubscribe report a local subscription change upstream.
	Subscribe   string
	Unsubscribe string
	// Played reports local play positions upstream.
	Played []PlayedEpisode
}

// Changes carries one successful remote delta back to the controller.
// Timestamp is the value safe to persist as the new sync cursor.
type Changes struct {
	Added     []string
	Removed   []string
	Actions   []EpisodeAction
	Timestamp int64
}

// Error reports a failed remote operation back to the controller.
type Error struct {
	Err error
}

// Runner owns the client and serializes remote operations on a single
// goroutine, posting results to the controller inbox.
type Runner struct {
	client   *Client
	requests chan Request
	done     chan struct{}
	logger   *log.Logger
}

// NewRunner wraps client in a request-driven goroutine. Call Start to
// launch it and Stop to shut it down.
func NewRunner(client *Client, logger *log.Logger) *Runner {
	return &Runner{
		client:   client,
		requests: make(chan Request, 16),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the runner loop. Results and errors are posted through
// post as Changes and Error messages.
func (r *Runner) Start(post func(msg any)) {
	go func() {
		defer close(r.done)
		for req := range r.requests {
			r.handle(req, post)
		}
	}()
}

// Submit enqueues a request. It never blocks the caller for long; if the
// queue is full the request is dropped with a warning, since every remote
// operation is re-derivable from local state on the next pass.
func (r *Runner) Submit(req Request) {
	select {
	case r.requests <- req:
	default:
		r.logger.Warn("sync request queue full, dropping request")
	}
}

// Stop closes the request channel and waits for the in-flight operation
// to finish.
func (r *Runner) Stop() {
	close(r.requests)
	<-r.done
}

func (r *Runner) handle(req Request, post func(msg any)) {
	switch {
	case req.FetchChanges:
		added, removed, err := r.client.GetSubscriptionChanges()
		if err != nil {
			post(Error{Err: err})
			return
		}
		actions, err := r.client.GetEpisodeActionChanges()
		if err != nil {
			post(Error{Err: err})
			return
		}
		post(Changes{
			Added:     added,
			Removed:   removed,
			Actions:   actions,
			Timestamp: r.client.Timestamp(),
		})

	case req.Subscribe != "":
		if err := r.client.AddPodcast(req.Subscribe); err != nil {
			post(Error{Err: err})
		}

	case req.Unsubscribe != "":
		if err := r.client.RemovePodcast(req.Unsubscribe); err != nil {
			post(Error{Err: err})
		}

	case len(req.Played) > 0:
		if err := r.client.MarkPlayedBatch(req.Played); err != nil {
			post(Error{Err: err})
		}
	}
}
