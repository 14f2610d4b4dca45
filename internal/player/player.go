// Package player drives audio playback through an mpv subprocess
// controlled over its JSON IPC socket. A single goroutine owns the
// subprocess; callers enqueue commands and read playback status from
// lock-protected snapshot cells.
package player

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
)

// State describes what the playback engine is doing. Finished is entered
// exactly once per track, when mpv reaches the end of the stream; the next
// play command moves the engine back to Playing.
type State int

const (
	StateReady State = iota
	StatePlaying
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the engine's playback position. Elapsed and
// Duration are in seconds.
type Status struct {
	State    State
	Elapsed  int64
	Duration int64
}

// Commands accepted by the engine loop.
type playCmd struct {
	target   string // local path or stream url
	resumeAt int64  // seconds
}
type playPauseCmd struct{}
type seekCmd struct{ delta int64 }
type quitCmd struct{}

type mpvCommand struct {
	Command   []any `json:"command"`
	RequestID int   `json:"request_id,omitempty"`
}

type mpvResponse struct {
	Data      any    `json:"data"`
	RequestID int    `json:"request_id"`
	Error     string `json:"error"`
}

// Player runs mpv in idle mode and feeds it one track at a time. All
// mutation happens on the loop goroutine started by Start; Status is safe
// to call from anywhere.
type Player struct {
	socketPath string
	cmds       chan any
	done       chan struct{}
	logger     *log.Logger

	proc *exec.Cmd

	mu     sync.Mutex
	status Status
}

// New creates a playback engine. Call Start before sending commands.
func New(logger *log.Logger) *Player {
	return &Player{
		socketPath: fmt.Sprintf("/tmp/castkeep-mpv-%d", os.Getpid()),
		cmds:       make(chan any, 8),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start launches mpv in idle mode and the engine loop.
func (p *Player) Start() error {
	os.Remove(p.socketPath)

	p.proc = exec.Command("mpv",
		"--no-video",
		"--really-quiet",
		"--no-terminal",
		fmt.Sprintf("--input-ipc-server=%s", p.socketPath),
		"--idle",
		"--force-window=no",
		"--keep-open=no",
	)
	if err := p.proc.Start(); err != nil {
		return fmt.Errorf("starting mpv: %w", err)
	}

	if !waitForSocket(p.socketPath, 10) {
		p.proc.Process.Kill()
		p.proc.Wait()
		p.proc = nil
		return fmt.Errorf("mpv socket not created after timeout")
	}

	go p.run()
	return nil
}

// Play starts playback of a local file or stream url, seeking to resumeAt
// seconds once the track loads.
func (p *Player) Play(target string, resumeAt int64) {
	p.cmds <- playCmd{target: target, resumeAt: resumeAt}
}

// PlayPause toggles between Playing and Paused. Ignored when no track is
// loaded.
func (p *Player) PlayPause() {
	p.cmds <- playPauseCmd{}
}

// Seek moves the playback position by delta seconds, clamped to the
// track's bounds.
func (p *Player) Seek(delta int64) {
	p.cmds <- seekCmd{delta: delta}
}

// Stop shuts down the engine loop and the mpv subprocess.
func (p *Player) Stop() {
	p.cmds <- quitCmd{}
	<-p.done
}

// Status returns the current playback snapshot.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Player) setStatus(fn func(*Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

// run is the engine loop. It samples mpv roughly once a second and applies
// queued commands in between.
func (p *Player) run() {
	defer close(p.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-p.cmds:
			switch c := cmd.(type) {
			case playCmd:
				p.play(c)
			case playPauseCmd:
				p.playPause()
			case seekCmd:
				p.seek(c.delta)
			case quitCmd:
				p.shutdown()
				return
			}
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Player) play(c playCmd) {
	if _, err := p.send("loadfile", c.target); err != nil {
		p.logger.Error("loading track", "target", c.target, "err", err)
		return
	}
	p.send("set_property", "pause", false)

	// duration only becomes known once mpv has opened the stream
	var duration int64
	for i := 0; i < 20; i++ {
		if resp, err := p.send("get_property", "duration"); err == nil {
			if d, ok := resp.Data.(float64); ok && d > 0 {
				duration = int64(d)
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	if c.resumeAt > 0 {
		target := clampSeek(c.resumeAt, duration)
		p.send("seek", target, "absolute")
	}

	p.setStatus(func(s *Status) {
		s.State = StatePlaying
		s.Elapsed = c.resumeAt
		s.Duration = duration
	})
}

func (p *Player) playPause() {
	st := p.Status()
	switch st.State {
	case StatePlaying:
		if _, err := p.send("set_property", "pause", true); err == nil {
			p.setStatus(func(s *Status) { s.State = StatePaused })
		}
	case StatePaused:
		if _, err := p.send("set_property", "pause", false); err == nil {
			p.setStatus(func(s *Status) { s.State = StatePlaying })
		}
	}
}

// seek repositions within the current track. The volume is faded around
// the jump so the cut is not audible, and the previous pause state is
// restored afterwards.
func (p *Player) seek(delta int64) {
	st := p.Status()
	if st.State != StatePlaying && st.State != StatePaused {
		return
	}

	target := clampSeek(st.Elapsed+delta, st.Duration)

	wasPlaying := st.State == StatePlaying
	if wasPlaying {
		p.send("set_property", "pause", true)
		p.fadeVolume(100, 0)
	}

	if _, err := p.send("seek", target, "absolute"); err != nil {
		p.logger.Error("seeking", "target", target, "err", err)
	} else {
		p.setStatus(func(s *Status) { s.Elapsed = target })
	}

	if wasPlaying {
		p.send("set_property", "pause", false)
		p.fadeVolume(0, 100)
	}
}

func (p *Player) fadeVolume(from, to int) {
	step := 20
	if to < from {
		step = -20
	}
	for v := from; ; v += step {
		if (step > 0 && v > to) || (step < 0 && v < to) {
			break
		}
		p.send("set_property", "volume", v)
		time.Sleep(20 * time.Millisecond)
	}
	p.send("set_property", "volume", to)
}

// sample refreshes the elapsed time from mpv and detects end of stream.
func (p *Player) sample() {
	st := p.Status()
	if st.State != StatePlaying && st.State != StatePaused {
		return
	}

	if resp, err := p.send("get_property", "idle-active"); err == nil {
		if idle, ok := resp.Data.(bool); ok && idle {
			// the track ended; snap elapsed to the full duration
			p.setStatus(func(s *Status) {
				s.State = StateFinished
				if s.Duration > 0 {
					s.Elapsed = s.Duration
				}
			})
			return
		}
	}

	if resp, err := p.send("get_property", "time-pos"); err == nil {
		if pos, ok := resp.Data.(float64); ok && pos >= 0 {
			p.setStatus(func(s *Status) { s.Elapsed = int64(pos) })
		}
	}
	if st.Duration == 0 {
		if resp, err := p.send("get_property", "duration"); err == nil {
			if d, ok := resp.Data.(float64); ok && d > 0 {
				p.setStatus(func(s *Status) { s.Duration = int64(d) })
			}
		}
	}
}

func (p *Player) shutdown() {
	p.send("quit")

	if p.proc != nil && p.proc.Process != nil {
		exited := make(chan error, 1)
		go func() { exited <- p.proc.Wait() }()
		select {
		case <-exited:
		case <-time.After(500 * time.Millisecond):
			p.proc.Process.Kill()
			<-exited
		}
	}
	os.Remove(p.socketPath)
}

// send issues one IPC command to mpv over a fresh socket connection.
func (p *Player) send(args ...any) (*mpvResponse, error) {
	return sendCommand(p.socketPath, args...)
}

func sendCommand(socketPath string, args ...any) (*mpvResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to mpv socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	data, err := json.Marshal(mpvCommand{Command: args})
	if err != nil {
		return nil, fmt.Errorf("encoding mpv command: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("writing mpv command: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("reading mpv response: %w", err)
		}
		var resp mpvResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		// skip interleaved event notifications
		if resp.Error == "" {
			continue
		}
		if resp.Error != "success" {
			return &resp, fmt.Errorf("mpv: %s", resp.Error)
		}
		return &resp, nil
	}
}

// clampSeek bounds a seek target to [0, duration]. An unknown duration
// only clamps the lower bound.
func clampSeek(target, duration int64) int64 {
	if target < 0 {
		return 0
	}
	if duration > 0 && target > duration {
		return duration
	}
	return target
}

func waitForSocket(path string, attempts int) bool {
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// Probe opens path in a short-lived mpv instance and returns the track
// duration in seconds. Used after downloads to replace feed-declared
// durations with the real value.
func Probe(path string) (int64, error) {
	socketPath := fmt.Sprintf("/tmp/castkeep-probe-%d-%d", os.Getpid(), time.Now().UnixNano())
	defer os.Remove(socketPath)

	proc := exec.Command("mpv",
		"--no-video",
		"--really-quiet",
		"--no-terminal",
		fmt.Sprintf("--input-ipc-server=%s", socketPath),
		"--pause",
		"--force-window=no",
		path,
	)
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("starting mpv probe: %w", err)
	}
	defer func() {
		sendCommand(socketPath, "quit")
		exited := make(chan error, 1)
		go func() { exited <- proc.Wait() }()
		select {
		case <-exited:
		case <-time.After(500 * time.Millisecond):
			proc.Process.Kill()
			<-exited
		}
	}()

	if !waitForSocket(socketPath, 10) {
		return 0, fmt.Errorf("mpv probe socket not created")
	}

	for i := 0; i < 30; i++ {
		if resp, err := sendCommand(socketPath, "get_property", "duration"); err == nil {
			if d, ok := resp.Data.(float64); ok && d > 0 {
				return int64(d), nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return 0, fmt.Errorf("probing duration of %s: no duration reported", path)
}
