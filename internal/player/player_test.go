package player

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
)

func TestClampSeek(t *testing.T) {
	tests := []struct {
		name     string
		target   int64
		duration int64
		want     int64
	}{
		{"within bounds", 100, 600, 100},
		{"before start", -30, 600, 0},
		{"past end", 700, 600, 600},
		{"exactly end", 600, 600, 600},
		{"unknown duration clamps low only", 700, 0, 700},
		{"unknown duration before start", -5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampSeek(tt.target, tt.duration); got != tt.want {
				t.Errorf("clampSeek(%d, %d) = %d, want %d", tt.target, tt.duration, got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateReady, "ready"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{StateFinished, "finished"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// fakeMPV answers IPC commands on a unix socket the way mpv does, with an
// event line interleaved before the real response.
func fakeMPV(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mpv.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on unix socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var cmd mpvCommand
				if err := json.Unmarshal(line, &cmd); err != nil {
					return
				}

				conn.Write([]byte(`{"event": "playback-restart"}` + "\n"))

				resp := mpvResponse{Error: "success"}
				if len(cmd.Command) >= 2 && cmd.Command[0] == "get_property" {
					switch cmd.Command[1] {
					case "time-pos":
						resp.Data = 42.7
					case "duration":
						resp.Data = 600.0
					default:
						resp = mpvResponse{Error: "property unavailable"}
					}
				}
				out, _ := json.Marshal(resp)
				conn.Write(append(out, '\n'))
			}(conn)
		}
	}()
	return socketPath
}

func TestSendCommandSkipsEvents(t *testing.T) {
	socketPath := fakeMPV(t)

	resp, err := sendCommand(socketPath, "get_property", "time-pos")
	if err != nil {
		t.Fatalf("sendCommand: %v", err)
	}
	pos, ok := resp.Data.(float64)
	if !ok || pos != 42.7 {
		t.Errorf("time-pos = %v, want 42.7", resp.Data)
	}
}

func TestSendCommandPropagatesErrors(t *testing.T) {
	socketPath := fakeMPV(t)

	if _, err := sendCommand(socketPath, "get_property", "volume"); err == nil {
		t.Error("expected error for unavailable property")
	}
}

func TestSampleUpdatesElapsed(t *testing.T) {
	p := New(log.New(io.Discard))
	p.socketPath = fakeMPV(t)
	p.setStatus(func(s *Status) {
		s.State = StatePlaying
		s.Duration = 600
	})

	p.sample()

	st := p.Status()
	if st.Elapsed != 42 {
		t.Errorf("elapsed = %d, want 42", st.Elapsed)
	}
	if st.State != StatePlaying {
		t.Errorf("state = %v, want playing", st.State)
	}
}

func TestStatusSnapshotIsIndependent(t *testing.T) {
	p := New(log.New(io.Discard))
	p.setStatus(func(s *Status) {
		s.State = StatePaused
		s.Elapsed = 10
		s.Duration = 20
	})

	st := p.Status()
	st.Elapsed = 999

	if got := p.Status().Elapsed; got != 10 {
		t.Errorf("mutating the snapshot leaked back, elapsed = %d", got)
	}
}
