package schedule

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/alxayo/go-rts/internal/logger"
)

// Sink is the endpoint's single audio output. One source plays at a time;
// Clear silences whatever is running so the next source starts clean.
type Sink interface {
	// Play starts a cached record file at the given volume multiplier.
	Play(path string, volume float64) error
	// PlayStream plays Ogg/Opus audio arriving on r, used for live streams.
	PlayStream(r io.Reader, volume float64) error
	// Playing reports whether a source is currently audible.
	Playing() bool
	// Clear stops the current source, if any.
	Clear()
	// SetVolume changes the volume applied at the next spawn.
	SetVolume(volume float64)
}

// PlayerConfig names the external player invocations. The {volume} and
// {input} placeholders expand at spawn; the stream command always reads
// from stdin.
type PlayerConfig struct {
	// FileCommand plays a local record file.
	FileCommand []string
	// StreamCommand plays Ogg/Opus piped on stdin.
	StreamCommand []string
}

func (c *PlayerConfig) applyDefaults() {
	if len(c.FileCommand) == 0 {
		c.FileCommand = []string{"play", "-q", "-v", "{volume}", "{input}"}
	}
	if len(c.StreamCommand) == 0 {
		c.StreamCommand = []string{"play", "-q", "-v", "{volume}", "-t", "ogg", "-"}
	}
}

// Player is the exec-backed Sink: each source spawns the configured command
// and Clear kills it. Volume is a multiplier handed to the player at spawn;
// a change while a source is running takes effect on the next one.
type Player struct {
	cfg PlayerConfig
	log *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	volume float64
}

// NewPlayer builds a Player around the configured commands.
func NewPlayer(cfg PlayerConfig) *Player {
	cfg.applyDefaults()
	return &Player{
		cfg:    cfg,
		log:    logger.Logger().With("component", "player"),
		volume: 1.0,
	}
}

// expand substitutes the spawn placeholders in one argument.
func expand(arg string, volume float64, input string) string {
	arg = strings.ReplaceAll(arg, "{volume}", fmt.Sprintf("%g", volume))
	arg = strings.ReplaceAll(arg, "{input}", input)
	return arg
}

func (p *Player) buildCmd(template []string, volume float64, input string) *exec.Cmd {
	args := make([]string, 0, len(template)-1)
	for _, a := range template[1:] {
		args = append(args, expand(a, volume, input))
	}
	return exec.Command(template[0], args...)
}

// Play spawns the file command for a cached record.
func (p *Player) Play(path string, volume float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if volume <= 0 {
		volume = p.volume
	}

	cmd := p.buildCmd(p.cfg.FileCommand, volume, path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn player: %w", err)
	}
	p.cmd = cmd
	p.log.Info("playback started", "path", path, "volume", volume)
	go p.reap(cmd)
	return nil
}

// PlayStream spawns the stream command and pumps r into its stdin.
func (p *Player) PlayStream(r io.Reader, volume float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if volume <= 0 {
		volume = p.volume
	}

	cmd := p.buildCmd(p.cfg.StreamCommand, volume, "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("spawn player: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.log.Info("live playback started", "volume", volume)

	go func() {
		_, err := io.Copy(stdin, r)
		_ = stdin.Close()
		if err != nil {
			p.log.Debug("stream source closed", "error", err)
		}
	}()
	go p.reap(cmd)
	return nil
}

// reap waits for the spawned player and releases the slot when it exits on
// its own.
func (p *Player) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == cmd {
		p.cmd = nil
		p.stdin = nil
		if err != nil {
			p.log.Debug("player exited", "error", err)
		}
	}
}

// Playing reports whether a spawned player is still running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// Clear kills the current player, if any.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// stopLocked tears the current spawn down. Callers hold p.mu.
func (p *Player) stopLocked() {
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
}

// SetVolume updates the multiplier used when the next source spawns.
func (p *Player) SetVolume(volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if volume > 0 {
		p.volume = volume
	}
}
