package ringtone

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// DefaultOutput opens the platform audio sink. On Linux the PCM stream is
// piped to aplay; elsewhere (and when no player binary is available) the
// stream is paced into a discard sink so playback timing still behaves.
func DefaultOutput(sampleRate int) (Output, error) {
	if runtime.GOOS == "linux" {
		if path, err := exec.LookPath("aplay"); err == nil {
			return newCommandOutput(path, sampleRate)
		}
	}
	return &discardOutput{}, nil
}

// commandOutput pipes PCM into an external player process.
type commandOutput struct {
	cmd  *exec.Cmd
	pipe io.WriteCloser

	mu     sync.Mutex
	muted  bool
	closed bool
}

func newCommandOutput(path string, sampleRate int) (Output, error) {
	cmd := exec.Command(path, "-q", "-f", "S16_LE", "-c", "2", "-r", strconv.Itoa(sampleRate))
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	return &commandOutput{cmd: cmd, pipe: pipe}, nil
}

func (o *commandOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	muted, closed := o.muted, o.closed
	o.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if muted {
		// Swallow samples but report success so the decode loop keeps pace.
		return len(p), nil
	}
	return o.pipe.Write(p)
}

// SetVolume only distinguishes muted from audible — aplay has no volume
// control on the pipe, and the controller only ever mutes on stop.
func (o *commandOutput) SetVolume(v float64) {
	o.mu.Lock()
	o.muted = v <= 0
	o.mu.Unlock()
}

func (o *commandOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.pipe.Close()
	if o.cmd.Process != nil {
		o.cmd.Process.Kill()
	}
	return o.cmd.Wait()
}

// discardOutput swallows PCM. It exists so platforms without a player binary
// still exercise the full play/stop lifecycle.
type discardOutput struct{}

func (*discardOutput) Write(p []byte) (int, error) { return len(p), nil }
func (*discardOutput) SetVolume(float64)           {}
func (*discardOutput) Close() error                { return nil }
