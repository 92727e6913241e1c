package ringtone

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// Output is the PCM sink a player streams into: 16-bit little-endian stereo
// at the sample rate passed to the OutputFactory. Implementations wrap a
// sound device, a pipe to the host shell, or a test fake.
type Output interface {
	io.Writer
	SetVolume(v float64)
	Close() error
}

// OutputFactory opens a sink for the given sample rate.
type OutputFactory func(sampleRate int) (Output, error)

// MP3Player decodes an MP3 ringtone file and loops it into an Output until
// stopped. One instance is one playback; the controller creates a fresh one
// per Play.
type MP3Player struct {
	path    string
	volume  float64
	openOut OutputFactory

	mu      sync.Mutex
	stopped bool
	out     Output
	file    *os.File
	done    chan struct{}
}

// NewMP3Player returns a PlayerFactory for the given ringtone file. An empty
// path produces silent players, so a deployment without a ringtone file still
// rings in state, just not in sound.
func NewMP3Player(path string, volume float64, openOut OutputFactory) PlayerFactory {
	if volume <= 0 || volume > 1 {
		volume = 1
	}
	return func() Player {
		if path == "" {
			return silentPlayer{}
		}
		return &MP3Player{path: path, volume: volume, openOut: openOut}
	}
}

type silentPlayer struct{}

func (silentPlayer) Start(context.Context) error { return nil }
func (silentPlayer) Stop()                       {}

// Start opens the file and the output sink and begins the decode loop.
// It returns once audio is rolling; the loop runs until Stop.
func (p *MP3Player) Start(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("open ringtone: %w", err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode ringtone: %w", err)
	}

	out, err := p.openOut(dec.SampleRate())
	if err != nil {
		f.Close()
		return fmt.Errorf("open audio output: %w", err)
	}
	out.SetVolume(p.volume)

	p.mu.Lock()
	if p.stopped {
		// Stopped while we were opening resources — release and bail.
		p.mu.Unlock()
		out.Close()
		f.Close()
		return nil
	}
	p.file = f
	p.out = out
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.loop(ctx, dec, out, done)
	return nil
}

// loop streams decoded PCM into the output, rewinding at EOF so the
// ringtone repeats until Stop.
func (p *MP3Player) loop(ctx context.Context, dec *mp3.Decoder, out Output, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			p.Stop()
			return
		default:
		}

		n, err := dec.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				log.Printf("RINGTONE: output write: %v", werr)
				p.Stop()
				return
			}
		}
		if err == io.EOF {
			if _, serr := dec.Seek(0, io.SeekStart); serr != nil {
				log.Printf("RINGTONE: rewind: %v", serr)
				p.Stop()
				return
			}
			continue
		}
		if err != nil {
			log.Printf("RINGTONE: decode: %v", err)
			p.Stop()
			return
		}
	}
}

// Stop mutes, halts, and releases the output and file. Idempotent; also
// safe to call while Start is still opening resources.
func (p *MP3Player) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	out := p.out
	file := p.file
	done := p.done
	p.out = nil
	p.file = nil
	p.mu.Unlock()

	if done != nil {
		close(done)
	}
	if out != nil {
		// Mute before release so the tail of the last buffer is inaudible.
		out.SetVolume(0)
		out.Close()
	}
	if file != nil {
		file.Close()
	}
}
