package ringtone

import (
	"context"
	"testing"
)

func TestEmptyPathPlaysSilently(t *testing.T) {
	p := NewMP3Player("", 0.8, DefaultOutput)()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("silent player failed to start: %v", err)
	}
	p.Stop()
	p.Stop()
}

func TestMissingFileFailsStart(t *testing.T) {
	p := NewMP3Player("/nonexistent/ring.mp3", 0.8, DefaultOutput)()
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing ringtone file")
	}
}
