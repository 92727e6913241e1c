// app.go
package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/carelinq/callkit/internal/call"
	"github.com/carelinq/callkit/internal/config"
	"github.com/carelinq/callkit/internal/history"
	"github.com/carelinq/callkit/internal/incoming"
	"github.com/carelinq/callkit/internal/ringtone"
	"github.com/carelinq/callkit/internal/room"
	"github.com/carelinq/callkit/internal/signal"
	"github.com/carelinq/callkit/internal/socket"
	"github.com/carelinq/callkit/internal/util"

	"github.com/pion/webrtc/v4"
)

// App owns every long-lived service of the agent and wires them together.
// Construction order matters: socket → rooms → holder → ringtone → history
// → call manager; teardown runs the same chain in reverse.
type App struct {
	cfgPath string

	mu  sync.RWMutex
	cfg config.Config

	sock    *socket.Manager
	rooms   *room.Client
	holder  *incoming.Holder
	ring    *ringtone.Controller
	hist    *history.Store
	calls   *call.Manager
	cancel  context.CancelFunc
	started bool
}

func NewApp(cfgPath string, cfg config.Config) *App {
	return &App{cfgPath: cfgPath, cfg: cfg}
}

// Start brings every service up. It returns once the agent is running;
// the socket keeps reconnecting in the background.
func (a *App) Start(parent context.Context) error {
	if a.started {
		return fmt.Errorf("app already started")
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	cfg := a.config()

	// ── Signaling socket
	a.sock = socket.New(socket.Options{
		URL:         cfg.Vendor.SocketURL,
		APIKey:      cfg.Vendor.APIKey,
		MaxAttempts: cfg.Call.ReconnectMaxAttempts,
		Interval:    time.Duration(cfg.Call.ReconnectIntervalSec) * time.Second,
	})
	a.sock.OnStateChange(func(s socket.State) {
		log.Printf("APP: signaling %s", s)
	})

	// ── Room REST client
	a.rooms = room.NewClient(cfg.Vendor.RESTURL, cfg.Vendor.APIKey)

	// ── Incoming-call slot with ring timeout
	a.holder = incoming.New(a.sock,
		func() string { return a.config().Identity.Token },
		time.Duration(cfg.Call.RingTimeoutSec)*time.Second)

	// ── Ringtone. The factory reads live config so a ringtone swap in the
	// config file takes effect on the next incoming call.
	baseDir := filepath.Dir(a.cfgPath)
	a.ring = ringtone.NewController(func() ringtone.Player {
		c := a.config().Ringtone
		file := c.File
		if file != "" {
			file = util.ResolvePath(baseDir, file)
		}
		return ringtone.NewMP3Player(file, c.Volume, ringtone.DefaultOutput)()
	})

	// ── Call history (optional)
	if cfg.History.Dir != "" {
		h, err := history.Open(util.ResolvePath(baseDir, cfg.History.Dir))
		if err != nil {
			cancel()
			return fmt.Errorf("open call history: %w", err)
		}
		a.hist = h
	}

	// ── Call manager
	factory := call.NewPionFactory(a.iceServers)
	a.calls = call.NewManager(cfg.Identity.UserID, cfg.Identity.DisplayName,
		a.sock, a.holder, a.ring, a.hist, factory)
	a.calls.Start(ctx)

	if cfg.Call.AutoAnswer {
		a.holder.OnChange(func(inc *signal.IncomingCall) {
			if inc == nil {
				return
			}
			go func() {
				if _, err := a.calls.AcceptCall(ctx); err != nil {
					log.Printf("APP: auto-answer failed for room %s: %v", inc.RoomID, err)
				}
			}()
		})
		log.Printf("APP: auto-answer enabled")
	}

	// ── Connect and register
	a.sock.RegisterUser(cfg.Identity.UserID, cfg.Identity.DisplayName)
	a.sock.Connect(ctx)

	// ── Config hot-reload
	go func() {
		if err := config.Watch(ctx, a.cfgPath, a.applyConfig); err != nil {
			log.Printf("APP: config watch stopped: %v", err)
		}
	}()

	a.started = true
	log.Printf("APP: started as %s (%s)", cfg.Identity.UserID, cfg.Identity.DisplayName)
	return nil
}

// Close tears everything down in reverse start order.
func (a *App) Close() {
	if !a.started {
		return
	}
	a.started = false
	a.cancel()

	a.calls.Close()
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			log.Printf("APP: closing call history: %v", err)
		}
	}
	a.ring.StopAll()
	a.sock.Close()
	log.Printf("APP: stopped")
}

// Calls exposes the call manager to embedders and the control loop.
func (a *App) Calls() *call.Manager { return a.calls }

// Rooms exposes the room REST client.
func (a *App) Rooms() *room.Client { return a.rooms }

// Incoming exposes the incoming-call slot.
func (a *App) Incoming() *incoming.Holder { return a.holder }

// Socket exposes the signaling connection, mainly for State and Reconnect.
func (a *App) Socket() *socket.Manager { return a.sock }

func (a *App) config() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// applyConfig swaps in a validated config from the file watcher. Identity
// and endpoint changes need a restart; ringtone, ICE and timings apply to
// whatever starts next.
func (a *App) applyConfig(next config.Config) {
	prev := a.config()
	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if next.Vendor.SocketURL != prev.Vendor.SocketURL ||
		next.Vendor.APIKey != prev.Vendor.APIKey ||
		next.Identity.UserID != prev.Identity.UserID {
		log.Printf("APP: endpoint/identity change in config requires a restart to apply")
	}
	log.Printf("APP: config reloaded")
}

// iceServers builds the transport ICE set from live config.
func (a *App) iceServers() []webrtc.ICEServer {
	ice := a.config().ICE
	var servers []webrtc.ICEServer
	if len(ice.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: ice.STUNURLs})
	}
	if len(ice.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       ice.TURNURLs,
			Username:   ice.TURNUsername,
			Credential: ice.TURNPassword,
		})
	}
	return servers
}
