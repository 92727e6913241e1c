// Package config loads and validates the agent configuration from a JSON
// file. Missing fields fall back to defaults so a minimal config stays
// minimal; a missing vendor API key is legal at this layer — the socket
// manager degrades instead of crashing the host (see Validate).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/carelinq/callkit/internal/util"
)

type Config struct {
	Vendor   Vendor   `json:"vendor"`
	Identity Identity `json:"identity"`
	ICE      ICE      `json:"ice"`
	Ringtone Ringtone `json:"ringtone"`
	Call     Call     `json:"call"`
	History  History  `json:"history"`
}

// Vendor is the managed call backend this agent connects to.
type Vendor struct {
	// SocketURL is the persistent signaling endpoint (ws:// or wss://).
	SocketURL string `json:"socket_url"`
	// RESTURL is the room-lifecycle REST root.
	RESTURL string `json:"rest_url"`
	// APIKey authenticates both transports. Empty means signaling is
	// disabled but the agent still starts.
	APIKey string `json:"api_key"`
}

// Identity is who this agent registers as.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	// Token is the platform credential (JWT). The decline path derives the
	// local user ID from it.
	Token string `json:"token"`
}

// ICE lists NAT traversal servers for the media transport. STUN-only is the
// default; TURN entries need credentials.
type ICE struct {
	STUNURLs     []string `json:"stun_urls"`
	TURNURLs     []string `json:"turn_urls"`
	TURNUsername string   `json:"turn_username"`
	TURNPassword string   `json:"turn_password"`
}

type Ringtone struct {
	// File is the MP3 played for incoming calls. Empty disables the tone.
	File   string  `json:"file"`
	Volume float64 `json:"volume"`
}

type Call struct {
	// RingTimeoutSec auto-declines an unanswered incoming call. 0 rings forever.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
	// ReconnectMaxAttempts bounds automatic socket reconnects.
	ReconnectMaxAttempts int `json:"reconnect_max_attempts"`
	// ReconnectIntervalSec is the linear backoff base between attempts.
	ReconnectIntervalSec int `json:"reconnect_interval_seconds"`
	// AutoAnswer accepts every incoming call without a decision hook —
	// kiosk/exam-room deployments.
	AutoAnswer bool `json:"auto_answer"`
}

type History struct {
	// Dir holds the call-log database. Empty disables the call log.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Vendor: Vendor{
			SocketURL: "wss://calls.example.invalid/socket",
			RESTURL:   "https://calls.example.invalid/api",
		},
		ICE: ICE{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Ringtone: Ringtone{
			Volume: 0.8,
		},
		Call: Call{
			RingTimeoutSec:       45,
			ReconnectMaxAttempts: 5,
			ReconnectIntervalSec: 2,
		},
		History: History{
			Dir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendor.SocketURL) == "" {
		return errors.New("vendor.socket_url is required")
	}
	if u, err := url.Parse(c.Vendor.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("vendor.socket_url must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(c.Vendor.RESTURL) == "" {
		return errors.New("vendor.rest_url is required")
	}
	if u, err := url.Parse(c.Vendor.RESTURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("vendor.rest_url must be an http:// or https:// URL")
	}

	// The API key is deliberately NOT required: a missing credential is a
	// configuration error that degrades calling, it must not stop the agent.

	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	for _, s := range c.ICE.STUNURLs {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("ice.stun_urls entry %q must start with stun:", s)
		}
	}
	for _, s := range c.ICE.TURNURLs {
		if !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.turn_urls entry %q must start with turn: or turns:", s)
		}
	}
	if len(c.ICE.TURNURLs) > 0 && c.ICE.TURNUsername == "" {
		return errors.New("ice.turn_username is required when turn_urls is set")
	}

	if c.Ringtone.Volume < 0 || c.Ringtone.Volume > 1 {
		return errors.New("ringtone.volume must be 0..1")
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.ReconnectMaxAttempts <= 0 {
		return errors.New("call.reconnect_max_attempts must be > 0")
	}
	if c.Call.ReconnectIntervalSec <= 0 {
		return errors.New("call.reconnect_interval_seconds must be > 0")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}
