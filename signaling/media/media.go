/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package media implements the call media transport with a WebRTC peer
// connection carrying a single bidirectional Opus audio track.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
	"stash.kopano.io/kwm/kwmclient/turn"
)

// DefaultSTUNURIs are used when no ICE servers are configured.
var DefaultSTUNURIs = []string{"stun:stun.l.google.com:19302"}

// Defaults for Config values which are left empty.
const (
	DefaultDisconnectedTimeout = 10 * time.Second
	DefaultFailedTimeout       = 30 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
	DefaultTURNTimeout         = 5 * time.Second
)

// An AudioSource provides encoded Opus samples of the local microphone.
// ReadSample blocks until the next sample is available.
type AudioSource interface {
	ReadSample(ctx context.Context) (*pionmedia.Sample, error)
}

// An AudioSink receives the RTP packets of the remote audio.
type AudioSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// A SpeakerSwitch is an AudioSink which can route its output to the
// loudspeaker.
type SpeakerSwitch interface {
	SetSpeakerOn(on bool)
}

// Config bundles the settings of an Adapter.
type Config struct {
	STUNURIs []string

	TURN     turn.Server
	TURNUser string

	Source AudioSource
	Sink   AudioSink

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	TURNTimeout         time.Duration

	IncludeLoopbackCandidates bool
}

func (config *Config) withDefaults() *Config {
	c := *config

	if c.STUNURIs == nil {
		c.STUNURIs = DefaultSTUNURIs
	}
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = DefaultFailedTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.TURNTimeout <= 0 {
		c.TURNTimeout = DefaultTURNTimeout
	}

	return &c
}

// Adapter is a call.MediaAdapter using a WebRTC peer connection per call.
type Adapter struct {
	ctx    context.Context
	config *Config
	logger logrus.FieldLogger

	webrtcAPI *webrtc.API

	mutex     sync.Mutex
	session   *session
	muted     bool
	speakerOn bool

	turnMutex   sync.Mutex
	turnConfig  *turn.ClientConfig
	turnExpires time.Time
}

// New creates a new Adapter with the provided config.
func New(ctx context.Context, config *Config, logger logrus.FieldLogger) (*Adapter, error) {
	config = config.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(config.DisconnectedTimeout, config.FailedTimeout, config.KeepAliveInterval)
	if config.IncludeLoopbackCandidates {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	a := &Adapter{
		ctx:    ctx,
		config: config,
		logger: logger.WithField("manager", "media"),

		webrtcAPI: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		),
	}

	return a, nil
}

// iceServers returns the ICE server list from the configured STUN URIs and
// the optional TURN config.
func iceServers(stunURIs []string, turnConfig *turn.ClientConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stunURIs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: stunURIs,
		})
	}
	if turnConfig != nil && len(turnConfig.URIs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turnConfig.URIs,
			Username:       turnConfig.Username,
			Credential:     turnConfig.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

func (a *Adapter) fetchTURNConfig(ctx context.Context) *turn.ClientConfig {
	if a.config.TURN == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.TURNTimeout)
	defer cancel()

	turnConfig, err := a.config.TURN.GetConfig(ctx, a.config.TURNUser)
	if err != nil {
		a.logger.WithError(err).Warnln("failed to get TURN config, continuing without relay")
		return nil
	}
	return turnConfig
}

// Warm fetches the TURN config used by the next Prepare. A fetched config is
// reused until half of its TTL has passed.
func (a *Adapter) Warm(ctx context.Context) {
	if a.config.TURN == nil {
		return
	}

	a.turnMutex.Lock()
	fresh := a.turnConfig != nil && time.Now().Before(a.turnExpires)
	a.turnMutex.Unlock()
	if fresh {
		return
	}

	turnConfig := a.fetchTURNConfig(ctx)
	if turnConfig == nil {
		return
	}

	a.turnMutex.Lock()
	a.turnConfig = turnConfig
	a.turnExpires = time.Now().Add(time.Duration(turnConfig.TTL) * time.Second / 2)
	a.turnMutex.Unlock()
}

func (a *Adapter) cachedTURNConfig() *turn.ClientConfig {
	a.turnMutex.Lock()
	defer a.turnMutex.Unlock()
	return a.turnConfig
}

// Prepare creates a new peer connection for the call identified by roomID.
// Any previous peer connection is closed. Relay servers are only included
// after a successful Warm, Prepare itself never waits for the network.
func (a *Adapter) Prepare(roomID string, events call.MediaEvents) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.session != nil {
		a.session.close()
		a.session = nil
	}

	pc, err := a.webrtcAPI.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(a.config.STUNURIs, a.cachedTURNConfig()),
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	s, err := newSession(a.ctx, roomID, pc, events, a.config, a.logger)
	if err != nil {
		pc.Close()
		return err
	}
	s.setMuted(a.muted)
	a.session = s

	a.logger.WithField("room_id", roomID).Debugln("media session prepared")
	return nil
}

func (a *Adapter) current() *session {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.session
}

// CreateOffer creates the local offer asynchronously.
func (a *Adapter) CreateOffer() {
	if s := a.current(); s != nil {
		s.enqueue(s.createOffer)
	}
}

// CreateAnswer applies the remote offer and creates the local answer
// asynchronously.
func (a *Adapter) CreateAnswer(offer *api.SessionDescription) {
	if s := a.current(); s != nil {
		s.enqueue(func() {
			s.createAnswer(offer)
		})
	}
}

// SetAnswer applies the remote answer asynchronously.
func (a *Adapter) SetAnswer(answer *api.SessionDescription) {
	if s := a.current(); s != nil {
		s.enqueue(func() {
			s.setAnswer(answer)
		})
	}
}

// AddICECandidate adds a remote ICE candidate. Candidates received before the
// remote description are held back until it is set.
func (a *Adapter) AddICECandidate(candidate *api.ICECandidateInit) {
	if s := a.current(); s != nil {
		s.enqueue(func() {
			s.addICECandidate(candidate)
		})
	}
}

// SetMicrophoneMuted stops sending local audio while muted.
func (a *Adapter) SetMicrophoneMuted(muted bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.muted = muted
	if a.session != nil {
		a.session.setMuted(muted)
	}
}

// SetSpeakerOn routes the remote audio to the loudspeaker, if the configured
// sink supports it.
func (a *Adapter) SetSpeakerOn(on bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.speakerOn = on
	if sw, ok := a.config.Sink.(SpeakerSwitch); ok {
		sw.SetSpeakerOn(on)
	}
}

// Muted returns the current microphone mute flag.
func (a *Adapter) Muted() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.muted
}

// Close closes the current peer connection. Events of the closed connection
// are no longer delivered.
func (a *Adapter) Close() {
	a.mutex.Lock()
	s := a.session
	a.session = nil
	a.mutex.Unlock()

	if s != nil {
		s.close()
	}
}
