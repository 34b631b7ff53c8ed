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

package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
)

// session is the peer connection of a single call. All peer connection
// operations and all events run serially on the session's worker.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	roomID string
	logger logrus.FieldLogger

	pc     *webrtc.PeerConnection
	events call.MediaEvents
	track  *webrtc.TrackLocalStaticSample
	source AudioSource
	sink   AudioSink

	muted  atomic.Bool
	closed atomic.Bool

	mutex   sync.Mutex
	pending []func()
	wake    chan struct{}

	// Only accessed from the worker.
	remoteCandidates []webrtc.ICECandidateInit
}

func newSession(ctx context.Context, roomID string, pc *webrtc.PeerConnection, events call.MediaEvents, config *Config, logger logrus.FieldLogger) (*session, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "kwmclient-"+roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		roomID: roomID,
		logger: logger.WithField("room_id", roomID),

		pc:     pc,
		events: events,
		track:  track,
		source: config.Source,
		sink:   config.Sink,

		wake: make(chan struct{}, 1),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete.
			return
		}
		c := candidate.ToJSON()
		s.emit(func() {
			s.events.OnICECandidateCreated(candidateFromWebRTC(&c))
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.logger.WithField("codec", remote.Codec().MimeType).Debugln("remote audio track")
		s.emit(s.events.OnRemoteStream)
		go s.readRemote(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.WithField("state", state.String()).Debugln("peer connection state")
		s.emit(func() {
			s.events.OnConnectionStateChanged(state.String())
		})
	})

	go s.run()
	go s.readRTCP(sender)
	if s.source != nil {
		go s.pumpSource()
	}

	return s, nil
}

// enqueue queues fn to run on the worker. It never blocks.
func (s *session) enqueue(fn func()) {
	if s.closed.Load() {
		return
	}

	s.mutex.Lock()
	s.pending = append(s.pending, fn)
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// emit queues an event for delivery unless the session has been closed.
func (s *session) emit(fn func()) {
	s.enqueue(func() {
		if s.closed.Load() {
			return
		}
		fn()
	})
}

func (s *session) fail(err error) {
	s.logger.WithError(err).Warnln("media error")
	if s.closed.Load() {
		return
	}
	s.events.OnMediaError(err)
}

func (s *session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mutex.Lock()
			pending := s.pending
			s.pending = nil
			s.mutex.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, fn := range pending {
				if s.ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

func (s *session) createOffer() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.fail(fmt.Errorf("failed to create offer: %w", err))
		return
	}
	if err = s.pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("failed to set local offer: %w", err))
		return
	}

	if !s.closed.Load() {
		s.events.OnOfferCreated(descriptionFromWebRTC(&offer))
	}
}

func (s *session) createAnswer(offer *api.SessionDescription) {
	if err := s.setRemoteDescription(offer, webrtc.SDPTypeOffer); err != nil {
		s.fail(err)
		return
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.fail(fmt.Errorf("failed to create answer: %w", err))
		return
	}
	if err = s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("failed to set local answer: %w", err))
		return
	}

	if !s.closed.Load() {
		s.events.OnAnswerCreated(descriptionFromWebRTC(&answer))
	}
}

func (s *session) setAnswer(answer *api.SessionDescription) {
	if s.pc.RemoteDescription() != nil {
		s.logger.Debugln("remote answer already set, ignored")
		return
	}
	if err := s.setRemoteDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		s.fail(err)
	}
}

func (s *session) setRemoteDescription(description *api.SessionDescription, expected webrtc.SDPType) error {
	remote, err := descriptionToWebRTC(description)
	if err != nil {
		return err
	}
	if remote.Type != expected {
		return fmt.Errorf("unexpected remote description type %s", remote.Type)
	}
	if err = s.pc.SetRemoteDescription(*remote); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	candidates := s.remoteCandidates
	s.remoteCandidates = nil
	for _, candidate := range candidates {
		if err = s.pc.AddICECandidate(candidate); err != nil {
			s.logger.WithError(err).Warnln("failed to add held back ICE candidate")
		}
	}
	return nil
}

func (s *session) addICECandidate(candidate *api.ICECandidateInit) {
	c := candidateToWebRTC(candidate)
	if s.pc.RemoteDescription() == nil {
		s.remoteCandidates = append(s.remoteCandidates, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.WithError(err).Warnln("failed to add ICE candidate")
	}
}

func (s *session) setMuted(muted bool) {
	s.muted.Store(muted)
}

// pumpSource writes the local audio to the track until the session ends.
// Samples read while muted are dropped.
func (s *session) pumpSource() {
	for {
		sample, err := s.source.ReadSample(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.WithError(err).Warnln("audio source failed")
			}
			return
		}
		if sample == nil || s.muted.Load() {
			continue
		}
		if err = s.track.WriteSample(*sample); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Debugln("failed to write audio sample")
		}
	}
}

func (s *session) readRemote(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if s.sink == nil {
			continue
		}
		if err = s.sink.WriteRTP(pkt); err != nil {
			s.logger.WithError(err).Debugln("audio sink failed")
		}
	}
}

// readRTCP drains the sender's RTCP so the interceptors keep working.
func (s *session) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// close stops event delivery and closes the peer connection in the
// background.
func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()

	go func() {
		if err := s.pc.Close(); err != nil {
			s.logger.WithError(err).Debugln("error while closing peer connection")
		}
	}()
}
