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

// Package call implements the audio call session state machine on top of the
// RTM connection.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

// Status is the status of the call session.
type Status int

// Call session states.
const (
	StatusIdle Status = iota
	StatusOutgoing
	StatusIncoming
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusConnected:
		return "connected"
	default:
		return "idle"
	}
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons used when ending calls.
const (
	ReasonCallEnded        = "call ended"
	ReasonCallRejected     = "call rejected"
	ReasonCallTimeout      = "call timeout"
	ReasonBusy             = "busy"
	ReasonNoAnswer         = "no answer"
	ReasonOfferNotReceived = "offer not received"
	ReasonConnectionLost   = "connection lost"
)

// Errors returned by the Manager.
var (
	ErrAlreadyInCall = errors.New("already in call")
	ErrInvalidTarget = errors.New("invalid call target")
	ErrNoActiveCall  = errors.New("no active call")
)

// Defaults for Config values which are left empty.
const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultIncomingTimeout  = 30 * time.Second
	DefaultOfferWaitTimeout = 25 * time.Second
	DefaultTickInterval     = time.Second
)

// Default retry schedules.
var (
	DefaultAcceptRetryDelays = []time.Duration{10 * time.Second, 15 * time.Second}
	DefaultOfferRetryDelays  = []time.Duration{3 * time.Second, 6 * time.Second}
)

// A Signaler sends and receives RTM messages. It is implemented by
// *connection.Manager.
type Signaler interface {
	On(msgType string, handler connection.HandlerFunc) *connection.Subscription
	Off(s *connection.Subscription)
	Send(msgType string, data interface{}) error
}

// MediaEvents receives the asynchronous results of a MediaAdapter.
type MediaEvents interface {
	OnOfferCreated(offer *api.SessionDescription)
	OnAnswerCreated(answer *api.SessionDescription)
	OnICECandidateCreated(candidate *api.ICECandidateInit)
	OnRemoteStream()
	OnConnectionStateChanged(state string)
	OnMediaError(err error)
}

// A MediaAdapter is the peer media transport of a call. Implementations must
// deliver their results to the MediaEvents passed with Prepare and must never
// call into the events synchronously from any of the adapter's methods.
type MediaAdapter interface {
	Prepare(roomID string, events MediaEvents) error
	CreateOffer()
	CreateAnswer(offer *api.SessionDescription)
	SetAnswer(answer *api.SessionDescription)
	AddICECandidate(candidate *api.ICECandidateInit)
	SetMicrophoneMuted(muted bool)
	SetSpeakerOn(on bool)
	Close()
}

// A MediaWarmer is a MediaAdapter with slow preparation work, like fetching
// relay credentials. The Manager calls Warm without holding its lock before
// every Prepare.
type MediaWarmer interface {
	Warm(ctx context.Context)
}

// A Presenter shows incoming call notices to the user.
type Presenter interface {
	NotifyIncomingCall(data *api.RTMDataIncomingCall)
	HideIncomingCallNotice()
}

// State is a snapshot of the call session.
type State struct {
	Status          Status    `json:"status"`
	RoomID          string    `json:"roomId,omitempty"`
	RemoteUser      *api.User `json:"remoteUser,omitempty"`
	Elapsed         uint64    `json:"elapsed"`
	RemoteStream    bool      `json:"remoteStream"`
	MicrophoneMuted bool      `json:"microphoneMuted"`
	SpeakerOn       bool      `json:"speakerOn"`
	Reason          string    `json:"reason,omitempty"`
}

// StateChangeFunc is a type for functions usable as state change observer.
type StateChangeFunc func(state State)

// Config bundles the settings of a Manager.
type Config struct {
	Signaler  Signaler
	Media     MediaAdapter
	Presenter Presenter
	Clock     clock.Clock

	CallTimeout       time.Duration
	IncomingTimeout   time.Duration
	OfferWaitTimeout  time.Duration
	TickInterval      time.Duration
	AcceptRetryDelays []time.Duration
	OfferRetryDelays  []time.Duration
}

func (config *Config) withDefaults() *Config {
	c := *config

	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Presenter == nil {
		c.Presenter = nopPresenter{}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.IncomingTimeout <= 0 {
		c.IncomingTimeout = DefaultIncomingTimeout
	}
	if c.OfferWaitTimeout <= 0 {
		c.OfferWaitTimeout = DefaultOfferWaitTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.AcceptRetryDelays == nil {
		c.AcceptRetryDelays = DefaultAcceptRetryDelays
	}
	if c.OfferRetryDelays == nil {
		c.OfferRetryDelays = DefaultOfferRetryDelays
	}

	return &c
}

type nopPresenter struct{}

func (nopPresenter) NotifyIncomingCall(data *api.RTMDataIncomingCall) {}

func (nopPresenter) HideIncomingCallNotice() {}
