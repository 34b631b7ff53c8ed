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
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
)

func descriptionToWebRTC(description *api.SessionDescription) (*webrtc.SessionDescription, error) {
	if description == nil || description.SDP == "" {
		return nil, errors.New("empty session description")
	}
	sdpType := webrtc.NewSDPType(description.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return nil, fmt.Errorf("invalid session description type %q", description.Type)
	}

	return &webrtc.SessionDescription{
		Type: sdpType,
		SDP:  description.SDP,
	}, nil
}

func descriptionFromWebRTC(description *webrtc.SessionDescription) *api.SessionDescription {
	return &api.SessionDescription{
		Type: description.Type.String(),
		SDP:  description.SDP,
	}
}

func candidateToWebRTC(candidate *api.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
}

func candidateFromWebRTC(candidate *webrtc.ICECandidateInit) *api.ICECandidateInit {
	return &api.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
}
