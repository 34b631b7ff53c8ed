/*
 * Copyright 2017 Kopano and its licensors
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

package api

// Type names for RTM payloads.
const (
	RTMTypeNameAuth = "auth"
	RTMTypeNamePing = "ping"
	RTMTypeNamePong = "pong"

	RTMTypeNameConnected   = "connected"
	RTMTypeNameUsersOnline = "users-online"

	RTMTypeNameIncomingCall = "incoming-call"
	RTMTypeNameCallRequest  = "call-request"
	RTMTypeNameCallAccepted = "call-accepted"
	RTMTypeNameCallRejected = "call-rejected"
	RTMTypeNameCallEnded    = "call-ended"
	RTMTypeNameOffer        = "offer"
	RTMTypeNameAnswer       = "answer"
	RTMTypeNameICECandidate = "ice-candidate"

	RTMTypeNameSendMessage           = "send-message"
	RTMTypeNameNewMessage            = "new-message"
	RTMTypeNameTyping                = "typing"
	RTMTypeNameStopTyping            = "stop-typing"
	RTMTypeNameMarkRead              = "mark-read"
	RTMTypeNameMessageRead           = "message-read"
	RTMTypeNameFriendRequest         = "friend-request"
	RTMTypeNameFriendRequestResponse = "friend-request-response"
)

// Call types.
const (
	CallTypeAudio = "audio"
)

// RTMTypeAuth is the message sent right after the transport has opened.
type RTMTypeAuth struct {
	Token string `json:"token"`
}

// RTMTypePingPong is the heartbeat ping/pong message data.
type RTMTypePingPong struct {
	Timestamp int64 `json:"timestamp"`
}

// SessionDescription is the JSON form of a local or remote session
// description.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the JSON form of an ICE candidate.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// RTMDataIncomingCall is the data of an incoming-call notification.
type RTMDataIncomingCall struct {
	Caller *User  `json:"caller"`
	RoomID string `json:"roomId"`
}

// RTMDataCallAccepted is the data of an inbound call-accepted message.
type RTMDataCallAccepted struct {
	RoomID string `json:"roomId"`
	Callee *User  `json:"callee,omitempty"`
}

// RTMDataCallRejected is the data of an inbound call-rejected message.
type RTMDataCallRejected struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// RTMDataCallEnded is the data of an inbound call-ended message.
type RTMDataCallEnded struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// RTMDataOffer is the data of an inbound offer.
type RTMDataOffer struct {
	Offer  *SessionDescription `json:"offer"`
	RoomID string              `json:"roomId,omitempty"`
}

// RTMDataAnswer is the data of an inbound answer.
type RTMDataAnswer struct {
	Answer *SessionDescription `json:"answer"`
	RoomID string              `json:"roomId,omitempty"`
}

// RTMDataICECandidate is the data of an inbound ice-candidate.
type RTMDataICECandidate struct {
	Candidate *ICECandidateInit `json:"candidate"`
	RoomID    string            `json:"roomId,omitempty"`
}

// RTMDataCallRequest is sent to ask the target user for a call.
type RTMDataCallRequest struct {
	TargetUserID string `json:"targetUserId"`
	CallType     string `json:"callType"`
	RoomID       string `json:"roomId"`
}

// RTMDataCallAcceptedRequest is sent by the callee to accept a call.
type RTMDataCallAcceptedRequest struct {
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
}

// RTMDataCallRejectRequest is sent to decline a call.
type RTMDataCallRejectRequest struct {
	CallerID string `json:"callerId"`
	Reason   string `json:"reason"`
	RoomID   string `json:"roomId,omitempty"`
}

// RTMDataCallEndRequest is sent to end a call.
type RTMDataCallEndRequest struct {
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
	Reason       string `json:"reason"`
}

// RTMDataSessionDescriptionRequest carries a local offer or answer to the
// remote user.
type RTMDataSessionDescriptionRequest struct {
	TargetUserID string              `json:"targetUserId"`
	SDP          *SessionDescription `json:"sdp"`
	RoomID       string              `json:"roomId"`
}

// RTMDataICECandidateRequest carries a local ICE candidate to the remote user.
type RTMDataICECandidateRequest struct {
	TargetUserID string            `json:"targetUserId"`
	Candidate    *ICECandidateInit `json:"candidate"`
	RoomID       string            `json:"roomId"`
}

// RTMDataNewMessage is the data of an inbound chat message.
type RTMDataNewMessage struct {
	ID          string `json:"_id"`
	Sender      *User  `json:"sender"`
	Chat        *Chat  `json:"chat"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// ChatID returns the ID of the message's chat.
func (m *RTMDataNewMessage) ChatID() string {
	if m.Chat == nil {
		return ""
	}
	return m.Chat.ID
}

// RTMDataTyping is the data of typing and stop-typing notifications.
type RTMDataTyping struct {
	ChatID string `json:"chatId"`
	User   *User  `json:"user,omitempty"`
}

// RTMDataMessageRead is the data of a read receipt.
type RTMDataMessageRead struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// RTMDataMarkReadRequest is the data of a mark-read request.
type RTMDataMarkReadRequest struct {
	MessageID string `json:"messageId"`
}

// RTMDataFriendRequest is the data of a friend-request notification.
type RTMDataFriendRequest struct {
	TargetUserID string `json:"targetUserId"`
}

// RTMDataFriendRequestResponse is the data of a friend-request-response
// notification.
type RTMDataFriendRequestResponse struct {
	SenderID string `json:"senderId"`
	Response string `json:"response"`
}
