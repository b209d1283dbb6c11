// Package domain contains the signaling wire types. No transport or
// lifecycle logic here.
package domain

import (
	"bytes"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Kind is the value of the "id" field of a signaling frame.
type Kind string

const (
	// inbound
	KindAppConfig            Kind = "appConfig"
	KindRegister             Kind = "register"
	KindCall                 Kind = "call"
	KindIncomingCallResponse Kind = "incomingCallResponse"
	KindOnIceCandidate       Kind = "onIceCandidate"
	KindStop                 Kind = "stop"
	KindPlay                 Kind = "play"
	KindStopPlay             Kind = "stopPlay"

	// outbound
	KindAppConfigResponse  Kind = "appConfigResponse"
	KindRegisterResponse   Kind = "registerResponse"
	KindRegisteredUsers    Kind = "registeredUsers"
	KindIncomingCall       Kind = "incomingCall"
	KindCallResponse       Kind = "callResponse"
	KindStartCommunication Kind = "startCommunication"
	KindStopCommunication  Kind = "stopCommunication"
	KindIceCandidate       Kind = "iceCandidate"
	KindPlayResponse       Kind = "playResponse"
	KindPlayEnd            Kind = "playEnd"
)

const (
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
	ResponseSkipped  = "skipped"
)

// Envelope is the minimal shape every frame must carry.
type Envelope struct {
	ID Kind `json:"id"`
}

type RegisterRequest struct {
	Name string `json:"name"`
}

type CallRequest struct {
	From     string `json:"from" validate:"required"`
	To       string `json:"to" validate:"required"`
	SdpOffer string `json:"sdpOffer" validate:"required"`
}

type IncomingCallAnswer struct {
	From         string `json:"from" validate:"required"`
	CallResponse string `json:"callResponse" validate:"required"`
	SdpOffer     string `json:"sdpOffer"`
}

type PlayRequest struct {
	User     string `json:"user" validate:"required"`
	SdpOffer string `json:"sdpOffer" validate:"required"`
}

type RegisterResponse struct {
	ID       Kind   `json:"id"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

// RegisteredUsers carries the participant list as a JSON-encoded string in
// the response field; connected clients expect that nesting.
type RegisteredUsers struct {
	ID       Kind   `json:"id"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

func NewRegisteredUsers(names []string) (RegisteredUsers, error) {
	list, err := json.Marshal(names)
	if err != nil {
		return RegisteredUsers{}, err
	}
	return RegisteredUsers{ID: KindRegisteredUsers, Response: string(list)}, nil
}

type IncomingCall struct {
	ID   Kind   `json:"id"`
	From string `json:"from"`
}

type CallResponse struct {
	ID        Kind   `json:"id"`
	Response  string `json:"response"`
	SdpAnswer string `json:"sdpAnswer,omitempty"`
	Message   string `json:"message,omitempty"`
}

type StartCommunication struct {
	ID        Kind   `json:"id"`
	SdpAnswer string `json:"sdpAnswer"`
}

type StopCommunication struct {
	ID Kind `json:"id"`
}

type IceCandidatePush struct {
	ID        Kind                    `json:"id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PlayResponse struct {
	ID        Kind   `json:"id"`
	Response  string `json:"response"`
	SdpAnswer string `json:"sdpAnswer,omitempty"`
	Message   string `json:"message,omitempty"`
}

type PlayEnd struct {
	ID Kind `json:"id"`
}

type IceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type PCConfig struct {
	RTCPMuxPolicy string      `json:"rtcpMuxPolicy"`
	BundlePolicy  string      `json:"bundlePolicy"`
	IceServers    []IceServer `json:"iceServers"`
}

type AppConfigParams struct {
	IsInitiator      bool            `json:"is_initiator"`
	MediaConstraints map[string]bool `json:"media_constraints"`
	PCConfig         PCConfig        `json:"pc_config"`
}

// AppConfigResponse feeds mobile clients their ICE servers and media
// constraints before they register.
type AppConfigResponse struct {
	ID     Kind            `json:"id"`
	Params AppConfigParams `json:"params"`
	Result string          `json:"result"`
}

// ParseIceCandidate accepts both candidate shapes seen on the wire: the
// browser one nests an object under "candidate", mobile clients send the
// fields flat on the frame itself.
func ParseIceCandidate(data []byte) (webrtc.ICECandidateInit, error) {
	var probe struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return webrtc.ICECandidateInit{}, err
	}

	var cand webrtc.ICECandidateInit
	if len(probe.Candidate) > 0 && bytes.HasPrefix(bytes.TrimSpace(probe.Candidate), []byte("{")) {
		if err := json.Unmarshal(probe.Candidate, &cand); err != nil {
			return webrtc.ICECandidateInit{}, err
		}
		return cand, nil
	}
	if err := json.Unmarshal(data, &cand); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return cand, nil
}
