package meshcore

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
)

// AuthMsgType identifies one of the five messages exchanged during mutual
// authentication.
type AuthMsgType uint8

const (
	AuthCertOffer AuthMsgType = iota + 1
	AuthChallenge
	AuthResponse
	AuthSuccess
	AuthFailed
)

// ChallengeSize is the length, in bytes, of a CHALLENGE message body.
const ChallengeSize = 32

// AuthMessage is one frame of the authentication protocol:
// type(1) ‖ len(2, big-endian) ‖ body(len).
type AuthMessage struct {
	Type AuthMsgType
	Body []byte
}

// Encode serializes the message to wire bytes.
func (m AuthMessage) Encode() []byte {
	out := make([]byte, 3, 3+len(m.Body))
	out[0] = byte(m.Type)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(m.Body)))
	return append(out, m.Body...)
}

// DecodeAuthMessage parses a single wire-format AuthMessage.
func DecodeAuthMessage(data []byte) (m AuthMessage, err error) {
	if len(data) < 3 {
		return m, fmt.Errorf("meshcore: auth message shorter than framing bytes")
	}
	m.Type = AuthMsgType(data[0])
	bodyLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data)-3 != bodyLen {
		return m, fmt.Errorf("meshcore: auth message body length mismatch: header says %d, got %d", bodyLen, len(data)-3)
	}
	m.Body = append([]byte(nil), data[3:]...)
	return m, nil
}

// AuthState is a state in the per-peer authentication state machine.
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthCertSent
	AuthCertReceived
	AuthChallengeSent
	AuthChallengeReceived
	AuthAuthenticated
	AuthFailedState
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "IDLE"
	case AuthCertSent:
		return "CERT_SENT"
	case AuthCertReceived:
		return "CERT_RECEIVED"
	case AuthChallengeSent:
		return "CHALLENGE_SENT"
	case AuthChallengeReceived:
		return "CHALLENGE_RECEIVED"
	case AuthAuthenticated:
		return "AUTHENTICATED"
	case AuthFailedState:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// AuthFsm drives mutual authentication and session-key agreement with one
// peer. It is single-threaded: callers must serialize Start/HandleMessage
// calls, matching the one-task-per-link concurrency model the owning
// link's ingress loop provides.
type AuthFsm struct {
	certs *CertStore
	ecdh  ECDHKeyPair

	// sessionID is a short random correlation ID attached to this
	// handshake's log lines, since a device may run several handshakes
	// concurrently (one per connecting downlink) and nothing else in the
	// FSM's state is unique before PeerNid is known.
	sessionID string

	state AuthState

	outgoingChallenge []byte
	peerNid           Nid
	peerRole          Role
	peerPub           *ecdsa.PublicKey
	peerECDHPublic    []byte

	sessionKey []byte
}

// NewAuthFsm creates a fresh AuthFsm for one peer connection, generating
// an ephemeral ECDH key pair for this session.
func NewAuthFsm(certs *CertStore) (*AuthFsm, error) {
	kp, err := GenerateECDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &AuthFsm{certs: certs, ecdh: kp, state: AuthIdle, sessionID: RandNBase62(4)}, nil
}

// State returns the FSM's current state.
func (f *AuthFsm) State() AuthState { return f.state }

// SessionID returns this handshake's log correlation ID.
func (f *AuthFsm) SessionID() string { return f.sessionID }

// PeerNid returns the authenticated peer's Nid. Valid only once State() is
// AuthAuthenticated.
func (f *AuthFsm) PeerNid() Nid { return f.peerNid }

// PeerRole returns the authenticated peer's Role. Valid only once State()
// is AuthAuthenticated.
func (f *AuthFsm) PeerRole() Role { return f.peerRole }

// SessionKey returns the derived per-port symmetric key. Valid only once
// State() is AuthAuthenticated.
func (f *AuthFsm) SessionKey() []byte { return f.sessionKey }

// certOfferBody packs a CERT_OFFER body: the device's certificate DER
// length-prefixed, followed by its ephemeral ECDH public key, so key
// agreement (spec'd as "parallel" to the cert/challenge exchange) can
// proceed as soon as both CERT_OFFERs are in hand.
func (f *AuthFsm) certOfferBody() []byte {
	cert := f.certs.CertificateDER()
	pub := f.ecdh.PublicBytes()
	body := make([]byte, 2, 2+len(cert)+len(pub))
	binary.BigEndian.PutUint16(body[:2], uint16(len(cert)))
	body = append(body, cert...)
	body = append(body, pub...)
	return body
}

func parseCertOfferBody(body []byte) (certDER, ecdhPub []byte, err error) {
	if len(body) < 2 {
		return nil, nil, fmt.Errorf("meshcore: CERT_OFFER body too short")
	}
	certLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+certLen {
		return nil, nil, fmt.Errorf("meshcore: CERT_OFFER body truncated")
	}
	return body[2 : 2+certLen], body[2+certLen:], nil
}

// Start begins the handshake from this side, returning the CERT_OFFER
// message to send. Either side may call Start; the protocol is symmetric.
func (f *AuthFsm) Start() AuthMessage {
	f.state = AuthCertSent
	return AuthMessage{Type: AuthCertOffer, Body: f.certOfferBody()}
}

// HandleMessage advances the FSM with one inbound AuthMessage, returning
// the next message to send (if any), whether the handshake is now
// finished (either AUTHENTICATED or FAILED), and an error for malformed
// input. A non-nil reply should always be sent if returned, even when done
// is true (e.g. AUTH_SUCCESS/AUTH_FAILED are final messages, not replies
// awaiting a further reply).
func (f *AuthFsm) HandleMessage(msg AuthMessage) (reply *AuthMessage, done bool, err error) {
	switch msg.Type {
	case AuthCertOffer:
		return f.handleCertOffer(msg.Body)
	case AuthChallenge:
		return f.handleChallenge(msg.Body)
	case AuthResponse:
		return f.handleResponse(msg.Body)
	case AuthSuccess:
		f.state = AuthAuthenticated
		return nil, true, nil
	case AuthFailed:
		f.state = AuthFailedState
		return nil, true, fmt.Errorf("meshcore: peer sent AUTH_FAILED: %s", string(msg.Body))
	default:
		return nil, false, fmt.Errorf("meshcore: unknown auth message type %d", msg.Type)
	}
}

func (f *AuthFsm) fail(reason error) (*AuthMessage, bool, error) {
	f.state = AuthFailedState
	return &AuthMessage{Type: AuthFailed, Body: []byte(reason.Error())}, true, reason
}

func (f *AuthFsm) handleCertOffer(body []byte) (*AuthMessage, bool, error) {
	certDER, ecdhPub, err := parseCertOfferBody(body)
	if err != nil {
		return f.fail(err)
	}

	peerNid, peerRole, peerPub, err := f.certs.ValidatePeerCertificate(certDER)
	if err != nil {
		return f.fail(fmt.Errorf("%w: %v", ErrCertInvalid, err))
	}

	f.peerNid = peerNid
	f.peerRole = peerRole
	f.peerPub = peerPub
	f.peerECDHPublic = append([]byte(nil), ecdhPub...)
	f.state = AuthCertReceived

	f.outgoingChallenge = RandNBytes(ChallengeSize)
	f.state = AuthChallengeSent
	return &AuthMessage{Type: AuthChallenge, Body: f.outgoingChallenge}, false, nil
}

func (f *AuthFsm) handleChallenge(challenge []byte) (*AuthMessage, bool, error) {
	if len(challenge) != ChallengeSize {
		return f.fail(fmt.Errorf("meshcore: challenge has wrong size %d", len(challenge)))
	}
	sig, err := SignP521(f.certs.PrivateKey(), challenge)
	if err != nil {
		return f.fail(err)
	}
	f.state = AuthChallengeReceived
	return &AuthMessage{Type: AuthResponse, Body: sig}, false, nil
}

func (f *AuthFsm) handleResponse(signature []byte) (*AuthMessage, bool, error) {
	if f.outgoingChallenge == nil {
		return f.fail(fmt.Errorf("meshcore: RESPONSE received before we sent a CHALLENGE"))
	}
	if f.peerPub == nil {
		return f.fail(fmt.Errorf("meshcore: RESPONSE received before peer certificate"))
	}
	if !VerifyP521(f.peerPub, f.outgoingChallenge, signature) {
		return f.fail(ErrSignatureInvalid)
	}

	key, err := DeriveSessionKey(f.ecdh, f.peerECDHPublic)
	if err != nil {
		return f.fail(err)
	}
	f.sessionKey = key
	f.state = AuthAuthenticated
	return &AuthMessage{Type: AuthSuccess}, true, nil
}
