// Package packets defines every message exchanged between a TTTWorld client and
// server along with their JSON encoding.
package packets

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the integer tag identifying a packet on the wire.
type Type int

const (
	KeepAliveType            Type = -1
	DisconnectType           Type = 0
	ClientHandshakeType      Type = 1
	ServerHandshakeType      Type = 2
	StartEncryptType         Type = 3
	AuthenticateType         Type = 4
	RegisterType             Type = 5
	AuthResultType           Type = 6
	PasswordChangeType       Type = 7
	PasswordChangeResultType Type = 8
	GlobalChatType           Type = 9
	GlobalPlayerListType     Type = 10
	ChallengeType            Type = 11
	ChallengeResponseType    Type = 12
	GameUpdateType           Type = 13
	GameMoveType             Type = 14
	GameOverType             Type = 15
	ChallengeCancelType      Type = 16
)

var typeNames = map[Type]string{
	KeepAliveType:            "KeepAlive",
	DisconnectType:           "Disconnect",
	ClientHandshakeType:      "ClientHandshake",
	ServerHandshakeType:      "ServerHandshake",
	StartEncryptType:         "StartEncrypt",
	AuthenticateType:         "Authenticate",
	RegisterType:             "Register",
	AuthResultType:           "AuthResult",
	PasswordChangeType:       "PasswordChange",
	PasswordChangeResultType: "PasswordChangeResult",
	GlobalChatType:           "GlobalChat",
	GlobalPlayerListType:     "GlobalPlayerList",
	ChallengeType:            "Challenge",
	ChallengeResponseType:    "ChallengeResponse",
	GameUpdateType:           "GameUpdate",
	GameMoveType:             "GameMove",
	GameOverType:             "GameOver",
	ChallengeCancelType:      "ChallengeCancel",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// Protocol version spoken by this implementation. Peers must agree on the
// major version.
const (
	ProtocolMajor = 2
	ProtocolMinor = 1
)

var (
	ErrUnknownPacket = errors.New("unknown packet type")
	ErrMalformed     = errors.New("malformed packet")
)

// Packet is implemented by every message type.
type Packet interface {
	Type() Type
	// Time is the sender's clock reading when the packet was created.
	Time() time.Time
}

// Header holds the fields common to every packet. Packets embed it so that
// the timestamp is encoded alongside their own fields.
type Header struct {
	Timestamp int64 `json:"timestamp"`
}

func (h Header) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// Stamp returns a Header carrying t.
func Stamp(t time.Time) Header {
	return Header{Timestamp: t.UnixMilli()}
}

// Encode serializes p to its JSON form, adding the packet_id field. Packets
// created without a timestamp are stamped with now.
func Encode(p Packet, now time.Time) ([]byte, error) {
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("error encoding %v: %w", p.Type(), err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(fields, &doc); err != nil {
		return nil, fmt.Errorf("error encoding %v: %w", p.Type(), err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}

	doc["packet_id"] = json.RawMessage(fmt.Sprint(int(p.Type())))
	if p.Time().UnixMilli() == 0 {
		doc["timestamp"] = json.RawMessage(fmt.Sprint(now.UnixMilli()))
	}

	return json.Marshal(doc)
}

type envelope struct {
	PacketID  *Type  `json:"packet_id"`
	Timestamp *int64 `json:"timestamp"`
}

// Decode parses a JSON payload into the concrete packet type named by its
// packet_id field.
func Decode(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.PacketID == nil {
		return nil, fmt.Errorf("%w: missing packet_id", ErrMalformed)
	}
	if env.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}

	p := newPacket(*env.PacketID)
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, int(*env.PacketID))
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, *env.PacketID, err)
	}
	return p, nil
}

func newPacket(t Type) Packet {
	switch t {
	case KeepAliveType:
		return &KeepAlive{}
	case DisconnectType:
		return &Disconnect{}
	case ClientHandshakeType:
		return &ClientHandshake{}
	case ServerHandshakeType:
		return &ServerHandshake{}
	case StartEncryptType:
		return &StartEncrypt{}
	case AuthenticateType:
		return &Authenticate{}
	case RegisterType:
		return &Register{}
	case AuthResultType:
		return &AuthResult{}
	case PasswordChangeType:
		return &PasswordChange{}
	case PasswordChangeResultType:
		return &PasswordChangeResult{}
	case GlobalChatType:
		return &GlobalChat{}
	case GlobalPlayerListType:
		return &GlobalPlayerList{}
	case ChallengeType:
		return &Challenge{}
	case ChallengeResponseType:
		return &ChallengeResponse{}
	case GameUpdateType:
		return &GameUpdate{}
	case GameMoveType:
		return &GameMove{}
	case GameOverType:
		return &GameOver{}
	case ChallengeCancelType:
		return &ChallengeCancel{}
	default:
		return nil
	}
}
