package packets

import (
	"strings"

	"github.com/google/uuid"

	"github.com/dcrodman/tttworld/internal/board"
)

// KeepAlive is sent by either side to reset the peer's idle timer.
type KeepAlive struct {
	Header
}

// Disconnect notifies the peer that the connection is being closed.
type Disconnect struct {
	Header
	Reason string `json:"disconnect_reason"`
}

type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// ClientHandshake is the first packet a client sends after connecting.
type ClientHandshake struct {
	Header
	Version ProtocolVersion `json:"protocol_version"`
}

// ServerHandshake is the server's reply to ClientHandshake. PublicKey is the
// PKIX DER encoding of the server's RSA key, empty when the server is running
// without encryption.
type ServerHandshake struct {
	Header
	CompressThreshold int    `json:"compress_threshold"`
	ServerName        string `json:"server_name"`
	RegisterAllowed   bool   `json:"register_allowed"`
	PublicKey         []byte `json:"public_key"`
}

// StartEncrypt carries the client's session key encrypted with the server's
// public key. All packets after it are encrypted.
type StartEncrypt struct {
	Header
	CryptKey []byte `json:"crypt_key"`
}

type Authenticate struct {
	Header
	Username string `json:"username"`
	Password string `json:"password"`
}

type Register struct {
	Header
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResultCode is the outcome of an Authenticate or Register request.
type AuthResultCode string

const (
	AuthOK            AuthResultCode = "ok"
	AuthBadCredential AuthResultCode = "bad_cred"
	AuthBanned        AuthResultCode = "ban"
	AuthNameTaken     AuthResultCode = "name_taken"
	AuthPasswordShort AuthResultCode = "password_short"
	AuthUnknown       AuthResultCode = "unknown"
)

func (c *AuthResultCode) UnmarshalText(text []byte) error {
	*c = AuthResultCode(lookupIdentifier(text, string(AuthUnknown),
		AuthOK, AuthBadCredential, AuthBanned, AuthNameTaken, AuthPasswordShort))
	return nil
}

// AuthResult is sent in response to Authenticate and Register, and again
// whenever the account's admin flag changes.
type AuthResult struct {
	Header
	Result   AuthResultCode `json:"result"`
	Username string         `json:"username,omitempty"`
	Admin    bool           `json:"admin,omitempty"`
}

// PasswordChange changes the sender's password, or another user's when sent
// by an administrator with Username set.
type PasswordChange struct {
	Header
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type PasswordChangeResultCode string

const (
	PasswordChangeOK            PasswordChangeResultCode = "ok"
	PasswordChangeShort         PasswordChangeResultCode = "password_short"
	PasswordChangeNotAllowed    PasswordChangeResultCode = "not_allowed"
	PasswordChangeUserNotFound  PasswordChangeResultCode = "user_not_found"
	PasswordChangeUnknownResult PasswordChangeResultCode = "unknown"
)

func (c *PasswordChangeResultCode) UnmarshalText(text []byte) error {
	*c = PasswordChangeResultCode(lookupIdentifier(text, string(PasswordChangeUnknownResult),
		PasswordChangeOK, PasswordChangeShort, PasswordChangeNotAllowed, PasswordChangeUserNotFound))
	return nil
}

type PasswordChangeResult struct {
	Header
	Result PasswordChangeResultCode `json:"result"`
}

// GlobalChat carries lobby chat in both directions. Messages sent by a client
// starting with ':' are interpreted as commands.
type GlobalChat struct {
	Header
	Message string `json:"chat_message"`
}

// PlayerInfo describes a connected player.
type PlayerInfo struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

type GlobalPlayerList struct {
	Header
	Players []PlayerInfo `json:"players"`
}

// Challenge invites the receiving player to a game. Timeout is in milliseconds.
type Challenge struct {
	Header
	ID      uuid.UUID  `json:"id"`
	Sender  PlayerInfo `json:"sender"`
	Timeout int64      `json:"timeout"`
}

type Response string

const (
	Accept Response = "accept"
	Reject Response = "reject"
)

// Unrecognized responses are treated as a rejection.
func (r *Response) UnmarshalText(text []byte) error {
	*r = Response(lookupIdentifier(text, string(Reject), Accept, Reject))
	return nil
}

type ChallengeResponse struct {
	Header
	ID       uuid.UUID `json:"id"`
	Response Response  `json:"response"`
}

// GameUpdate starts or refreshes a game on the client.
type GameUpdate struct {
	Header
	ID       uuid.UUID    `json:"id"`
	Board    *board.Board `json:"board"`
	YourTurn bool         `json:"your_turn"`
	GameOver bool         `json:"game_over"`
}

// ForfeitCoordinate in both X and Y of a GameMove forfeits the game.
const ForfeitCoordinate = -1

type GameMove struct {
	Header
	ID uuid.UUID `json:"id"`
	X  int       `json:"x"`
	Y  int       `json:"y"`
}

// IsForfeit reports whether the move concedes the game.
func (m *GameMove) IsForfeit() bool {
	return m.X == ForfeitCoordinate && m.Y == ForfeitCoordinate
}

type GameResult string

const (
	Won           GameResult = "won"
	Lost          GameResult = "lost"
	Drawn         GameResult = "drawn"
	UnknownResult GameResult = "unknown"
)

func (r *GameResult) UnmarshalText(text []byte) error {
	*r = GameResult(lookupIdentifier(text, string(UnknownResult), Won, Lost, Drawn))
	return nil
}

type GameOver struct {
	Header
	ID     uuid.UUID  `json:"id"`
	Result GameResult `json:"result"`
}

// ChallengeCancel withdraws a challenge that is no longer valid.
type ChallengeCancel struct {
	Header
	ID uuid.UUID `json:"id"`
}

func lookupIdentifier[T ~string](text []byte, fallback string, known ...T) string {
	for _, k := range known {
		if strings.EqualFold(string(k), string(text)) {
			return string(k)
		}
	}
	return fallback
}

func (*KeepAlive) Type() Type            { return KeepAliveType }
func (*Disconnect) Type() Type           { return DisconnectType }
func (*ClientHandshake) Type() Type      { return ClientHandshakeType }
func (*ServerHandshake) Type() Type      { return ServerHandshakeType }
func (*StartEncrypt) Type() Type         { return StartEncryptType }
func (*Authenticate) Type() Type         { return AuthenticateType }
func (*Register) Type() Type             { return RegisterType }
func (*AuthResult) Type() Type           { return AuthResultType }
func (*PasswordChange) Type() Type       { return PasswordChangeType }
func (*PasswordChangeResult) Type() Type { return PasswordChangeResultType }
func (*GlobalChat) Type() Type           { return GlobalChatType }
func (*GlobalPlayerList) Type() Type     { return GlobalPlayerListType }
func (*Challenge) Type() Type            { return ChallengeType }
func (*ChallengeResponse) Type() Type    { return ChallengeResponseType }
func (*GameUpdate) Type() Type           { return GameUpdateType }
func (*GameMove) Type() Type             { return GameMoveType }
func (*GameOver) Type() Type             { return GameOverType }
func (*ChallengeCancel) Type() Type      { return ChallengeCancelType }
