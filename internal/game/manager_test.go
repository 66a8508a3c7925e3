package game

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dcrodman/tttworld/internal/board"
	"github.com/dcrodman/tttworld/internal/core/connection"
	"github.com/dcrodman/tttworld/internal/packets"
)

// newTestPair returns the server and client ends of a loopback connection.
func newTestPair(t *testing.T) (*connection.Connection, *connection.Connection) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	defer listener.Close()

	clientConn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("error initializing test connection: %v", err)
	}
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}

	server, client := connection.New(serverConn, testLogger()), connection.New(clientConn, testLogger())
	t.Cleanup(func() {
		client.Disconnect("test over")
		server.Disconnect("test over")
	})
	return server, client
}

func receive(t *testing.T, c *connection.Connection) packets.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next() returned an unexpected error: %v", err)
	}
	return p
}

// handleNext waits for a packet to arrive on c and then dispatches it.
func handleNext(t *testing.T, c *connection.Connection) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.PacketWaiting() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a packet")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.HandleNext(); err != nil {
		t.Fatalf("HandleNext() returned an unexpected error: %v", err)
	}
}

type testPlayer struct {
	server, client *connection.Connection
	participant    Participant
}

func newTestPlayer(t *testing.T, name string) testPlayer {
	server, client := newTestPair(t)
	return testPlayer{
		server:      server,
		client:      client,
		participant: Participant{Conn: server, Info: packets.PlayerInfo{Username: name}},
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestManager() (*Manager, *testClock) {
	clock := &testClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(testLogger(), time.Minute)
	m.now = clock.Now
	return m, clock
}

func sendTestChallenge(t *testing.T, m *Manager, sender, receiver testPlayer) *Challenge {
	t.Helper()
	c, err := m.SendChallenge(sender.participant, receiver.participant)
	if err != nil {
		t.Fatalf("SendChallenge() returned an unexpected error: %v", err)
	}

	p, ok := receive(t, receiver.client).(*packets.Challenge)
	if !ok || p.ID != c.ID || p.Sender.Username != sender.participant.Info.Username || p.Timeout != 60000 {
		t.Fatalf("unexpected challenge packet: %+v", p)
	}
	return c
}

func expectCancel(t *testing.T, c *connection.Connection, id uuid.UUID) {
	t.Helper()
	p, ok := receive(t, c).(*packets.ChallengeCancel)
	if !ok || p.ID != id {
		t.Errorf("expected a cancellation of %v, got %+v", id, p)
	}
}

func TestManager_ChallengeExpires(t *testing.T) {
	m, clock := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")

	c := sendTestChallenge(t, m, alice, bob)
	if !m.ChallengeExists(alice.server, bob.server) || m.ChallengeExists(bob.server, alice.server) {
		t.Errorf("ChallengeExists() should only report alice's challenge to bob")
	}

	// The deadline includes a grace period beyond the advertised timeout.
	clock.now = clock.now.Add(time.Minute + 500*time.Millisecond)
	m.Tick()
	if m.Challenge(c.ID) == nil {
		t.Fatalf("expected the challenge to survive within the grace period")
	}

	clock.now = clock.now.Add(time.Second)
	m.Tick()
	if m.Challenge(c.ID) != nil {
		t.Fatalf("expected the challenge to expire")
	}
	expectCancel(t, bob.client, c.ID)
	if bob.server.HasHandler(packets.ChallengeResponseType) {
		t.Errorf("expected the response handler to be removed")
	}

	if g, err := m.Accept(c.ID, bob.server); g != nil || err != nil {
		t.Errorf("Accept() after expiry = %v, %v; expected nil, nil", g, err)
	}
}

func TestManager_AcceptStartsGame(t *testing.T) {
	m, _ := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")
	c := sendTestChallenge(t, m, alice, bob)

	_ = bob.client.Send(&packets.ChallengeResponse{ID: c.ID, Response: packets.Accept})
	handleNext(t, bob.server)

	g := m.Game(c.ID)
	if g == nil {
		t.Fatalf("expected a game with the challenge's id")
	}
	if challenges, games := m.Counts(); challenges != 0 || games != 1 {
		t.Errorf("Counts() = %d, %d; expected 0, 1", challenges, games)
	}
	if g.Active().Name() != "bob" || g.Active().Mark() != board.X {
		t.Errorf("expected the receiver to play X and move first")
	}

	aliceUpdate, ok := receive(t, alice.client).(*packets.GameUpdate)
	if !ok || aliceUpdate.ID != c.ID || aliceUpdate.YourTurn || aliceUpdate.GameOver {
		t.Errorf("unexpected update for alice: %+v", aliceUpdate)
	}
	bobUpdate, ok := receive(t, bob.client).(*packets.GameUpdate)
	if !ok || !bobUpdate.YourTurn {
		t.Errorf("unexpected update for bob: %+v", bobUpdate)
	}
}

func TestManager_RejectCancels(t *testing.T) {
	m, _ := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")
	c := sendTestChallenge(t, m, alice, bob)

	_ = bob.client.Send(&packets.ChallengeResponse{ID: c.ID, Response: packets.Reject})
	handleNext(t, bob.server)

	if m.Challenge(c.ID) != nil {
		t.Errorf("expected the challenge to be removed")
	}
	expectCancel(t, bob.client, c.ID)
	if bob.server.HasHandler(packets.ChallengeResponseType) {
		t.Errorf("expected the response handler to be removed")
	}
	if p, ok := receive(t, alice.client).(*packets.GlobalChat); !ok || p.Message != "bob has rejected your challenge." {
		t.Errorf("expected alice to be told of the rejection, got %+v", p)
	}
}

func TestManager_OnlyReceiverMayRespond(t *testing.T) {
	m, _ := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")
	c := sendTestChallenge(t, m, alice, bob)

	if g, _ := m.Accept(c.ID, alice.server); g != nil {
		t.Errorf("expected the sender to be unable to accept")
	}
	m.Reject(c.ID, alice.server)
	if m.Challenge(c.ID) == nil {
		t.Errorf("expected the challenge to remain pending")
	}
}

func TestManager_DisconnectCancels(t *testing.T) {
	m, _ := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")
	c := sendTestChallenge(t, m, alice, bob)

	alice.server.Disconnect("bye")

	if m.Challenge(c.ID) != nil {
		t.Errorf("expected the challenge to be removed when the sender left")
	}
	expectCancel(t, bob.client, c.ID)
}

func TestManager_GameOverNetwork(t *testing.T) {
	m, _ := newTestManager()
	alice, bob := newTestPlayer(t, "alice"), newTestPlayer(t, "bob")
	c := sendTestChallenge(t, m, alice, bob)

	g, err := m.Accept(c.ID, bob.server)
	if err != nil || g == nil {
		t.Fatalf("Accept() = %v, %v", g, err)
	}
	receive(t, alice.client)
	receive(t, bob.client)

	// bob (X) takes the centre, then alice (O) forfeits out of turn.
	_ = bob.client.Send(&packets.GameMove{ID: g.ID(), X: 1, Y: 1})
	handleNext(t, bob.server)
	if g.Board().Get(1, 1) != board.X {
		t.Fatalf("expected bob's move to land:\n%s", g.Board().Render())
	}
	receive(t, alice.client)
	receive(t, bob.client)

	_ = alice.client.Send(&packets.GameMove{ID: g.ID(), X: packets.ForfeitCoordinate, Y: packets.ForfeitCoordinate})
	handleNext(t, alice.server)

	for _, tt := range []struct {
		player testPlayer
		result packets.GameResult
	}{{bob, packets.Won}, {alice, packets.Lost}} {
		update, ok := receive(t, tt.player.client).(*packets.GameUpdate)
		if !ok || !update.GameOver || update.YourTurn {
			t.Errorf("expected a final update, got %+v", update)
		}
		over, ok := receive(t, tt.player.client).(*packets.GameOver)
		if !ok || over.Result != tt.result {
			t.Errorf("expected result %s, got %+v", tt.result, over)
		}
	}

	if alice.server.HasHandler(packets.GameMoveType) || bob.server.HasHandler(packets.GameMoveType) {
		t.Errorf("expected move handlers to be removed")
	}
	m.Tick()
	if m.Game(g.ID()) != nil {
		t.Errorf("expected the finished game to be removed")
	}
}

func TestManager_DisconnectForfeits(t *testing.T) {
	m, _ := newTestManager()
	alice := newTestPlayer(t, "alice")

	g, err := m.CreateGame(uuid.New(),
		NewNetPlayer(alice.server, "alice", board.O),
		NewAIPlayer("AI", board.X, AIRandom, nil),
	)
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}
	if g.Active().Name() != "alice" {
		t.Fatalf("expected the computer to have moved first")
	}

	alice.server.Disconnect("bye")

	if !g.Done() {
		t.Errorf("expected the game to end when alice disconnected")
	}
	m.Tick()
	if _, games := m.Counts(); games != 0 {
		t.Errorf("expected the game to be removed, got %d games", games)
	}
}
