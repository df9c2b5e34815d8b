package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wisp/signaling"
)

// captureSender records everything the negotiator sends to the relay.
type captureSender struct {
	mu   sync.Mutex
	sent []signaling.Outbound
}

func (s *captureSender) Send(out signaling.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, out)
	return nil
}

func (s *captureSender) outbound() []signaling.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.Outbound, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *captureSender) signalsOfType(sigType signaling.SignalType) []signaling.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Signal
	for _, o := range s.sent {
		if sig, ok := o.(signaling.Signal); ok && sig.Type == sigType {
			out = append(out, sig)
		}
	}
	return out
}

func (s *captureSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func newTestNegotiator(t *testing.T, selfUUID string) (*Negotiator, *Registry, *fakeDialer, *captureSender) {
	t.Helper()
	dialer := &fakeDialer{}
	registry := NewRegistry(dialer.dial)
	sender := &captureSender{}
	n := NewNegotiator(selfUUID, sender, registry, TrackProvider{})
	t.Cleanup(n.Leave)
	return n, registry, dialer, sender
}

func TestJoinAnnouncesAndRingsTarget(t *testing.T) {
	// The ring target sorts before us, so the ordering rule alone would
	// leave initiation to them; ringing must offer proactively anyway.
	n, registry, _, sender := newTestNegotiator(t, "zzz")

	err := n.Join(context.Background(), "call-1", JoinOptions{Role: RoleDirect, RingTarget: "aaa"})
	require.NoError(t, err)
	require.True(t, n.Active())
	assert.Equal(t, "call-1", n.CurrentGroup())

	outbound := sender.outbound()
	require.NotEmpty(t, outbound)
	assert.Equal(t, signaling.JoinCall{GroupID: "call-1"}, outbound[0])

	offers := sender.signalsOfType(signaling.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "aaa", offers[0].To)
	assert.Equal(t, signaling.CallDirect, offers[0].CallType)

	session, ok := registry.Session("aaa")
	require.True(t, ok)
	assert.Equal(t, negStateHaveLocalOffer, session.negState)
}

func TestRosterFanoutFollowsOrdering(t *testing.T) {
	n, _, _, sender := newTestNegotiator(t, "u0")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	sender.reset()

	n.HandleEvent(signaling.CallParticipants{GroupID: "room", Participants: []string{"u1", "u2"}})

	offers := sender.signalsOfType(signaling.SignalOffer)
	require.Len(t, offers, 2)
	targets := []string{offers[0].To, offers[1].To}
	assert.ElementsMatch(t, []string{"u1", "u2"}, targets)
}

func TestRosterFanoutWaitsForSmallerUUIDs(t *testing.T) {
	n, registry, _, sender := newTestNegotiator(t, "u5")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	sender.reset()

	// Every participant sorts before us; they hold the initiator role.
	n.HandleEvent(signaling.CallParticipants{GroupID: "room", Participants: []string{"u1", "u2"}})

	assert.Empty(t, sender.signalsOfType(signaling.SignalOffer))
	assert.Equal(t, 0, registry.Count())
}

func TestUserJoinedOffersWhenInitiator(t *testing.T) {
	n, _, _, sender := newTestNegotiator(t, "aaa")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	sender.reset()

	n.HandleEvent(signaling.CallUserJoined{UUID: "bbb", GroupID: "room"})
	require.Len(t, sender.signalsOfType(signaling.SignalOffer), 1)

	sender.reset()
	n.HandleEvent(signaling.CallUserJoined{UUID: "AAA", GroupID: "room"})
	assert.Empty(t, sender.signalsOfType(signaling.SignalOffer), "larger uuid waits for the joiner's offer")
}

func TestGlareImpoliteSideIgnoresRemoteOffer(t *testing.T) {
	n, registry, dialer, sender := newTestNegotiator(t, "aaa")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))

	require.NoError(t, n.sendOffer("bbb"))
	sender.reset()

	n.HandleSignal(signaling.Signal{From: "bbb", Type: signaling.SignalOffer, SDP: "their-offer"})

	// Our offer stands: no answer, no rebuilt connection.
	assert.Empty(t, sender.signalsOfType(signaling.SignalAnswer))
	assert.Equal(t, 1, dialer.dialCount())

	session, ok := registry.Session("bbb")
	require.True(t, ok)
	assert.Equal(t, negStateHaveLocalOffer, session.negState)
	assert.Nil(t, session.Conn.(*fakeConn).remoteDesc)
}

func TestGlarePoliteSideYields(t *testing.T) {
	n, registry, dialer, sender := newTestNegotiator(t, "bbb")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))

	require.NoError(t, n.sendOffer("aaa"))
	sender.reset()

	n.HandleSignal(signaling.Signal{From: "aaa", Type: signaling.SignalOffer, SDP: "their-offer"})

	// The in-flight offer is abandoned: old connection closed, a fresh one
	// answers theirs.
	require.Equal(t, 2, dialer.dialCount())
	assert.True(t, dialer.conns[0].isClosed())

	fresh := dialer.conns[1]
	require.NotNil(t, fresh.remoteDesc)
	assert.Equal(t, "their-offer", fresh.remoteDesc.SDP)
	require.NotNil(t, fresh.localDesc)
	assert.Equal(t, webrtc.SDPTypeAnswer, fresh.localDesc.Type)

	answers := sender.signalsOfType(signaling.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "aaa", answers[0].To)

	session, ok := registry.Session("aaa")
	require.True(t, ok)
	assert.Equal(t, negStateStable, session.negState)
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	n, registry, _, _ := newTestNegotiator(t, "aaa")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	require.NoError(t, n.sendOffer("bbb"))

	n.HandleSignal(signaling.Signal{From: "bbb", Type: signaling.SignalAnswer, SDP: "their-answer"})

	session, ok := registry.Session("bbb")
	require.True(t, ok)
	assert.Equal(t, negStateStable, session.negState)
	require.NotNil(t, session.Conn.(*fakeConn).remoteDesc)
	assert.Equal(t, "their-answer", session.Conn.(*fakeConn).remoteDesc.SDP)
}

func TestOfferWhileIdleRings(t *testing.T) {
	n, registry, dialer, sender := newTestNegotiator(t, "callee")

	var ringFrom, ringGroup string
	n.OnRinging(func(from, groupID string) {
		ringFrom = from
		ringGroup = groupID
	})

	n.HandleSignal(signaling.Signal{From: "caller", Type: signaling.SignalOffer, SDP: "ring-offer"})

	assert.Equal(t, "caller", ringFrom)
	assert.Equal(t, "caller", ringGroup, "bare 1:1 offers fall back to the caller uuid as group id")
	assert.Equal(t, 0, registry.Count(), "ringing must not open a connection")

	// Candidates trailing the ringing offer are held for accept.
	n.HandleSignal(signaling.Signal{From: "caller", Type: signaling.SignalCandidate, Candidate: "early-candidate"})

	require.NoError(t, n.Accept(context.Background(), false))
	require.True(t, n.Active())
	assert.Equal(t, "caller", n.CurrentGroup())

	answers := sender.signalsOfType(signaling.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "caller", answers[0].To)

	require.Equal(t, 1, dialer.dialCount())
	applied := dialer.conns[0].appliedCandidates()
	require.Len(t, applied, 1)
	assert.Equal(t, "early-candidate", applied[0].Candidate)
}

func TestDeclineDropsRinging(t *testing.T) {
	n, registry, _, _ := newTestNegotiator(t, "callee")

	n.HandleSignal(signaling.Signal{From: "caller", Type: signaling.SignalOffer, SDP: "ring-offer"})
	require.NoError(t, n.Decline())

	assert.ErrorIs(t, n.Decline(), ErrNoPendingCall)
	assert.ErrorIs(t, n.Accept(context.Background(), false), ErrNoPendingCall)
	assert.Equal(t, 0, registry.Count())
}

func TestJoinForcesPriorCallClosed(t *testing.T) {
	n, _, _, sender := newTestNegotiator(t, "aaa")

	var endedGroups []string
	n.OnCallEnded(func(groupID string) { endedGroups = append(endedGroups, groupID) })

	require.NoError(t, n.Join(context.Background(), "first", JoinOptions{Role: RoleGroup}))
	require.NoError(t, n.Join(context.Background(), "second", JoinOptions{Role: RoleGroup}))

	assert.Equal(t, []string{"first"}, endedGroups)
	assert.Equal(t, "second", n.CurrentGroup())

	// The old call is announced as left before the new one is joined.
	var leaveIdx, joinIdx int
	for i, o := range sender.outbound() {
		switch v := o.(type) {
		case signaling.LeaveCall:
			if v.GroupID == "first" {
				leaveIdx = i
			}
		case signaling.JoinCall:
			if v.GroupID == "second" {
				joinIdx = i
			}
		}
	}
	assert.Less(t, leaveIdx, joinIdx)
}

func TestLeaveTearsEverythingDown(t *testing.T) {
	n, registry, dialer, sender := newTestNegotiator(t, "aaa")

	ended := ""
	n.OnCallEnded(func(groupID string) { ended = groupID })

	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	require.NoError(t, n.sendOffer("bbb"))
	require.NoError(t, n.sendOffer("ccc"))
	require.Equal(t, 2, registry.Count())

	n.Leave()

	assert.False(t, n.Active())
	assert.Equal(t, 0, registry.Count())
	assert.Equal(t, "room", ended)
	for _, conn := range dialer.conns {
		assert.True(t, conn.isClosed())
	}

	var leaves int
	for _, o := range sender.outbound() {
		if _, ok := o.(signaling.LeaveCall); ok {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)

	// Leaving while idle is a no-op.
	n.Leave()
	assert.Equal(t, "room", ended)
}

func TestAutoHangupDirectCallAfterDebounce(t *testing.T) {
	n, _, dialer, sender := newTestNegotiator(t, "aaa")
	n.debounce = 80 * time.Millisecond

	ended := make(chan string, 1)
	n.OnCallEnded(func(groupID string) { ended <- groupID })

	require.NoError(t, n.Join(context.Background(), "call-1", JoinOptions{Role: RoleDirect, RingTarget: "bbb"}))
	require.Equal(t, 1, dialer.dialCount())

	dialer.conns[0].setConnState(webrtc.PeerConnectionStateDisconnected)

	// Still up inside the debounce window.
	time.Sleep(25 * time.Millisecond)
	assert.True(t, n.Active(), "hangup must not fire before the debounce elapses")

	select {
	case group := <-ended:
		assert.Equal(t, "call-1", group)
	case <-time.After(time.Second):
		t.Fatal("expected auto-hangup after the debounce")
	}
	assert.False(t, n.Active())

	var leaves int
	for _, o := range sender.outbound() {
		if _, ok := o.(signaling.LeaveCall); ok {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)
}

func TestAutoHangupCancelledOnRecovery(t *testing.T) {
	n, _, dialer, _ := newTestNegotiator(t, "aaa")
	n.debounce = 60 * time.Millisecond

	require.NoError(t, n.Join(context.Background(), "call-1", JoinOptions{Role: RoleDirect, RingTarget: "bbb"}))

	conn := dialer.conns[0]
	conn.setConnState(webrtc.PeerConnectionStateDisconnected)
	time.Sleep(15 * time.Millisecond)
	conn.setConnState(webrtc.PeerConnectionStateConnected)

	time.Sleep(150 * time.Millisecond)
	assert.True(t, n.Active(), "a recovered connection must cancel the scheduled hangup")
}

func TestAutoHangupGroupPrunesSinglePeer(t *testing.T) {
	n, registry, _, _ := newTestNegotiator(t, "u0")
	n.debounce = 60 * time.Millisecond

	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	n.HandleEvent(signaling.CallParticipants{GroupID: "room", Participants: []string{"u1", "u2"}})
	require.Equal(t, 2, registry.Count())

	sessionConn(t, registry, "u1").setConnState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, time.Second, 10*time.Millisecond, "failed peer should be pruned after the debounce")

	assert.True(t, n.Active(), "a group call survives losing one peer")
	_, ok := registry.Session("u2")
	assert.True(t, ok)
}

func TestPeerLeavingDirectCallEndsIt(t *testing.T) {
	n, registry, _, _ := newTestNegotiator(t, "aaa")

	ended := ""
	n.OnCallEnded(func(groupID string) { ended = groupID })

	require.NoError(t, n.Join(context.Background(), "call-1", JoinOptions{Role: RoleDirect, RingTarget: "bbb"}))
	require.Equal(t, 1, registry.Count())

	n.HandleEvent(signaling.CallUserLeft{UUID: "bbb", GroupID: "call-1"})

	assert.False(t, n.Active())
	assert.Equal(t, "call-1", ended)
}

func TestPeerLeavingGroupCallKeepsItAlive(t *testing.T) {
	n, registry, _, _ := newTestNegotiator(t, "u0")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	n.HandleEvent(signaling.CallParticipants{GroupID: "room", Participants: []string{"u1", "u2"}})

	n.HandleEvent(signaling.CallUserLeft{UUID: "u1", GroupID: "room"})

	assert.True(t, n.Active())
	assert.Equal(t, 1, registry.Count())
}

func TestRenegotiateSkipsBusyPeers(t *testing.T) {
	n, registry, _, sender := newTestNegotiator(t, "u0")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	require.NoError(t, n.sendOffer("u1"))
	require.NoError(t, n.sendOffer("u2"))

	// u1 completed negotiation; u2 still has an offer in flight.
	n.HandleSignal(signaling.Signal{From: "u1", Type: signaling.SignalAnswer, SDP: "answer"})
	sender.reset()

	n.Renegotiate()

	offers := sender.signalsOfType(signaling.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "u1", offers[0].To)

	session, _ := registry.Session("u2")
	assert.Equal(t, negStateHaveLocalOffer, session.negState)
}

func TestCandidateForUnknownPeerIgnored(t *testing.T) {
	n, _, _, _ := newTestNegotiator(t, "aaa")
	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))

	// Must not error or create a session.
	n.HandleSignal(signaling.Signal{From: "ghost", Type: signaling.SignalCandidate, Candidate: "c"})
}

func TestRemoteTrackReachesHostCallback(t *testing.T) {
	n, registry, dialer, _ := newTestNegotiator(t, "aaa")

	var gotPeer string
	var gotTrack *webrtc.TrackRemote
	n.OnRemoteTrack(func(peer string, track *webrtc.TrackRemote) {
		gotPeer = peer
		gotTrack = track
	})

	require.NoError(t, n.Join(context.Background(), "room", JoinOptions{Role: RoleGroup}))
	n.HandleEvent(signaling.CallUserJoined{UUID: "bbb", GroupID: "room"})

	track := &webrtc.TrackRemote{}
	dialer.conns[0].fireTrack(track)

	assert.Equal(t, "bbb", gotPeer)
	assert.Same(t, track, gotTrack)

	retained := registry.RemoteTracks("bbb")
	require.Len(t, retained, 1)
	assert.Same(t, track, retained[0])
}
