package fanout_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type recorder struct {
	id     string
	mu     sync.Mutex
	events []ledger.Event
	fail   error
	closed bool
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.events))
	for i, e := range r.events {
		out[i] = e.Seq
	}
	return out
}

func event(seq int64, typ ledger.EventType, referrer, consultant string) ledger.Event {
	return ledger.Event{
		Seq:          seq,
		ID:           fmt.Sprintf("ev-%d", seq),
		Type:         typ,
		ReferrerID:   ledger.ReferrerID(referrer),
		ConsultantID: ledger.ConsultantID(consultant),
	}
}

// =============================================================================
// JOIN / LEAVE
// =============================================================================

func TestRegistry_JoinLeave_Idempotent(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	s := newRecorder("s1")
	room := fanout.ReferrerRoom("alice")

	assert.True(t, reg.Join(s, room))
	assert.False(t, reg.Join(s, room), "second join is a no-op")
	assert.Equal(t, 1, reg.Members(room))

	assert.True(t, reg.Leave(s, room))
	assert.False(t, reg.Leave(s, room), "second leave is a no-op")
	assert.Equal(t, 0, reg.Members(room))
	assert.Equal(t, 0, reg.Sessions())
}

func TestRegistry_LeaveAll(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	s := newRecorder("s1")
	reg.Join(s, fanout.AdminRoom)
	reg.Join(s, fanout.ReferrerRoom("alice"))
	assert.Equal(t, []fanout.Room{fanout.AdminRoom, fanout.ReferrerRoom("alice")}, reg.Rooms(s))

	reg.LeaveAll(s)

	assert.Empty(t, reg.Rooms(s))
	assert.Equal(t, 0, reg.Publish(event(1, ledger.EventSaleCredited, "alice", ""), []fanout.Room{fanout.AdminRoom}))
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	room := fanout.AdminRoom

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newRecorder(fmt.Sprintf("s%d", i))
			reg.Join(s, room)
			reg.Join(s, room)
			if i%2 == 0 {
				reg.Leave(s, room)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, reg.Members(room))
}

// =============================================================================
// PUBLISH
// =============================================================================

func TestRegistry_Publish_DedupAcrossRooms(t *testing.T) {
	// GIVEN: An admin session also joined to alice's room
	// WHEN: An event targeting both rooms is published
	// THEN: The session receives it exactly once

	reg := fanout.NewRegistry(nil, nil)
	s := newRecorder("s1")
	reg.Join(s, fanout.ReferrerRoom("alice"))
	reg.Join(s, fanout.AdminRoom)

	ev := event(1, ledger.EventReferralCredited, "alice", "")
	n := reg.Publish(ev, fanout.RoomsFor(ev))

	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, s.seqs())
}

func TestRegistry_Publish_OnlyTargetedRooms(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	alice := newRecorder("alice")
	bob := newRecorder("bob")
	c1 := newRecorder("c1")
	admin := newRecorder("admin")
	reg.Join(alice, fanout.ReferrerRoom("alice"))
	reg.Join(bob, fanout.ReferrerRoom("bob"))
	reg.Join(c1, fanout.ConsultantRoom("c1"))
	reg.Join(admin, fanout.AdminRoom)

	ev := event(7, ledger.EventPipelineTransitioned, "alice", "c1")
	n := reg.Publish(ev, fanout.RoomsFor(ev))

	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{7}, alice.seqs())
	assert.Empty(t, bob.seqs())
	assert.Equal(t, []int64{7}, c1.seqs())
	assert.Equal(t, []int64{7}, admin.seqs())
}

func TestRegistry_Publish_ConfigUpdatedReachesEveryReferrer(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	alice := newRecorder("alice")
	bob := newRecorder("bob")
	c1 := newRecorder("c1")
	reg.Join(alice, fanout.ReferrerRoom("alice"))
	reg.Join(bob, fanout.ReferrerRoom("bob"))
	reg.Join(c1, fanout.ConsultantRoom("c1"))

	ev := event(3, ledger.EventConfigUpdated, "", "")
	reg.Publish(ev, fanout.RoomsFor(ev))

	assert.Equal(t, []int64{3}, alice.seqs())
	assert.Equal(t, []int64{3}, bob.seqs())
	assert.Empty(t, c1.seqs())
}

func TestRegistry_Publish_PreservesOrderPerRoom(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	s := newRecorder("s1")
	reg.Join(s, fanout.ReferrerRoom("alice"))

	var events []ledger.Event
	for i := int64(1); i <= 20; i++ {
		events = append(events, event(i, ledger.EventReferralCredited, "alice", ""))
	}
	require.NoError(t, reg.Deliver(context.Background(), events))

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, s.seqs())
}

func TestRegistry_Publish_FailingSessionIsEvicted(t *testing.T) {
	reg := fanout.NewRegistry(nil, nil)
	slow := newRecorder("slow")
	slow.fail = fanout.ErrSessionOverflow
	ok := newRecorder("ok")
	reg.Join(slow, fanout.AdminRoom)
	reg.Join(ok, fanout.AdminRoom)

	n := reg.Publish(event(1, ledger.EventSaleCredited, "alice", ""), []fanout.Room{fanout.AdminRoom})

	assert.Equal(t, 1, n)
	assert.True(t, slow.closed)
	assert.Empty(t, reg.Rooms(slow))
	assert.Equal(t, 1, reg.Members(fanout.AdminRoom))
}

// =============================================================================
// ROUTING
// =============================================================================

func TestRoomsFor(t *testing.T) {
	tests := []struct {
		name string
		ev   ledger.Event
		want []fanout.Room
	}{
		{
			name: "pipeline event reaches consultant",
			ev:   event(1, ledger.EventPipelineTransitioned, "alice", "c1"),
			want: []fanout.Room{"referrer:alice", "consultant:c1", "admin"},
		},
		{
			name: "unassigned lead",
			ev:   event(1, ledger.EventPipelineTransitioned, "alice", ""),
			want: []fanout.Room{"referrer:alice", "admin"},
		},
		{
			name: "reward unlock skips consultant",
			ev:   event(1, ledger.EventRewardUnlocked, "alice", "c1"),
			want: []fanout.Room{"referrer:alice", "admin"},
		},
		{
			name: "config update",
			ev:   event(1, ledger.EventConfigUpdated, "", ""),
			want: []fanout.Room{"admin", "referrer:*"},
		},
		{
			name: "reassignment reaches both consultants",
			ev: ledger.Event{
				Type:         ledger.EventReferralAssigned,
				ReferrerID:   "alice",
				ConsultantID: "c2",
				Payload:      map[string]any{"previous_consultant_id": "c1"},
			},
			want: []fanout.Room{"referrer:alice", "consultant:c2", "consultant:c1", "admin"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fanout.RoomsFor(tt.ev))
		})
	}
}

func TestCanJoin(t *testing.T) {
	admin := ledger.Principal{Role: ledger.RoleAdmin, ID: "ops"}
	alice := ledger.Principal{Role: ledger.RoleReferrer, ID: "alice"}
	c1 := ledger.Principal{Role: ledger.RoleConsultant, ID: "c1"}

	assert.True(t, fanout.CanJoin(admin, fanout.ReferrerRoom("bob")))
	assert.False(t, fanout.CanJoin(admin, fanout.AllReferrers))
	assert.True(t, fanout.CanJoin(alice, fanout.ReferrerRoom("alice")))
	assert.False(t, fanout.CanJoin(alice, fanout.ReferrerRoom("bob")))
	assert.False(t, fanout.CanJoin(alice, fanout.AdminRoom))
	assert.True(t, fanout.CanJoin(c1, fanout.ConsultantRoom("c1")))
	assert.False(t, fanout.CanJoin(c1, fanout.ConsultantRoom("c2")))
}
