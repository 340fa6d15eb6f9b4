/*
Package fanout delivers committed domain events to live sessions.

PURPOSE:
  The Registry maps live sessions to logical rooms and pushes each committed
  event to every session in the event's rooms exactly once per publish. The
  Dispatcher reads the outbox in commit order after each commit and hands
  batches to a Sink (the local Registry, or the Kafka relay when several
  processes serve sessions).

ROOMS:
  referrer:{id}    the referrer's own dashboard
  consultant:{id}  the consultant working the referral
  admin            the admin overview, receives every event
  referrer:*       wildcard target meaning every referrer room

DELIVERY:
  Best effort. A session that is not joined at publish time never sees the
  event and re-pulls projections on (re)connect. Failure to deliver is
  logged and never reaches the writer.

SEE ALSO:
  - registry.go: Join/Leave/Publish
  - session.go: Buffered session handle used by the websocket transport
  - dispatcher.go: Outbox drain
*/
package fanout

import (
	"strings"

	"github.com/warp/referral-engine/ledger"
)

// Room is a logical fanout channel.
type Room string

const (
	AdminRoom Room = "admin"
	// AllReferrers targets every joined referrer room. Sessions cannot join it.
	AllReferrers Room = "referrer:*"

	referrerPrefix   = "referrer:"
	consultantPrefix = "consultant:"
)

func ReferrerRoom(id ledger.ReferrerID) Room     { return Room(referrerPrefix + string(id)) }
func ConsultantRoom(id ledger.ConsultantID) Room { return Room(consultantPrefix + string(id)) }

func (r Room) isReferrer() bool {
	return strings.HasPrefix(string(r), referrerPrefix) && r != AllReferrers
}

// RoomsFor returns the rooms an event is published to.
//
// The referrer's room always receives its own events, the assigned
// consultant's room receives pipeline events, and admin receives
// everything. config_updated goes to admin and every referrer.
func RoomsFor(ev ledger.Event) []Room {
	if ev.Type == ledger.EventConfigUpdated {
		return []Room{AdminRoom, AllReferrers}
	}

	rooms := make([]Room, 0, 4)
	if ev.ReferrerID != "" {
		rooms = append(rooms, ReferrerRoom(ev.ReferrerID))
	}
	if ev.ConsultantID != "" && consultantEvent(ev.Type) {
		rooms = append(rooms, ConsultantRoom(ev.ConsultantID))
	}
	if ev.Type == ledger.EventReferralAssigned {
		if prev, _ := ev.Payload["previous_consultant_id"].(string); prev != "" && prev != string(ev.ConsultantID) {
			rooms = append(rooms, ConsultantRoom(ledger.ConsultantID(prev)))
		}
	}
	return append(rooms, AdminRoom)
}

func consultantEvent(t ledger.EventType) bool {
	switch t {
	case ledger.EventPipelineTransitioned,
		ledger.EventReferralCredited,
		ledger.EventSaleCredited,
		ledger.EventReferralAssigned:
		return true
	}
	return false
}

// HomeRooms are the rooms a principal's session joins on connect.
func HomeRooms(p ledger.Principal) []Room {
	switch p.Role {
	case ledger.RoleAdmin:
		return []Room{AdminRoom}
	case ledger.RoleReferrer:
		return []Room{ReferrerRoom(ledger.ReferrerID(p.ID))}
	case ledger.RoleConsultant:
		return []Room{ConsultantRoom(ledger.ConsultantID(p.ID))}
	}
	return nil
}

// CanJoin reports whether p may join room. Admins may join any concrete
// room; everyone else only their home rooms.
func CanJoin(p ledger.Principal, room Room) bool {
	if room == "" || room == AllReferrers {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	for _, home := range HomeRooms(p) {
		if home == room {
			return true
		}
	}
	return false
}
