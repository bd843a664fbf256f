package gate

import (
	"net/url"

	"github.com/glowcity/glow/backend/internal/token"
)

// DefaultRedirect is the landing destination when no table entry matches.
const DefaultRedirect = "/app/discover"

type redirectKey struct {
	beaconType string
	subtype    string
	kind       token.Kind
}

// The destination table is closed on purpose: beacons select a route, they do
// not carry one. A destination that is not listed here cannot be reached
// through a scan no matter what the beacon row says.
var redirectTable = map[redirectKey]string{
	{beaconType: "venue", subtype: "", kind: ""}:                    "/app/venue",
	{beaconType: "venue", subtype: "entrance", kind: ""}:            "/app/venue/checkin",
	{beaconType: "venue", subtype: "bar", kind: ""}:                 "/app/venue/menu",
	{beaconType: "event", subtype: "", kind: ""}:                    "/app/event",
	{beaconType: "event", subtype: "", kind: token.KindResale}:      "/app/tickets/claim",
	{beaconType: "person", subtype: "", kind: token.KindPerson}:     "/app/profile/connect",
	{beaconType: "room", subtype: "", kind: token.KindOneNightRoom}: "/app/rooms/join",
	{beaconType: "promo", subtype: "", kind: ""}:                    "/app/promo",
	{beaconType: "promo", subtype: "flyer", kind: ""}:               "/app/promo/flyer",
}

// redirectFor resolves the destination path for a beacon and payload kind,
// widening the key until something matches. The beacon code rides along as a
// query parameter so the destination can load its own context.
func redirectFor(beaconType, subtype string, kind token.Kind, code string) string {
	destination := DefaultRedirect
	lookups := []redirectKey{
		{beaconType: beaconType, subtype: subtype, kind: kind},
		{beaconType: beaconType, subtype: subtype, kind: ""},
		{beaconType: beaconType, subtype: "", kind: kind},
		{beaconType: beaconType, subtype: "", kind: ""},
	}
	for _, key := range lookups {
		if path, ok := redirectTable[key]; ok {
			destination = path
			break
		}
	}
	return destination + "?b=" + url.QueryEscape(code)
}
