package controlbus

import (
	"fmt"
	"regexp"
	"strings"
)

// macRegex matches six hex octets joined by underscores, the broker-facing
// rendering of a canonical colon-separated MAC.
var macRegex = regexp.MustCompile(`^[0-9a-fA-F]{2}(_[0-9a-fA-F]{2}){5}$`)

// ClientID is the parsed form of a broker client identifier, shaped
// "group@@@mac@@@uuid" where mac uses underscores in place of colons.
type ClientID struct {
	Full  string
	Group string
	Mac   string
	UUID  string
}

// CanonicalMac renders Mac with colons in place of underscores.
func (c ClientID) CanonicalMac() string {
	return strings.ReplaceAll(c.Mac, "_", ":")
}

// MacNoSeparators renders Mac with its underscores stripped entirely, the
// form MediaBridge uses inside a room name.
func (c ClientID) MacNoSeparators() string {
	return strings.ReplaceAll(c.Mac, "_", "")
}

// ParseClientID validates and splits a full broker client id. It rejects any
// identifier that does not match the group@@@mac@@@uuid shape or whose mac
// segment isn't six hex octets.
func ParseClientID(full string) (ClientID, error) {
	parts := strings.Split(full, "@@@")
	if len(parts) != 3 {
		return ClientID{}, fmt.Errorf("controlbus: malformed client id %q", full)
	}
	group, mac, uuid := parts[0], parts[1], parts[2]
	if group == "" || uuid == "" {
		return ClientID{}, fmt.Errorf("controlbus: malformed client id %q", full)
	}
	if !macRegex.MatchString(mac) {
		return ClientID{}, fmt.Errorf("controlbus: invalid mac segment %q in client id %q", mac, full)
	}
	return ClientID{Full: full, Group: group, Mac: mac, UUID: uuid}, nil
}
