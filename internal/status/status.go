// Package status decides the delivery state of chat messages from the number
// of sessions present in the room. Every function here is pure: the caller
// reads presence, the resolver only maps counts to decisions.
package status

// Status is the mark count shown next to a message.
type Status int

const (
	// Delivered (1 mark): the message was sent while only the sender was present.
	Delivered Status = 1

	// Read (2 marks): the message was sent, or later upgraded, while both
	// participants were present.
	Read Status = 2
)

// String returns the metric/log label for the status.
func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// Announcement is the presence summary broadcast after every membership change.
type Announcement struct {
	OnlineCount     int
	RecipientOnline bool
}

// ResolveMessageStatus maps the number of sessions present at send time to a
// message status. Two or more present means the recipient saw it. A count of
// zero (or less) can only come from a send racing its own disconnect and is
// resolved as Delivered.
func ResolveMessageStatus(onlineCount int) Status {
	if onlineCount >= 2 {
		return Read
	}
	return Delivered
}

// ResolvePresenceAnnouncement builds the status_update payload for the given
// count. The recipient is considered online only when exactly two sessions
// share the room.
func ResolvePresenceAnnouncement(onlineCount int) Announcement {
	return Announcement{
		OnlineCount:     onlineCount,
		RecipientOnline: onlineCount == 2,
	}
}

// ShouldAnnounceRetroactiveUpgrade reports whether a presence change must tell
// clients to upgrade their delivered messages to read. It fires only when a
// connect takes the room from one member to two.
func ShouldAnnounceRetroactiveUpgrade(previous, current int) bool {
	return previous == 1 && current == 2
}
