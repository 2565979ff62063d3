package relay

// MaxParticipants is the room capacity. Calls are strictly two-party.
const MaxParticipants = 2

// Room groups the participants that can address each other.
type Room struct {
	// ID is the room name chosen by the participants.
	ID string

	// Members maps participant IDs to their connections.
	Members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id, Members: make(map[string]*Client, MaxParticipants)}
}

// Full reports whether the room has reached MaxParticipants.
func (r *Room) Full() bool {
	return len(r.Members) >= MaxParticipants
}

// Others returns every member except c.
func (r *Room) Others(c *Client) []*Client {
	others := make([]*Client, 0, len(r.Members))
	for id, m := range r.Members {
		if id != c.ID {
			others = append(others, m)
		}
	}
	return others
}
