package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var roomAdjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "fuzzy", "gentle", "hazy", "ivory", "jolly",
	"keen", "lively", "mellow", "nimble", "olive", "proud", "quiet", "rosy", "sunny", "tidy",
	"vivid", "witty", "young", "zesty", "bold", "cozy", "dapper", "frosty", "golden", "humble",
}

var roomNouns = []string{
	"harbor", "meadow", "canyon", "lantern", "orchard", "pebble", "comet", "willow", "falcon", "otter",
	"river", "summit", "garden", "beacon", "island", "forest", "glacier", "valley", "marble", "compass",
	"thistle", "cobalt", "walnut", "ember", "breeze", "quartz", "sparrow", "ridge", "puddle", "violet",
}

// GenerateRoomID returns a memorable room name such as "calm-harbor-comet".
func GenerateRoomID() string {
	return fmt.Sprintf("%s-%s-%s",
		roomAdjectives[randomIndex(len(roomAdjectives))],
		roomNouns[randomIndex(len(roomNouns))],
		roomNouns[randomIndex(len(roomNouns))])
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("failed to generate random index: %v", err))
	}
	return int(n.Int64())
}
