package protocol

import (
	"fmt"
	"strings"
)

// Gateway intent bits.
const (
	IntentGuilds              = 1 << 0
	IntentGuildMembers        = 1 << 1
	IntentGuildMessages       = 1 << 9
	IntentDirectMessage       = 1 << 12
	IntentGroupAndC2C         = 1 << 25
	IntentInteraction         = 1 << 26
	IntentPublicGuildMessages = 1 << 30
)

// KnownIntents maps configuration names to intent bits.
var KnownIntents = map[string]int{
	"guilds":                IntentGuilds,
	"guild_members":         IntentGuildMembers,
	"guild_messages":        IntentGuildMessages,
	"direct_message":        IntentDirectMessage,
	"group_and_c2c":         IntentGroupAndC2C,
	"interaction":           IntentInteraction,
	"public_guild_messages": IntentPublicGuildMessages,
}

// DefaultIntents covers group, C2C and public guild @-messages.
var DefaultIntents = []string{"group_and_c2c", "public_guild_messages"}

// ParseIntents folds intent names into a bitmask.
func ParseIntents(names []string) (int, error) {
	mask := 0
	for _, name := range names {
		bit, ok := KnownIntents[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown intent: %s", name)
		}
		mask |= bit
	}
	return mask, nil
}
