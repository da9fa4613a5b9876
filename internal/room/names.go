package room

import (
	"fmt"
	"math/rand"
	"strings"
)

var (
	nameAdjectives = []string{"Smart", "Focused", "Brilliant", "Studious", "Clever", "Bright", "Quick", "Sharp"}
	nameNouns      = []string{"Student", "Scholar", "Learner", "Thinker", "Brain", "Mind", "Genius", "Ace"}
)

// GenerateDisplayName produces a fun fallback name for participants that
// did not supply one.
func GenerateDisplayName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return fmt.Sprintf("%s%s%d", adj, noun, rand.Intn(99)+1)
}

// CleanDisplayName trims a supplied display name, bounds its length, and
// falls back to a generated one when blank.
func CleanDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return GenerateDisplayName()
	}
	runes := []rune(name)
	if len(runes) > 40 {
		name = string(runes[:40])
	}
	return name
}
