package quiz

import (
	"fmt"
	"strings"
)

// Rank is the difficulty the player picked.
type Rank int

const (
	RankEasy Rank = iota
	RankNormal
	RankHard
	RankLunatic
)

var rankNames = map[Rank]string{
	RankEasy:    "easy",
	RankNormal:  "normal",
	RankHard:    "hard",
	RankLunatic: "lunatic",
}

func (r Rank) String() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return fmt.Sprintf("rank(%d)", int(r))
}

// ParseRank accepts a rank name, case-insensitively.
func ParseRank(s string) (Rank, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range rankNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown rank %q", s)
}

// Budget returns how many quizzes to keep ready ahead of the player.
// A positive override wins over the rank default.
func Budget(r Rank, override int) int {
	if override > 0 {
		return override
	}
	switch r {
	case RankHard, RankLunatic:
		return 1
	default:
		return 2
	}
}
