package parser

import (
	"strings"

	"github.com/dropwire/dropwire/internal/schema"
)

// Raffle status inference.
//
// Retailers rarely label raffles explicitly, so parsers fall back to a
// keyword heuristic over the title and raw status text. The keyword set and
// threshold are fixed here rather than per parser:
//
//	keywords:  raffle, draw, entry, lottery, 抽選, sorteo
//	threshold: 2 occurrences across title + status text
var raffleKeywords = []string{"raffle", "draw", "entry", "lottery", "抽選", "sorteo"}

const raffleThreshold = 2

// raffleScore counts raffle keyword occurrences across the given texts.
func raffleScore(texts ...string) int {
	score := 0
	for _, text := range texts {
		lowered := strings.ToLower(text)
		for _, kw := range raffleKeywords {
			score += strings.Count(lowered, kw)
		}
	}
	return score
}

// inferStatusRaw returns the raw status string a parser should attach to a
// record. An explicit recognized status wins; otherwise the raffle heuristic
// may promote the record to RAFFLE_OPEN. Unrecognized text passes through
// unchanged so the canonicalizer maps it to UNKNOWN.
func inferStatusRaw(statusRaw, title string) string {
	if schema.ParseStatus(statusRaw) != schema.StatusUnknown {
		return statusRaw
	}
	if raffleScore(title, statusRaw) >= raffleThreshold {
		return string(schema.StatusRaffleOpen)
	}
	return statusRaw
}
