package agents

import (
	"strings"

	"cerebro/internal/domain"
)

// Selector scores task descriptions against the persona keyword tables.
type Selector struct {
	personas []domain.Persona
}

// NewSelector builds a selector over the built-in catalog.
func NewSelector() *Selector {
	return &Selector{personas: Personas}
}

// Select returns the persona for a task. A valid hint wins outright;
// otherwise the description is lowercased and each persona scores the total
// number of keyword occurrences in it. Highest score wins, catalog order
// breaks ties, and a zero score falls back to the dev agent.
func (s *Selector) Select(description string, hint domain.AgentID) domain.Persona {
	if hint != "" && hint.Valid() {
		return Persona(hint)
	}

	text := strings.ToLower(description)

	best := s.personas[0]
	bestScore := 0
	for _, p := range s.personas {
		score := 0
		for _, kw := range p.Keywords {
			score += strings.Count(text, kw)
		}
		if score > bestScore {
			best = p
			bestScore = score
		}
	}
	return best
}
