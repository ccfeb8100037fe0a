// Package ranking shortlists eligible opportunities with a cheap keyword
// score before the expensive preference scoring runs.
package ranking

import (
	"sort"
	"strings"

	"github.com/david/grant-matcher/internal/models"
)

// TopK is the number of candidates forwarded to preference scoring.
const TopK = 5

// Ranked pairs a candidate with its keyword score.
type Ranked struct {
	Opportunity models.Opportunity
	Score       int
}

// Rank scores every candidate and returns them sorted by descending score.
// Ties keep their input order.
func Rank(profile models.UserProfile, candidates []models.Opportunity) []Ranked {
	terms := Terms(profile)

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Opportunity: c, Score: score(terms, haystack(c))}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Shortlist ranks candidates and keeps the first TopK.
func Shortlist(profile models.UserProfile, candidates []models.Opportunity) []models.Opportunity {
	ranked := Rank(profile, candidates)
	if len(ranked) > TopK {
		ranked = ranked[:TopK]
	}

	out := make([]models.Opportunity, len(ranked))
	for i, r := range ranked {
		out[i] = r.Opportunity
	}
	return out
}

// Terms returns the lower-cased, whitespace-split keywords of a profile's
// domains followed by its idea. Repeated words count once per occurrence.
func Terms(profile models.UserProfile) []string {
	var terms []string
	for _, d := range profile.Domains {
		terms = append(terms, strings.Fields(strings.ToLower(d))...)
	}
	return append(terms, strings.Fields(strings.ToLower(profile.Idea))...)
}

func haystack(o models.Opportunity) string {
	parts := make([]string, 0, 2+len(o.Tags)+len(o.PrevFundedProjects))
	parts = append(parts, o.EventName, o.Domain)
	parts = append(parts, o.Tags...)
	for _, p := range o.PrevFundedProjects {
		parts = append(parts, p.Title)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func score(terms []string, text string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}
