package eligibility

import "strings"

// countryAliases groups the spellings accepted for one country. Every alias
// in a group normalizes to the whole group.
var countryAliases = [][]string{
	{"india", "indian", "in", "ind", "bharat"},
	{"united states", "united states of america", "usa", "us", "u.s.", "u.s.a.", "america", "american"},
	{"united kingdom", "uk", "u.k.", "great britain", "britain", "british", "gb", "england", "english"},
	{"canada", "canadian", "ca"},
	{"australia", "australian", "au"},
	{"germany", "german", "de", "deutschland"},
	{"france", "french", "fr"},
	{"singapore", "singaporean", "sg"},
	{"peru", "peruvian", "pe"},
	{"ireland", "irish", "ie"},
	{"european union", "eu", "european"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string][]string {
	idx := make(map[string][]string)
	for _, group := range countryAliases {
		for _, alias := range group {
			idx[alias] = group
		}
	}
	return idx
}

// CitizenshipTokens normalizes a citizenship or country value into the set of
// tokens it should match. Unknown values map to themselves, lower-cased.
func CitizenshipTokens(value string) map[string]struct{} {
	tokens := make(map[string]struct{})
	v := strings.Join(strings.Fields(strings.ToLower(value)), " ")
	if v == "" {
		return tokens
	}

	tokens[v] = struct{}{}
	if v == "all" || v == "global" || v == "worldwide" || v == "international" {
		tokens[anyToken] = struct{}{}
	}
	for _, alias := range aliasIndex[v] {
		tokens[alias] = struct{}{}
	}
	// EU member states also satisfy an EU-wide restriction.
	if v == "germany" || v == "german" || v == "france" || v == "french" || v == "ireland" || v == "irish" {
		for _, alias := range aliasIndex["eu"] {
			tokens[alias] = struct{}{}
		}
	}
	return tokens
}
