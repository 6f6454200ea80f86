package character

import "github.com/jason-s-yu/bunker/internal/models"

// BalanceGenders rewrites genders in place so the round has at least one male, at least one
// female and at most one transformer. Candidates are chosen in slice order, so the result is
// deterministic apart from coin, which decides what surplus transformers become.
// With fewer than two characters the first two rules cannot both hold; only the cap applies.
func BalanceGenders(chars []*models.Character, coin func() bool) {
	if len(chars) >= 2 {
		ensureGender(chars, models.GenderMale, models.GenderFemale)
		ensureGender(chars, models.GenderFemale, models.GenderMale)
	}

	seen := false
	for _, c := range chars {
		if c.Gender != models.GenderTransformer {
			continue
		}
		if !seen {
			seen = true
			continue
		}
		if coin() {
			c.Gender = models.GenderMale
		} else {
			c.Gender = models.GenderFemale
		}
	}
}

// ensureGender makes sure want occurs. It converts the first character that is not other;
// when everyone is other, it converts the first one as long as another other remains.
func ensureGender(chars []*models.Character, want, other string) {
	count := map[string]int{}
	for _, c := range chars {
		count[c.Gender]++
	}
	if count[want] > 0 {
		return
	}
	for _, c := range chars {
		if c.Gender != other {
			c.Gender = want
			return
		}
	}
	if count[other] > 1 {
		chars[0].Gender = want
	}
}

// CountGenders tallies genders, mostly for logging and tests.
func CountGenders(chars []*models.Character) map[string]int {
	out := make(map[string]int, 3)
	for _, c := range chars {
		out[c.Gender]++
	}
	return out
}
