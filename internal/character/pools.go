package character

import (
	"encoding/json"
	"strings"

	"github.com/jason-s-yu/bunker/internal/models"
)

// ProfessionEntry is a profession candidate. Clients may send a bare name instead of an object.
type ProfessionEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (p *ProfessionEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = ProfessionEntry{Name: name}
		return nil
	}
	type alias ProfessionEntry
	return json.Unmarshal(data, (*alias)(p))
}

// Values is a pool of string candidates. Object entries are accepted and reduced to their
// most descriptive string field, since older clients sent health entries as objects.
type Values []string

func (v *Values) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		for _, key := range []string{"name", "condition", "value", "title"} {
			if s, ok := obj[key].(string); ok {
				out = append(out, s)
				break
			}
		}
	}
	*v = out
	return nil
}

// Pools are the client-configurable candidate lists for each character category.
type Pools struct {
	Traits      Values            `json:"traits"`
	Professions []ProfessionEntry `json:"professions"`
	Hobbies     Values            `json:"hobby"`
	Health      Values            `json:"health"`
	Inventory   Values            `json:"inventory"`
	Phobias     Values            `json:"phobia"`
	Extras      Values            `json:"extra"`
}

// UnmarshalJSON also accepts the plural spellings some clients use.
func (p *Pools) UnmarshalJSON(data []byte) error {
	type alias Pools
	aux := &struct {
		*alias
		HobbiesAlt Values `json:"hobbies"`
		HealthAlt  Values `json:"healthConditions"`
		PhobiasAlt Values `json:"phobias"`
		ExtrasAlt  Values `json:"extras"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(p.Hobbies) == 0 {
		p.Hobbies = aux.HobbiesAlt
	}
	if len(p.Health) == 0 {
		p.Health = aux.HealthAlt
	}
	if len(p.Phobias) == 0 {
		p.Phobias = aux.PhobiasAlt
	}
	if len(p.Extras) == 0 {
		p.Extras = aux.ExtrasAlt
	}
	return nil
}

// DefaultPools is the single fallback tier, used both when a client pool is empty and when
// repairing a generated character.
var DefaultPools = Pools{
	Traits:  Values{"Brave", "Cowardly", "Aggressive", "Calm", "Kind", "Spiteful", "Honest", "Cunning"},
	Hobbies: Values{"Fishing", "Hunting", "Reading", "Sports", "Music", "Painting", "Gardening", "Chess"},
	Health:  Values{"Healthy", "Diabetes", "Asthma", "Hypertension", "Allergy", "Insomnia"},
	Inventory: Values{
		"First aid kit", "Knife", "Flashlight", "Rope", "Matches", "Canned food", "Radio",
	},
	Phobias: Values{"Claustrophobia", "Arachnophobia", "Acrophobia", "Nyctophobia", "No phobias"},
	Extras: Values{
		"Driving licence", "Speaks three languages", "Survival training", "Medical degree", "Pilot licence",
	},
	Professions: []ProfessionEntry{
		{Name: "Doctor", Description: "Can treat illnesses and injuries"},
		{Name: "Engineer", Description: "Can repair machinery"},
		{Name: "Teacher", Description: "Can educate others"},
		{Name: "Builder", Description: "Can construct and reinforce shelters"},
		{Name: "Farmer", Description: "Can grow food"},
	},
}

// BodyTypes and Severities are fixed sets that clients cannot configure.
var (
	BodyTypes  = []string{"thin", "athletic", "average", "stocky", "obese"}
	Severities = []string{"mild", "moderate", "severe"}
)

// usable reports whether a candidate value may appear in a generated character.
func usable(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != models.Placeholder
}

// clean drops blank and placeholder entries, falling back to def when nothing is left.
func clean(pool, def Values) Values {
	out := make(Values, 0, len(pool))
	for _, s := range pool {
		if usable(s) {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func cleanProfessions(pool, def []ProfessionEntry) []ProfessionEntry {
	out := make([]ProfessionEntry, 0, len(pool))
	for _, p := range pool {
		if usable(p.Name) {
			p.Name = strings.TrimSpace(p.Name)
			if !usable(p.Description) {
				p.Description = p.Name
			}
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
