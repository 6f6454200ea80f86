package models

// Gender values. Transformer is the wildcard, capped at one per round.
const (
	GenderMale        = "male"
	GenderFemale      = "female"
	GenderTransformer = "transformer"
)

// Placeholder marks a value the client left unfilled. It is never a valid field value.
const Placeholder = "?"

// Character field names, as used in Player.RevealedCharacteristics.
const (
	FieldAge        = "age"
	FieldGender     = "gender"
	FieldBodyType   = "body_type"
	FieldTrait      = "trait"
	FieldProfession = "profession"
	FieldHobby      = "hobby"
	FieldHealth     = "health"
	FieldInventory  = "inventory"
	FieldPhobia     = "phobia"
	FieldExtra      = "extra"
)

// CharacterFields lists every revealable field in display order.
var CharacterFields = []string{
	FieldAge,
	FieldGender,
	FieldBodyType,
	FieldTrait,
	FieldProfession,
	FieldHobby,
	FieldHealth,
	FieldInventory,
	FieldPhobia,
	FieldExtra,
}

// fieldAliases maps legacy field names onto the field that now carries their value.
// Years of experience live inside profession.
var fieldAliases = map[string]string{
	"experience_years": FieldProfession,
}

// CanonicalField resolves name, or one of its aliases, to a revealable field.
func CanonicalField(name string) (string, bool) {
	if alias, ok := fieldAliases[name]; ok {
		name = alias
	}
	for _, f := range CharacterFields {
		if f == name {
			return f, true
		}
	}
	return "", false
}

// Character is generated once per player at game start. The zero value marshals to {}.
type Character struct {
	Age        int         `json:"age,omitempty"`
	Gender     string      `json:"gender,omitempty"`
	BodyType   string      `json:"body_type,omitempty"`
	Trait      string      `json:"trait,omitempty"`
	Profession *Profession `json:"profession,omitempty"`
	Hobby      string      `json:"hobby,omitempty"`
	Health     *Health     `json:"health,omitempty"`
	Inventory  string      `json:"inventory,omitempty"`
	Phobia     string      `json:"phobia,omitempty"`
	Extra      string      `json:"extra,omitempty"`
}

// IsZero reports whether nothing has been generated yet.
func (c Character) IsZero() bool {
	return c == Character{}
}

type Profession struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Experience  int    `json:"experience"`
}

type Health struct {
	Condition string `json:"condition"`
	Severity  string `json:"severity"`
}
