// Package character generates the random character each player receives at game start.
package character

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/jason-s-yu/bunker/internal/models"
)

const (
	MinAge = 18
	MaxAge = 90
)

// Generator draws characters from pools. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator driven by src, which makes draws reproducible in tests.
func NewGenerator(src rand.Source) *Generator {
	return &Generator{rng: rand.New(src)}
}

// NewRandomGenerator seeds a generator from crypto/rand.
func NewRandomGenerator() (*Generator, error) {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	src := rand.NewPCG(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]))
	return NewGenerator(src), nil
}

// Generate returns a complete character. Empty or unusable pools fall back to DefaultPools;
// the result never contains a blank or placeholder value.
func (g *Generator) Generate(p Pools) models.Character {
	g.mu.Lock()
	defer g.mu.Unlock()

	age := MinAge + g.rng.IntN(MaxAge-MinAge+1)
	prof := pickProfession(g.rng, cleanProfessions(p.Professions, DefaultPools.Professions))

	return models.Character{
		Age:      age,
		Gender:   g.gender(),
		BodyType: pick(g.rng, BodyTypes),
		Trait:    pick(g.rng, clean(p.Traits, DefaultPools.Traits)),
		Profession: &models.Profession{
			Name:        prof.Name,
			Description: prof.Description,
			Experience:  g.experience(age),
		},
		Hobby: pick(g.rng, clean(p.Hobbies, DefaultPools.Hobbies)),
		Health: &models.Health{
			Condition: pick(g.rng, clean(p.Health, DefaultPools.Health)),
			Severity:  pick(g.rng, Severities),
		},
		Inventory: pick(g.rng, clean(p.Inventory, DefaultPools.Inventory)),
		Phobia:    pick(g.rng, clean(p.Phobias, DefaultPools.Phobias)),
		Extra:     pick(g.rng, clean(p.Extras, DefaultPools.Extras)),
	}
}

// Repair fills every missing or placeholder field of c from DefaultPools and returns the
// names of the fields it replaced.
func (g *Generator) Repair(c *models.Character) []string {
	missing := Missing(*c)
	if len(missing) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, field := range missing {
		switch field {
		case models.FieldAge:
			c.Age = MinAge + g.rng.IntN(MaxAge-MinAge+1)
		case models.FieldGender:
			c.Gender = g.gender()
		case models.FieldBodyType:
			c.BodyType = pick(g.rng, BodyTypes)
		case models.FieldTrait:
			c.Trait = pick(g.rng, DefaultPools.Traits)
		case models.FieldProfession:
			prof := pickProfession(g.rng, DefaultPools.Professions)
			c.Profession = &models.Profession{Name: prof.Name, Description: prof.Description}
		case models.FieldHobby:
			c.Hobby = pick(g.rng, DefaultPools.Hobbies)
		case models.FieldHealth:
			c.Health = &models.Health{
				Condition: pick(g.rng, DefaultPools.Health),
				Severity:  pick(g.rng, Severities),
			}
		case models.FieldInventory:
			c.Inventory = pick(g.rng, DefaultPools.Inventory)
		case models.FieldPhobia:
			c.Phobia = pick(g.rng, DefaultPools.Phobias)
		case models.FieldExtra:
			c.Extra = pick(g.rng, DefaultPools.Extras)
		}
	}
	// age may have been replaced, so the experience bound is rechecked afterwards
	if c.Profession.Experience < 1 || c.Profession.Experience > ExperienceBound(c.Age) {
		c.Profession.Experience = g.experience(c.Age)
	}
	return missing
}

// Coin returns a fair coin flip.
func (g *Generator) Coin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(2) == 0
}

// Intn returns a uniform index in [0, n). n must be positive.
func (g *Generator) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}

// ExperienceBound is the largest number of years of experience a character of the given age
// can have: age/8 up to 24, age/5 after that, and never below 1.
func ExperienceBound(age int) int {
	divisor := 5
	if age <= 24 {
		divisor = 8
	}
	return max(1, age/divisor)
}

// Missing lists the fields of c that are blank or hold the placeholder value.
func Missing(c models.Character) []string {
	var out []string
	if c.Age < MinAge || c.Age > MaxAge {
		out = append(out, models.FieldAge)
	}
	if !usable(c.Gender) {
		out = append(out, models.FieldGender)
	}
	if !usable(c.BodyType) {
		out = append(out, models.FieldBodyType)
	}
	if !usable(c.Trait) {
		out = append(out, models.FieldTrait)
	}
	if c.Profession == nil || !usable(c.Profession.Name) {
		out = append(out, models.FieldProfession)
	}
	if !usable(c.Hobby) {
		out = append(out, models.FieldHobby)
	}
	if c.Health == nil || !usable(c.Health.Condition) || !usable(c.Health.Severity) {
		out = append(out, models.FieldHealth)
	}
	if !usable(c.Inventory) {
		out = append(out, models.FieldInventory)
	}
	if !usable(c.Phobia) {
		out = append(out, models.FieldPhobia)
	}
	if !usable(c.Extra) {
		out = append(out, models.FieldExtra)
	}
	return out
}

// gender draws 45% male, 45% female, 10% transformer. Caller holds g.mu.
func (g *Generator) gender() string {
	r := g.rng.Float64()
	switch {
	case r < 0.45:
		return models.GenderMale
	case r < 0.90:
		return models.GenderFemale
	default:
		return models.GenderTransformer
	}
}

// experience draws uniformly from [1, ExperienceBound(age)]. Caller holds g.mu.
func (g *Generator) experience(age int) int {
	return 1 + g.rng.IntN(ExperienceBound(age))
}

func pick(rng *rand.Rand, pool []string) string {
	return pool[rng.IntN(len(pool))]
}

func pickProfession(rng *rand.Rand, pool []ProfessionEntry) ProfessionEntry {
	return pool[rng.IntN(len(pool))]
}
