package game

import "math/rand"

type Intent string

const (
	IntentAggressive Intent = "AGGRESSIVE"
	IntentCharging   Intent = "CHARGING"
	IntentDefensive  Intent = "DEFENSIVE"
	IntentStalking   Intent = "STALKING"
	IntentHunting    Intent = "HUNTING"
	IntentErratic    Intent = "ERRATIC"
	IntentRetreating Intent = "RETREATING"
)

// Effects modify one combat round. DamageDealt scales the enemy's hit,
// DamageTaken scales the player's hit on the enemy, FleeMod shifts the
// chance to escape.
type Effects struct {
	DamageDealt float64
	DamageTaken float64
	FleeMod     float64
	Charging    bool
}

func EffectsOf(i Intent, rng *rand.Rand) Effects {
	switch i {
	case IntentCharging:
		return Effects{DamageDealt: 0.5, DamageTaken: 1.0, Charging: true}
	case IntentDefensive:
		return Effects{DamageDealt: 0.5, DamageTaken: 0.5, FleeMod: 0.2}
	case IntentStalking:
		return Effects{DamageDealt: 1.0, DamageTaken: 1.0, FleeMod: -0.3}
	case IntentHunting:
		return Effects{DamageDealt: 1.3, DamageTaken: 1.0, FleeMod: -0.2}
	case IntentErratic:
		return Effects{DamageDealt: 0.5 + rng.Float64()*1.5, DamageTaken: 1.0, FleeMod: 0.1}
	case IntentRetreating:
		return Effects{DamageDealt: 0.5, DamageTaken: 1.2, FleeMod: 0.3}
	}
	return Effects{DamageDealt: 1.0, DamageTaken: 1.0}
}

func TierMultiplier(tier int) float64 {
	switch tier {
	case 2:
		return 1.5
	case 3:
		return 2.0
	}
	return 1.0
}

func pickIntent(behaviors []string, rng *rand.Rand) Intent {
	if len(behaviors) == 0 {
		return IntentAggressive
	}
	return Intent(behaviors[rng.Intn(len(behaviors))])
}
