// Package game holds the server-authoritative rules of a dungeon run. It has
// no I/O; every random roll comes from the *rand.Rand the caller passes in.
package game

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"dieforward.gg/internal/tuning"
)

type Phase string

const (
	PhaseExplore Phase = "explore"
	PhaseCombat  Phase = "combat"
	PhaseDead    Phase = "dead"
	PhaseWon     Phase = "won"
)

type Action string

const (
	ActStrike Action = "strike"
	ActDodge  Action = "dodge"
	ActBrace  Action = "brace"
	ActHerbs  Action = "herbs"
	ActFlee   Action = "flee"

	ActOption1 Action = "1"
	ActOption2 Action = "2"
	ActForward Action = "forward"
	ActSearch  Action = "search"
	ActTake    Action = "take"
)

const (
	ItemTorch = "Torch"
	ItemHerbs = "Herbs"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrRunOver       = errors.New("run is over")
	ErrExhausted     = errors.New("not enough stamina")
)

var combatActions = map[Action]bool{ActStrike: true, ActDodge: true, ActBrace: true, ActHerbs: true, ActFlee: true}
var exploreActions = map[Action]bool{ActOption1: true, ActOption2: true, ActForward: true, ActSearch: true, ActTake: true}

func IsCombatAction(a Action) bool  { return combatActions[a] }
func IsExploreAction(a Action) bool { return exploreActions[a] }

type Enemy struct {
	Name        string   `json:"name"`
	Tier        int      `json:"tier"`
	Health      int      `json:"health"`
	MaxHealth   int      `json:"max_health"`
	Intent      Intent   `json:"intent"`
	WasCharging bool     `json:"was_charging"`
	Behaviors   []string `json:"behaviors"`
}

// Run is the mutable state of one descent.
type Run struct {
	Zone       string   `json:"zone"`
	Room       int      `json:"room"`
	TotalRooms int      `json:"total_rooms"`
	Health     int      `json:"health"`
	MaxHealth  int      `json:"max_health"`
	Stamina    int      `json:"stamina"`
	MaxStamina int      `json:"max_stamina"`
	Inventory  []string `json:"inventory"`
	Rooms      []Room   `json:"rooms"`
	Enemy      *Enemy   `json:"enemy,omitempty"`
	Phase      Phase    `json:"phase"`
	Turn       int      `json:"turn"`
}

type OutcomeKind string

const (
	OutcomeAdvance       OutcomeKind = "advance"
	OutcomeCombat        OutcomeKind = "combat"
	OutcomeEnemyDefeated OutcomeKind = "enemy_defeated"
	OutcomeFled          OutcomeKind = "fled"
	OutcomeDeath         OutcomeKind = "death"
	OutcomeExit          OutcomeKind = "exit"
)

type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	DamageTaken int         `json:"damage_taken,omitempty"`
	DamageDealt int         `json:"damage_dealt,omitempty"`
	Healed      int         `json:"healed,omitempty"`
	FoundItem   string      `json:"found_item,omitempty"`
}

func NewRun(cfg tuning.Tuning, rng *rand.Rand) *Run {
	d := cfg.Dungeon
	rooms := GenerateDungeon(cfg, rng)
	return &Run{
		Zone:       d.Zone,
		Room:       1,
		TotalRooms: len(rooms),
		Health:     d.MaxHealth,
		MaxHealth:  d.MaxHealth,
		Stamina:    d.MaxStamina,
		MaxStamina: d.MaxStamina,
		Inventory:  append([]string(nil), d.StartingInventory...),
		Rooms:      rooms,
		Phase:      PhaseExplore,
	}
}

func (r *Run) current() Room { return r.Rooms[r.Room-1] }

func (r *Run) CurrentKind() RoomKind { return r.current().Kind }

// AtExit reports whether the player stands in the final room.
func (r *Run) AtExit() bool { return r.Room >= r.TotalRooms }

func (r *Run) Has(item string) bool {
	for _, it := range r.Inventory {
		if it == item {
			return true
		}
	}
	return false
}

func (r *Run) consume(item string) {
	for i, it := range r.Inventory {
		if it == item {
			r.Inventory = append(r.Inventory[:i], r.Inventory[i+1:]...)
			return
		}
	}
}

// Options lists the actions legal in the current phase.
func (r *Run) Options() []Action {
	switch r.Phase {
	case PhaseCombat:
		out := []Action{ActStrike, ActDodge, ActBrace}
		if r.Has(ItemHerbs) {
			out = append(out, ActHerbs)
		}
		return append(out, ActFlee)
	case PhaseExplore:
		if r.CurrentKind() == RoomCache {
			return []Action{ActTake, ActForward}
		}
		if r.CurrentKind() == RoomCorpse {
			return []Action{ActSearch, ActForward}
		}
		return []Action{ActForward}
	}
	return nil
}

// Act applies one player action.
func (r *Run) Act(a Action, cfg tuning.Tuning, rng *rand.Rand) (Outcome, error) {
	switch r.Phase {
	case PhaseDead, PhaseWon:
		return Outcome{}, ErrRunOver
	case PhaseCombat:
		if !IsCombatAction(a) {
			return Outcome{}, fmt.Errorf("%w: %q during combat", ErrInvalidAction, a)
		}
		r.Turn++
		return r.fight(a, rng)
	}
	if !IsExploreAction(a) {
		return Outcome{}, fmt.Errorf("%w: %q while exploring", ErrInvalidAction, a)
	}
	r.Turn++
	out := Outcome{Kind: OutcomeAdvance}
	switch r.CurrentKind() {
	case RoomExit:
		r.Phase = PhaseWon
		return Outcome{Kind: OutcomeExit}, nil
	case RoomCache:
		if a == ActOption1 || a == ActTake {
			out.Healed = r.heal(cfg.Dungeon.CacheHeal)
		}
	case RoomCorpse:
		if (a == ActOption1 || a == ActSearch) && !r.Has(ItemHerbs) && rng.Float64() < 0.5 {
			r.Inventory = append(r.Inventory, ItemHerbs)
			out.FoundItem = ItemHerbs
		}
	}
	r.advance(rng)
	return out, nil
}

// Escape marks the run won. Only valid from the exit room outside combat.
func (r *Run) Escape() error {
	if r.Phase == PhaseWon {
		return nil
	}
	if r.Phase != PhaseExplore || !r.AtExit() {
		return ErrInvalidAction
	}
	r.Phase = PhaseWon
	return nil
}

func (r *Run) heal(n int) int {
	before := r.Health
	r.Health = min(r.MaxHealth, r.Health+n)
	return r.Health - before
}

func (r *Run) advance(rng *rand.Rand) {
	r.Enemy = nil
	if r.Room < r.TotalRooms {
		r.Room++
	}
	room := r.current()
	if room.Kind == RoomCombat && room.Enemy != nil {
		r.Enemy = &Enemy{
			Name:      room.Enemy.Name,
			Tier:      room.Enemy.Tier,
			Health:    room.Enemy.Health,
			MaxHealth: room.Enemy.Health,
			Intent:    pickIntent(room.Enemy.Behaviors, rng),
			Behaviors: room.Enemy.Behaviors,
		}
		r.Phase = PhaseCombat
		return
	}
	r.Phase = PhaseExplore
}

func round(f float64) int { return int(math.Round(f)) }

func (r *Run) fight(a Action, rng *rand.Rand) (Outcome, error) {
	e := r.Enemy
	if e == nil {
		return Outcome{}, fmt.Errorf("%w: no enemy", ErrInvalidAction)
	}
	eff := EffectsOf(e.Intent, rng)
	base := 15 + rng.Intn(15)
	enemyHit := round(float64(10+rng.Intn(10)) * TierMultiplier(e.Tier) * eff.DamageDealt)
	attack := 1.0
	if r.Has(ItemTorch) {
		attack = 1.25
	}

	out := Outcome{Kind: OutcomeCombat}
	fled := false
	switch a {
	case ActStrike:
		out.DamageDealt = round(float64(base) * attack * eff.DamageTaken)
		out.DamageTaken = enemyHit
		if e.WasCharging {
			out.DamageTaken = enemyHit * 2
		}
	case ActDodge:
		if r.Stamina < 1 {
			return Outcome{}, ErrExhausted
		}
		r.Stamina--
		if !e.WasCharging {
			out.DamageTaken = round(float64(enemyHit) * 0.3)
		}
	case ActBrace:
		if !e.WasCharging {
			out.DamageTaken = round(float64(enemyHit) * 0.5)
		}
	case ActHerbs:
		if !r.Has(ItemHerbs) {
			return Outcome{}, fmt.Errorf("%w: no herbs", ErrInvalidAction)
		}
		r.consume(ItemHerbs)
		out.DamageTaken = enemyHit
		out.Healed = 25 + rng.Intn(10)
	case ActFlee:
		if r.Stamina < 1 {
			return Outcome{}, ErrExhausted
		}
		r.Stamina--
		chance := math.Max(0.05, math.Min(0.95, 0.4+eff.FleeMod))
		if rng.Float64() < chance {
			fled = true
		} else {
			out.DamageTaken = round(float64(enemyHit) * 1.5)
		}
	}

	e.Health = max(0, e.Health-out.DamageDealt)
	r.Health = min(r.MaxHealth, max(0, r.Health-out.DamageTaken+out.Healed))
	if r.Health <= 0 {
		r.Phase = PhaseDead
		out.Kind = OutcomeDeath
		return out, nil
	}
	switch {
	case fled:
		out.Kind = OutcomeFled
		r.advance(rng)
	case e.Health <= 0:
		out.Kind = OutcomeEnemyDefeated
		r.advance(rng)
	default:
		e.WasCharging = eff.Charging
		e.Intent = pickIntent(e.Behaviors, rng)
		r.Stamina = min(r.MaxStamina, r.Stamina+1)
	}
	return out, nil
}
