package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Escrow     Escrow     `yaml:"escrow"`
	Dungeon    Dungeon    `yaml:"dungeon"`
	Settlement Settlement `yaml:"settlement"`
	Depths     []Depth    `yaml:"depths"`
	Bestiary   []Creature `yaml:"bestiary"`
}

type Escrow struct {
	FeeBps           uint16   `yaml:"fee_bps"`
	VictoryBonusBps  uint16   `yaml:"victory_bonus_bps"`
	MinStakeLamports uint64   `yaml:"min_stake_lamports"`
	MaxStakeLamports uint64   `yaml:"max_stake_lamports"`
	ValidStakes      []uint64 `yaml:"valid_stakes_lamports"`
	// PoolSeedLamports is transferred into a freshly initialized pool in dev
	// deployments so the first stakes can pay their fee.
	PoolSeedLamports uint64 `yaml:"pool_seed_lamports"`
}

type Dungeon struct {
	Zone              string   `yaml:"zone"`
	MinRooms          int      `yaml:"min_rooms"`
	MaxRooms          int      `yaml:"max_rooms"`
	MaxHealth         int      `yaml:"max_health"`
	MaxStamina        int      `yaml:"max_stamina"`
	StartingInventory []string `yaml:"starting_inventory"`
	CacheHeal         int      `yaml:"cache_heal"`
	FinalMessageMax   int      `yaml:"final_message_max"`
	DefaultEpitaph    string   `yaml:"default_epitaph"`
	DeathGraceSec     int      `yaml:"death_grace_sec"`
}

type Settlement struct {
	Workers         int `yaml:"workers"`
	QueueSize       int `yaml:"queue_size"`
	MaxAttempts     int `yaml:"max_attempts"`
	LedgerTimeoutMs int `yaml:"ledger_timeout_ms"`
	BackoffBaseMs   int `yaml:"backoff_base_ms"`
	BackoffMaxMs    int `yaml:"backoff_max_ms"`
}

// Depth maps a room range to the tier of creatures found there.
type Depth struct {
	Name     string `yaml:"name"`
	Tier     int    `yaml:"tier"`
	FromRoom int    `yaml:"from_room"`
	ToRoom   int    `yaml:"to_room"`
}

type Creature struct {
	Name      string   `yaml:"name"`
	Tier      int      `yaml:"tier"`
	HealthMin int      `yaml:"health_min"`
	HealthMax int      `yaml:"health_max"`
	Behaviors []string `yaml:"behaviors"`
}

func (s Settlement) LedgerTimeout() time.Duration {
	return time.Duration(s.LedgerTimeoutMs) * time.Millisecond
}

func (s Settlement) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMs) * time.Millisecond
}

func (s Settlement) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMs) * time.Millisecond
}

func (d Dungeon) DeathGrace() time.Duration {
	return time.Duration(d.DeathGraceSec) * time.Second
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Escrow: Escrow{
			FeeBps:           500,
			VictoryBonusBps:  5000,
			MinStakeLamports: 10_000_000,
			MaxStakeLamports: 1_000_000_000,
			ValidStakes:      []uint64{10_000_000, 50_000_000, 100_000_000, 250_000_000},
			PoolSeedLamports: 5_000_000_000,
		},
		Dungeon: Dungeon{
			Zone:              "THE SUNKEN CRYPT",
			MinRooms:          5,
			MaxRooms:          7,
			MaxHealth:         100,
			MaxStamina:        3,
			StartingInventory: []string{"Torch", "Herbs"},
			CacheHeal:         30,
			FinalMessageMax:   50,
			DefaultEpitaph:    "An adventurer fell here.",
			DeathGraceSec:     600,
		},
		Settlement: Settlement{
			Workers:         4,
			QueueSize:       1024,
			MaxAttempts:     5,
			LedgerTimeoutMs: 5000,
			BackoffBaseMs:   250,
			BackoffMaxMs:    8000,
		},
		Depths: []Depth{
			{Name: "THE UPPER CRYPT", Tier: 1, FromRoom: 1, ToRoom: 4},
			{Name: "THE FLOODED HALLS", Tier: 2, FromRoom: 5, ToRoom: 8},
			{Name: "THE ABYSS", Tier: 3, FromRoom: 9, ToRoom: 12},
		},
		Bestiary: []Creature{
			{Name: "The Drowned", Tier: 1, HealthMin: 45, HealthMax: 65, Behaviors: []string{"AGGRESSIVE", "ERRATIC", "DEFENSIVE"}},
			{Name: "Pale Crawler", Tier: 1, HealthMin: 35, HealthMax: 50, Behaviors: []string{"STALKING", "AGGRESSIVE", "HUNTING"}},
			{Name: "Hollow Clergy", Tier: 2, HealthMin: 70, HealthMax: 90, Behaviors: []string{"DEFENSIVE", "CHARGING", "AGGRESSIVE"}},
			{Name: "Carrion Knight", Tier: 2, HealthMin: 85, HealthMax: 105, Behaviors: []string{"AGGRESSIVE", "CHARGING", "DEFENSIVE"}},
			{Name: "Mother of Tides", Tier: 3, HealthMin: 130, HealthMax: 160, Behaviors: []string{"CHARGING", "AGGRESSIVE", "DEFENSIVE"}},
		},
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	e := t.Escrow
	if e.FeeBps > 10000 || e.VictoryBonusBps > 10000 {
		errs = append(errs, errors.New("escrow: bps values must be within 0..10000"))
	}
	if e.MinStakeLamports == 0 || e.MinStakeLamports > e.MaxStakeLamports {
		errs = append(errs, errors.New("escrow: need 0 < min_stake_lamports <= max_stake_lamports"))
	}
	for _, v := range e.ValidStakes {
		if v < e.MinStakeLamports || v > e.MaxStakeLamports {
			errs = append(errs, fmt.Errorf("escrow: valid stake %d outside bounds", v))
		}
	}
	d := t.Dungeon
	if d.MinRooms < 2 || d.MinRooms > d.MaxRooms {
		errs = append(errs, errors.New("dungeon: need 2 <= min_rooms <= max_rooms"))
	}
	if d.MaxHealth <= 0 || d.MaxStamina <= 0 {
		errs = append(errs, errors.New("dungeon: max_health and max_stamina must be positive"))
	}
	if d.FinalMessageMax <= 0 {
		errs = append(errs, errors.New("dungeon: final_message_max must be positive"))
	}
	s := t.Settlement
	if s.Workers <= 0 || s.MaxAttempts <= 0 || s.LedgerTimeoutMs <= 0 || s.QueueSize <= 0 {
		errs = append(errs, errors.New("settlement: workers, queue_size, max_attempts and ledger_timeout_ms must be positive"))
	}
	if len(t.Bestiary) == 0 {
		errs = append(errs, errors.New("bestiary: at least one creature required"))
	}
	for _, c := range t.Bestiary {
		if c.HealthMin <= 0 || c.HealthMin > c.HealthMax || len(c.Behaviors) == 0 {
			errs = append(errs, fmt.Errorf("bestiary: %q has bad health range or no behaviors", c.Name))
		}
	}
	return errors.Join(errs...)
}

// TierForRoom returns the creature tier for a 1-based room number. Rooms
// past the last depth use the deepest tier.
func (t Tuning) TierForRoom(room int) int {
	if len(t.Depths) == 0 {
		return 1
	}
	for _, d := range t.Depths {
		if room >= d.FromRoom && room <= d.ToRoom {
			return d.Tier
		}
	}
	return t.Depths[len(t.Depths)-1].Tier
}
