package game

import (
	"math/rand"

	"dieforward.gg/internal/tuning"
)

type RoomKind string

const (
	RoomExplore RoomKind = "explore"
	RoomCombat  RoomKind = "combat"
	RoomCorpse  RoomKind = "corpse"
	RoomCache   RoomKind = "cache"
	RoomExit    RoomKind = "exit"
)

type Room struct {
	Kind  RoomKind `json:"kind"`
	Enemy *Spawn   `json:"enemy,omitempty"`
}

// Spawn is the creature a combat room holds, rolled when the dungeon is
// generated.
type Spawn struct {
	Name      string   `json:"name"`
	Tier      int      `json:"tier"`
	Health    int      `json:"health"`
	Behaviors []string `json:"behaviors"`
}

// GenerateDungeon lays out the rooms: an explore room first, the exit last,
// combat on odd rooms in between and a mix of corpse, cache and explore
// rooms elsewhere.
func GenerateDungeon(cfg tuning.Tuning, rng *rand.Rand) []Room {
	d := cfg.Dungeon
	total := d.MinRooms
	if d.MaxRooms > d.MinRooms {
		total += rng.Intn(d.MaxRooms - d.MinRooms + 1)
	}
	rooms := make([]Room, total)
	for i := range rooms {
		n := i + 1
		switch {
		case n == 1:
			rooms[i] = Room{Kind: RoomExplore}
		case n == total:
			rooms[i] = Room{Kind: RoomExit}
		case n%2 == 1:
			rooms[i] = Room{Kind: RoomCombat, Enemy: spawnFor(cfg, n, rng)}
		default:
			r := rng.Float64()
			switch {
			case r < 0.4:
				rooms[i] = Room{Kind: RoomCorpse}
			case r < 0.6:
				rooms[i] = Room{Kind: RoomCache}
			default:
				rooms[i] = Room{Kind: RoomExplore}
			}
		}
	}
	return rooms
}

func spawnFor(cfg tuning.Tuning, room int, rng *rand.Rand) *Spawn {
	tier := cfg.TierForRoom(room)
	var pool []tuning.Creature
	for _, c := range cfg.Bestiary {
		if c.Tier == tier {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = cfg.Bestiary
	}
	c := pool[rng.Intn(len(pool))]
	hp := c.HealthMin
	if c.HealthMax > c.HealthMin {
		hp += rng.Intn(c.HealthMax - c.HealthMin)
	}
	return &Spawn{Name: c.Name, Tier: c.Tier, Health: hp, Behaviors: append([]string(nil), c.Behaviors...)}
}
