package orchestrator

import (
	"context"
	"errors"

	"dieforward.gg/internal/game"
	"dieforward.gg/internal/persistence/indexdb"
	"dieforward.gg/internal/protocol"
)

func (s *Service) view(ctx context.Context, sess *session) protocol.SessionState {
	r := sess.run
	st := protocol.SessionState{
		SessionID:      sess.row.SessionID,
		Phase:          string(r.Phase),
		Zone:           r.Zone,
		Room:           r.Room,
		TotalRooms:     r.TotalRooms,
		RoomKind:       string(r.CurrentKind()),
		Health:         r.Health,
		MaxHealth:      r.MaxHealth,
		Stamina:        r.Stamina,
		MaxStamina:     r.MaxStamina,
		Inventory:      append([]string{}, r.Inventory...),
		Options:        []string{},
		StakeLamports:  sess.row.StakeLamports,
		Escrowed:       sess.row.Escrowed,
		StakeConfirmed: sess.row.StakeConfirmed,
	}
	for _, a := range r.Options() {
		st.Options = append(st.Options, string(a))
	}
	if r.Enemy != nil && r.Phase == game.PhaseCombat {
		st.Enemy = &protocol.EnemyView{
			Name:      r.Enemy.Name,
			Tier:      r.Enemy.Tier,
			Health:    r.Enemy.Health,
			MaxHealth: r.Enemy.MaxHealth,
			Intent:    string(r.Enemy.Intent),
			Charging:  r.Enemy.WasCharging,
		}
	}
	if sess.row.Escrowed && (r.Phase == game.PhaseDead || r.Phase == game.PhaseWon) {
		row, err := s.store.SettlementForSession(ctx, sess.row.SessionID)
		switch {
		case err == nil:
			v := SettlementView(row)
			st.Settlement = &v
		case !errors.Is(err, indexdb.ErrNotFound):
			s.cfg.Log.Warnf("settlement for %s: %v", sess.row.SessionID, err)
		}
	}
	return st
}

// SettlementView is the wire form of a settlement row.
func SettlementView(r indexdb.SettlementRow) protocol.SettlementView {
	return protocol.SettlementView{
		ID:                  r.ID,
		SessionID:           r.SessionID,
		Kind:                r.Kind,
		Status:              r.Status,
		Attempts:            r.Attempts,
		NeedsReconciliation: r.NeedsReconciliation,
		StakeOwed:           r.StakeOwed,
		BonusOwed:           r.BonusOwed,
		TxID:                r.TxID,
		LastError:           r.LastError,
		UpdatedAt:           r.UpdatedAt,
	}
}

// ResultOf converts a game outcome to its wire form.
func ResultOf(o game.Outcome) *protocol.Result {
	if o.Kind == "" {
		return nil
	}
	return &protocol.Result{
		Kind:        string(o.Kind),
		DamageTaken: o.DamageTaken,
		DamageDealt: o.DamageDealt,
		Healed:      o.Healed,
		FoundItem:   o.FoundItem,
	}
}
