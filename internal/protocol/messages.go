package protocol

// POST /v1/session/start
type StartRequest struct {
	Wallet        string `json:"wallet"`
	PlayerName    string `json:"player_name,omitempty"`
	StakeLamports uint64 `json:"stake_lamports"`
}

type StartResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	// Set for staked sessions: where the stake must land and the unsigned
	// instruction that puts it there.
	EscrowSession    string       `json:"escrow_session,omitempty"`
	StakeInstruction *Instruction `json:"stake_instruction,omitempty"`
	State            SessionState `json:"state"`
}

// POST /v1/session/action; also the body of a websocket ACT.
type ActionRequest struct {
	Token  string `json:"token"`
	Room   int    `json:"room"`
	Action string `json:"action"`
}

type ActionResponse struct {
	State  SessionState `json:"state"`
	Result *Result      `json:"result,omitempty"`
}

type Result struct {
	Kind        string `json:"kind"`
	DamageTaken int    `json:"damage_taken,omitempty"`
	DamageDealt int    `json:"damage_dealt,omitempty"`
	Healed      int    `json:"healed,omitempty"`
	FoundItem   string `json:"found_item,omitempty"`
}

// POST /v1/session/death
type DeathRequest struct {
	Token        string `json:"token"`
	FinalMessage string `json:"final_message"`
}

type DeathResponse struct {
	DeathHash    string       `json:"death_hash"`
	CorpseID     string       `json:"corpse_id"`
	PayoutStatus string       `json:"payout_status"`
	State        SessionState `json:"state"`
}

// POST /v1/session/victory
type VictoryRequest struct {
	Token string `json:"token"`
}

type VictoryResponse struct {
	PayoutStatus string       `json:"payout_status"`
	StakeOwed    uint64       `json:"stake_owed"`
	BonusOwed    uint64       `json:"bonus_owed"`
	State        SessionState `json:"state"`
}

type SessionState struct {
	SessionID      string          `json:"session_id"`
	Phase          string          `json:"phase"`
	Zone           string          `json:"zone"`
	Room           int             `json:"room"`
	TotalRooms     int             `json:"total_rooms"`
	RoomKind       string          `json:"room_kind"`
	Health         int             `json:"health"`
	MaxHealth      int             `json:"max_health"`
	Stamina        int             `json:"stamina"`
	MaxStamina     int             `json:"max_stamina"`
	Inventory      []string        `json:"inventory"`
	Options        []string        `json:"options"`
	Enemy          *EnemyView      `json:"enemy,omitempty"`
	StakeLamports  uint64          `json:"stake_lamports"`
	Escrowed       bool            `json:"escrowed"`
	StakeConfirmed bool            `json:"stake_confirmed"`
	Settlement     *SettlementView `json:"settlement,omitempty"`
}

type EnemyView struct {
	Name      string `json:"name"`
	Tier      int    `json:"tier"`
	Health    int    `json:"health"`
	MaxHealth int    `json:"max_health"`
	Intent    string `json:"intent"`
	Charging  bool   `json:"charging,omitempty"`
}

type SettlementView struct {
	ID                  int64  `json:"id"`
	SessionID           string `json:"session_id,omitempty"`
	Kind                string `json:"kind"`
	Status              string `json:"status"`
	Attempts            int    `json:"attempts"`
	NeedsReconciliation bool   `json:"needs_reconciliation,omitempty"`
	StakeOwed           uint64 `json:"stake_owed"`
	BonusOwed           uint64 `json:"bonus_owed"`
	TxID                string `json:"tx_id,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	UpdatedAt           int64  `json:"updated_at"`
}

type Corpse struct {
	ID           string `json:"id"`
	Zone         string `json:"zone"`
	Room         int    `json:"room"`
	PlayerName   string `json:"player_name"`
	Wallet       string `json:"wallet"`
	FinalMessage string `json:"final_message"`
	CreatedAt    int64  `json:"created_at"`
}

type CorpsesResponse struct {
	Corpses []Corpse `json:"corpses"`
}

type SettlementsResponse struct {
	Settlements []SettlementView `json:"settlements"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Expected *int    `json:"expected,omitempty"`
	Received *int    `json:"received,omitempty"`
	Current  *int    `json:"current,omitempty"`
	Required *int    `json:"required,omitempty"`
	Index    *int    `json:"instruction_index,omitempty"`
	Program  *uint32 `json:"program_code,omitempty"`
}

// Ledger relay. Addresses are base58 and data is base64.
type Instruction struct {
	ProgramID string        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

type AccountMeta struct {
	Address  string `json:"address"`
	Signer   bool   `json:"signer,omitempty"`
	Writable bool   `json:"writable,omitempty"`
}

type SubmitTxResponse struct {
	TxID string `json:"tx_id"`
	Slot uint64 `json:"slot"`
}

type AccountResponse struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
	Owner    string `json:"owner"`
	Data     []byte `json:"data,omitempty"`
}

type PoolResponse struct {
	Address        string `json:"address"`
	ProgramID      string `json:"program_id"`
	Authority      string `json:"authority"`
	Treasury       string `json:"treasury"`
	FeeBps         uint16 `json:"fee_bps"`
	BonusBps       uint16 `json:"bonus_bps"`
	Lamports       uint64 `json:"lamports"`
	Settleable     uint64 `json:"settleable"`
	TotalStaked    uint64 `json:"total_staked"`
	TotalPaidOut   uint64 `json:"total_paid_out"`
	TotalFees      uint64 `json:"total_fees"`
	TotalDeaths    uint64 `json:"total_deaths"`
	TotalVictories uint64 `json:"total_victories"`
}

type AirdropRequest struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

// Websocket messages.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Token           string `json:"token"`
}

type ActMsg struct {
	Type   string `json:"type"`
	Room   int    `json:"room"`
	Action string `json:"action"`
}

type StateMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	State           SessionState `json:"state"`
	Result          *Result      `json:"result,omitempty"`
}

type ErrorMsg struct {
	Type  string        `json:"type"`
	Error ErrorResponse `json:"error"`
}
