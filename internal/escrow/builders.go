package escrow

import (
	"dieforward.gg/internal/escrow/codec"
	"dieforward.gg/internal/ledger"
	"dieforward.gg/internal/ledger/keys"
)

func BuildInitialize(programID, authority, treasury keys.Address, feeBps, bonusBps uint16) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{Address: PoolAddress(programID), Writable: true},
			{Address: treasury},
			{Address: authority, Signer: true, Writable: true},
		},
		Data: codec.Encode(codec.Initialize{FeeBps: feeBps, BonusBps: bonusBps}),
	}
}

func BuildStake(programID, player, treasury keys.Address, amount uint64, id codec.SessionID) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{Address: PoolAddress(programID), Writable: true},
			{Address: SessionAddress(programID, player, id), Writable: true},
			{Address: treasury, Writable: true},
			{Address: player, Signer: true, Writable: true},
		},
		Data: codec.Encode(codec.Stake{Amount: amount, SessionID: id}),
	}
}

func BuildRecordDeath(programID, authority, player keys.Address, id codec.SessionID, deathHash [codec.HashSize]byte) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{Address: PoolAddress(programID), Writable: true},
			{Address: SessionAddress(programID, player, id), Writable: true},
			{Address: authority, Signer: true},
		},
		Data: codec.Encode(codec.RecordDeath{DeathHash: deathHash}),
	}
}

func BuildClaimVictory(programID, authority, player keys.Address, id codec.SessionID) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{Address: PoolAddress(programID), Writable: true},
			{Address: SessionAddress(programID, player, id), Writable: true},
			{Address: player, Writable: true},
			{Address: authority, Signer: true},
		},
		Data: codec.Encode(codec.ClaimVictory{}),
	}
}

func BuildCloseSession(programID, player keys.Address, id codec.SessionID) ledger.Instruction {
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{Address: SessionAddress(programID, player, id), Writable: true},
			{Address: player, Signer: true, Writable: true},
		},
		Data: codec.Encode(codec.CloseSession{}),
	}
}
