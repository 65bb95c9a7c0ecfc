package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"dieforward.gg/internal/ledger/keys"
)

const systemTransferTag uint32 = 2

var ErrBadSystemInstruction = errors.New("bad system instruction")

type systemProgram struct{}

func (systemProgram) Execute(ic *InvokeContext, data []byte) error {
	if len(data) != 12 || binary.LittleEndian.Uint32(data) != systemTransferTag {
		return fmt.Errorf("%w: %d bytes", ErrBadSystemInstruction, len(data))
	}
	from, err := ic.Meta(0)
	if err != nil {
		return err
	}
	to, err := ic.Meta(1)
	if err != nil {
		return err
	}
	return ic.Transfer(from.Address, to.Address, binary.LittleEndian.Uint64(data[4:]))
}

// Transfer builds a wallet-to-wallet lamport transfer.
func Transfer(from, to keys.Address, lamports uint64) Instruction {
	data := binary.LittleEndian.AppendUint32(nil, systemTransferTag)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{Address: from, Signer: true, Writable: true},
			{Address: to, Writable: true},
		},
		Data: data,
	}
}
