package ledger

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/decred/dcrd/chaincfg/chainhash"

	"dieforward.gg/internal/ledger/keys"
)

type AccountMeta struct {
	Address  keys.Address `json:"address"`
	Signer   bool         `json:"signer,omitempty"`
	Writable bool         `json:"writable,omitempty"`
}

type Instruction struct {
	ProgramID keys.Address  `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

type Signature struct {
	Signer keys.Address `json:"signer"`
	Sig    []byte       `json:"sig"`
}

// Transaction is an ordered list of instructions applied all-or-nothing.
type Transaction struct {
	Nonce        uint64        `json:"nonce"`
	Instructions []Instruction `json:"instructions"`
	Signatures   []Signature   `json:"signatures,omitempty"`
}

func NewTransaction(ixs ...Instruction) *Transaction {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &Transaction{Nonce: binary.LittleEndian.Uint64(b[:]), Instructions: ixs}
}

// Message is the canonical byte form that signatures commit to.
func (tx *Transaction) Message() []byte {
	out := make([]byte, 0, 256)
	out = binary.LittleEndian.AppendUint64(out, tx.Nonce)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(tx.Instructions)))
	for _, ix := range tx.Instructions {
		out = append(out, ix.ProgramID[:]...)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(ix.Accounts)))
		for _, m := range ix.Accounts {
			out = append(out, m.Address[:]...)
			var flags byte
			if m.Signer {
				flags |= 1
			}
			if m.Writable {
				flags |= 2
			}
			out = append(out, flags)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(ix.Data)))
		out = append(out, ix.Data...)
	}
	return out
}

func (tx *Transaction) ID() chainhash.Hash { return chainhash.HashH(tx.Message()) }

// RequiredSigners lists every distinct address marked as a signer, in first
// appearance order.
func (tx *Transaction) RequiredSigners() []keys.Address {
	seen := map[keys.Address]bool{}
	var out []keys.Address
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			if m.Signer && !seen[m.Address] {
				seen[m.Address] = true
				out = append(out, m.Address)
			}
		}
	}
	return out
}

// Sign adds signatures from each key. Keys that are not required signers
// are rejected so a typo cannot silently produce an unsigned transaction.
func (tx *Transaction) Sign(ks ...*keys.PrivateKey) error {
	id := tx.ID()
	required := map[keys.Address]bool{}
	for _, a := range tx.RequiredSigners() {
		required[a] = true
	}
	for _, k := range ks {
		if !required[k.Address()] {
			return errors.New("key is not a required signer: " + k.Address().String())
		}
		sig, err := k.Sign(id)
		if err != nil {
			return err
		}
		tx.Signatures = append(tx.Signatures, Signature{Signer: k.Address(), Sig: sig})
	}
	return nil
}

func (tx *Transaction) verifySignatures() error {
	id := tx.ID()
	have := map[keys.Address][]byte{}
	for _, s := range tx.Signatures {
		have[s.Signer] = s.Sig
	}
	for _, a := range tx.RequiredSigners() {
		sig, ok := have[a]
		if !ok {
			return &SignatureError{Signer: a, Missing: true}
		}
		if !keys.Verify(a, id, sig) {
			return &SignatureError{Signer: a}
		}
	}
	return nil
}
