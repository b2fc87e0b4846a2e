package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"sort"
	"time"

	"github.com/impactmarket/ledgerx/pkg/utils"
	"github.com/shopspring/decimal"
)

// RawEvent is a chain event as delivered by the watcher.
type RawEvent struct {
	TxHash          string    `json:"tx_hash"`
	BlockNumber     uint64    `json:"block_number"`
	LogIndex        uint32    `json:"log_index"`
	ContractAddress string    `json:"contract_address"`
	FromAddress     string    `json:"from_address"`
	EventName       string    `json:"event_name"`
	Args            Payload   `json:"args"`
	ObservedAt      time.Time `json:"observed_at"`
}

// LedgerEntry is a persisted, deduplicated raw event.
type LedgerEntry struct {
	ID              string    `json:"id"`
	TxHash          string    `json:"tx_hash"`
	BlockNumber     uint64    `json:"block_number"`
	LogIndex        uint32    `json:"log_index"`
	ObservedAt      time.Time `json:"observed_at"`
	FromAddress     string    `json:"from_address"`
	ContractAddress string    `json:"contract_address"`
	EventName       string    `json:"event_name"`
	Payload         Payload   `json:"payload"`
	Folded          bool      `json:"folded"`
	InsertedAt      time.Time `json:"inserted_at"`
}

// NewEntry normalizes a raw event and derives its fingerprint.
func NewEntry(ev RawEvent) LedgerEntry {
	e := LedgerEntry{
		TxHash:          utils.NormalizeAddress(ev.TxHash),
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		ObservedAt:      ev.ObservedAt.UTC(),
		FromAddress:     utils.NormalizeAddress(ev.FromAddress),
		ContractAddress: utils.NormalizeAddress(ev.ContractAddress),
		EventName:       ev.EventName,
		Payload:         ev.Args,
	}
	e.ID = Fingerprint(e.TxHash, e.ContractAddress, e.EventName, e.Payload)
	return e
}

// Fingerprint hashes {tx hash, contract, event name, ordered args}. Every component
// is length prefixed so distinct tuples never collide by concatenation.
// Block number and observation time are excluded: a re-scan after a reorg may see
// the same event in a different block and it must still map to the same id.
func Fingerprint(txHash, contract, eventName string, args Payload) string {
	h := sha256.New()
	writePart(h, []byte(utils.NormalizeAddress(txHash)))
	writePart(h, []byte(utils.NormalizeAddress(contract)))
	writePart(h, []byte(eventName))
	for _, f := range args {
		writePart(h, []byte(f.Name))
		writePart(h, canonicalValue(f.Value))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writePart(h hash.Hash, b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	h.Write(size[:])
	h.Write(b)
}

// canonicalValue renders scalars in the same form whether they arrived as a Go
// value or as a decoded json.Number. Numbers go through decimal, so 5, 5.0 and
// 5e0 share one form.
func canonicalValue(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte("s:" + t)
	case nil:
		return []byte("n:")
	}
	if s, ok := (Payload{{Name: "v", Value: v}}).String("v"); ok {
		switch v.(type) {
		case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
			if d, err := decimal.NewFromString(s); err == nil {
				s = d.String()
			}
			return []byte("d:" + s)
		case bool:
			return []byte("b:" + s)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("x:" + err.Error())
	}
	return append([]byte("j:"), b...)
}

func sortStrings(s []string) { sort.Strings(s) }
