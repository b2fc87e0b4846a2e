package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func claimEvent() RawEvent {
	return RawEvent{
		TxHash:          "0xABC",
		BlockNumber:     10,
		ContractAddress: "0xC1",
		EventName:       "Claim",
		Args:            NewPayload("account", "0xB1", "amount", "5.0"),
		ObservedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestFingerprintIgnoresDeliveryMetadata(t *testing.T) {
	a := claimEvent()
	b := claimEvent()
	b.TxHash = "0xabc"
	b.BlockNumber = 11
	b.ObservedAt = b.ObservedAt.Add(time.Minute)

	require.Equal(t, NewEntry(a).ID, NewEntry(b).ID)
}

func TestFingerprintDependsOnArgumentOrderAndValues(t *testing.T) {
	a := claimEvent()
	reordered := claimEvent()
	reordered.Args = NewPayload("amount", "5.0", "account", "0xB1")
	changed := claimEvent()
	changed.Args = NewPayload("account", "0xB1", "amount", "5.1")

	require.NotEqual(t, NewEntry(a).ID, NewEntry(reordered).ID)
	require.NotEqual(t, NewEntry(a).ID, NewEntry(changed).ID)
}

func TestFingerprintSeparatesConcatenations(t *testing.T) {
	x := Fingerprint("0x1", "0x2", "ab", NewPayload("c", "d"))
	y := Fingerprint("0x1", "0x2", "a", NewPayload("bc", "d"))
	require.NotEqual(t, x, y)
}

func TestFingerprintNormalizesNumbers(t *testing.T) {
	want := Fingerprint("0xaa", "0xc1", "Claim", NewPayload("amount", json.Number("5.0")))
	for _, v := range []any{json.Number("5"), json.Number("5e0"), float64(5), int64(5), uint64(5)} {
		require.Equal(t, want, Fingerprint("0xaa", "0xc1", "Claim", NewPayload("amount", v)), "%T %v", v, v)
	}
	require.NotEqual(t, want, Fingerprint("0xaa", "0xc1", "Claim", NewPayload("amount", "5.0")))
	require.NotEqual(t, want, Fingerprint("0xaa", "0xc1", "Claim", NewPayload("amount", json.Number("5.1"))))
}

func TestPayloadJSONKeepsOrder(t *testing.T) {
	p := NewPayload("z", "1", "a", "2")
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `[["z","1"],["a","2"]]`, string(raw))

	var back Payload
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, "z", back[0].Name)
	require.Equal(t, "a", back[1].Name)
}

func TestPayloadAcceptsObjectsAndNumbers(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 12.50, "account": "0xB1"}`), &p))

	amount, err := p.Decimal("amount")
	require.NoError(t, err)
	require.Equal(t, "12.5", amount.String())

	account, ok := p.String("account")
	require.True(t, ok)
	require.Equal(t, "0xB1", account)
}

func TestDayBoundsFollowLocation(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*3600)
	instant := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	day := Day(instant, loc)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), day)

	start, end := DayBounds(day, loc)
	require.Equal(t, time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC), end)
}
