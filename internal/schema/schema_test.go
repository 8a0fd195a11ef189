package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestClassifyRecord(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want EventKind
	}{
		{"last price marks a tick", Record{"last_price": 100.0}, KindTick},
		{"best bid marks a tick", Record{"bid_price_1": 99.5}, KindTick},
		{"ohlc marks a bar", Record{"open": 1.0, "close": 2.0}, KindBar},
		{"empty record defaults to bar", Record{}, KindBar},
		{"nil record defaults to bar", nil, KindBar},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRecord(tc.rec); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRecordTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	if ts, ok := (Record{"timestamp": want}).Timestamp(); !ok || !ts.Equal(want) {
		t.Fatalf("time.Time value: ok=%v ts=%v", ok, ts)
	}
	if ts, ok := (Record{"timestamp": "2024-01-01T09:30:00Z"}).Timestamp(); !ok || !ts.Equal(want) {
		t.Fatalf("RFC3339 value: ok=%v ts=%v", ok, ts)
	}
	if _, ok := (Record{"timestamp": 12345}).Timestamp(); ok {
		t.Fatal("integer timestamp must not parse")
	}
	if _, ok := (Record{}).Timestamp(); ok {
		t.Fatal("missing timestamp must not parse")
	}
}

func TestEventValidate(t *testing.T) {
	evt := Event{Sequence: 1, Kind: KindTick, Timestamp: time.Now(), Source: "test"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	if err := (Event{Kind: "weird", Source: "test"}).Validate(); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if err := (Event{Kind: KindTick}).Validate(); err == nil {
		t.Fatal("empty source accepted")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := NewMessage(MessageManualOrder, map[string]any{
		"symbol": "BTC/USDT",
		"price":  50000.0,
	})

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != MessageManualOrder || decoded.ID != msg.ID {
		t.Fatalf("envelope mismatch: %+v", decoded)
	}
	if symbol, ok := decoded.PayloadString("symbol"); !ok || symbol != "BTC/USDT" {
		t.Fatalf("payload symbol = %q", symbol)
	}
	if price, ok := decoded.PayloadFloat("price"); !ok || price != 50000.0 {
		t.Fatalf("payload price = %v", price)
	}
}

func TestDecodeMessageRejectsMalformedInput(t *testing.T) {
	if _, err := DecodeMessage([]byte("{broken")); err == nil {
		t.Fatal("malformed json accepted")
	}
	if _, err := DecodeMessage([]byte(`{"id":"1","payload":{}}`)); err == nil {
		t.Fatal("missing type accepted")
	}
}

func TestResponseAndErrorEchoInboundID(t *testing.T) {
	resp := NewResponse("client-7", map[string]any{"success": true})
	if resp.ID != "client-7" || resp.Type != MessageResponse {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}

	errMsg := NewError("client-7", "boom", "snapshot_corrupted")
	if errMsg.ID != "client-7" || errMsg.Type != MessageError {
		t.Fatalf("unexpected error envelope: %+v", errMsg)
	}
	if errMsg.Payload["error"] != "boom" || errMsg.Payload["error_code"] != "snapshot_corrupted" {
		t.Fatalf("unexpected error payload: %+v", errMsg.Payload)
	}
}

func TestDirectionAndOffset(t *testing.T) {
	if DirectionLong.Opposite() != DirectionShort || DirectionShort.Opposite() != DirectionLong {
		t.Fatal("opposite direction broken")
	}
	if err := Direction("sideways").Validate(); err == nil {
		t.Fatal("invalid direction accepted")
	}
	if err := Offset("hold").Validate(); err == nil {
		t.Fatal("invalid offset accepted")
	}
}

func TestOrderRequestValidate(t *testing.T) {
	order := OrderRequest{
		OrderID:   "manual_1",
		Symbol:    "BTC/USDT",
		Exchange:  DefaultExchange,
		Direction: DirectionLong,
		Offset:    OffsetOpen,
		Price:     decimal.Zero,
		Volume:    decimal.NewFromInt(1),
	}
	if err := order.Validate(); err != nil {
		t.Fatalf("market order rejected: %v", err)
	}

	order.Volume = decimal.Zero
	if err := order.Validate(); err == nil {
		t.Fatal("zero volume accepted")
	}

	order.Volume = decimal.NewFromInt(1)
	order.Price = decimal.NewFromInt(-5)
	if err := order.Validate(); err == nil {
		t.Fatal("negative price accepted")
	}
}
