package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
)

var ingestNow = time.Unix(1_700_000_000, 0)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func header(extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{
		"idempotency_key": "k-1",
		"caller":          "0x00000000000000000000000000000000000000c5",
		"nonce":           4,
		"timestamp":       1_700_000_100,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func TestParsePurchase(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{
		"concept":  1,
		"coverage": "500000000000000000000",
		"duration": 86400,
		"max_pay":  "20000000000000000000",
		"deadline": 1_700_000_200,
	}))

	cmd, err := ingestion.ParseCommand(event.CommandTypePurchase, data, ingestNow)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p, ok := cmd.(*event.Purchase)
	if !ok {
		t.Fatalf("expected *event.Purchase, got %T", cmd)
	}

	if p.Caller != common.HexToAddress("0xc5") {
		t.Errorf("caller: got %s", p.Caller.Hex())
	}
	if p.Nonce != 4 || p.Timestamp != 1_700_000_100 {
		t.Errorf("header: nonce=%d ts=%d", p.Nonce, p.Timestamp)
	}
	if p.Coverage.Dec() != "500000000000000000000" {
		t.Errorf("coverage: got %s", p.Coverage.Dec())
	}
	if p.MaxPay == nil || p.MaxPay.Dec() != "20000000000000000000" {
		t.Errorf("max_pay: got %v", p.MaxPay)
	}
	if p.Duration != 86400 || p.Deadline != 1_700_000_200 {
		t.Errorf("duration=%d deadline=%d", p.Duration, p.Deadline)
	}
}

func TestParsePurchase_MaxPayRequired(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{"coverage": "1", "duration": 60}))
	if _, err := ingestion.ParseCommand(event.CommandTypePurchase, data, ingestNow); err == nil {
		t.Fatal("purchase without max_pay should not parse")
	}
}

func TestParseInitialize(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{
		"pay_asset":      "0x00000000000000000000000000000000000000aa",
		"coefficients":   []int{0, 10, 100},
		"creator_fee":    "10000000000000000",
		"arbiter_fee":    "20000000000000000",
		"rollover":       "0",
		"min_pay":        "1000",
		"concepts":       []string{"exploit", "depeg"},
		"description":    "stable pool",
		"creator":        "0x00000000000000000000000000000000000000c1",
		"arbiter":        "0x00000000000000000000000000000000000000c2",
		"accepts_native": true,
	}))

	cmd, err := ingestion.ParseCommand(event.CommandTypeInitialize, data, ingestNow)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ini := cmd.(*event.Initialize)
	if len(ini.Coefficients) != 3 || ini.Coefficients[2] != 100 {
		t.Errorf("coefficients: got %v", ini.Coefficients)
	}
	if ini.ArbiterFee.Dec() != "20000000000000000" {
		t.Errorf("arbiter_fee: got %s", ini.ArbiterFee.Dec())
	}
	if ini.Arbiter != common.HexToAddress("0xc2") || !ini.AcceptsNative {
		t.Errorf("arbiter=%s native=%v", ini.Arbiter.Hex(), ini.AcceptsNative)
	}
	if len(ini.Concepts) != 2 {
		t.Errorf("concepts: got %v", ini.Concepts)
	}
}

func TestParse_ZeroTimestampStampedAtIngest(t *testing.T) {
	h := header(nil)
	delete(h, "timestamp")
	cmd, err := ingestion.ParseCommand(event.CommandTypeClaimPremiums, mustJSON(t, h), ingestNow)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := cmd.Meta().Timestamp; got != uint32(ingestNow.Unix()) {
		t.Errorf("timestamp: got %d, want %d", got, ingestNow.Unix())
	}
}

func TestParse_IngestTimeOutsideTimestampRange(t *testing.T) {
	h := header(nil)
	delete(h, "timestamp")
	for _, now := range []time.Time{time.Unix(1<<32, 0), time.Unix(-1, 0)} {
		if _, err := ingestion.ParseCommand(event.CommandTypeClaimPremiums, mustJSON(t, h), now); err == nil {
			t.Errorf("ingest time %v: expected error", now)
		}
	}

	// An explicit timestamp does not depend on the ingest clock.
	if _, err := ingestion.ParseCommand(event.CommandTypeClaimPremiums, mustJSON(t, header(nil)), time.Unix(1<<32, 0)); err != nil {
		t.Errorf("explicit timestamp: %v", err)
	}
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		ct   event.CommandType
		data map[string]interface{}
		want string
	}{
		{"missing key", event.CommandTypeClaimPremiums, header(map[string]interface{}{"idempotency_key": ""}), "idempotency_key"},
		{"bad caller", event.CommandTypeClaimPremiums, header(map[string]interface{}{"caller": "alice"}), "caller"},
		{"negative nonce", event.CommandTypeAbdicate, header(map[string]interface{}{"nonce": -1}), "nonce"},
		{"bad amount", event.CommandTypeProvide, header(map[string]interface{}{"amount": "1.5"}), "amount"},
		{"hex amount", event.CommandTypeWithdraw, header(map[string]interface{}{"shares": "0x10"}), "shares"},
		{"bad recipient", event.CommandTypeFundsDeposited, header(map[string]interface{}{"recipient": "0x12", "amount": "5"}), "recipient"},
		{"bad operator", event.CommandTypeSetApprovalForAll, header(map[string]interface{}{"operator": ""}), "operator"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.ct, mustJSON(t, tc.data), ingestNow)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	if _, err := ingestion.ParseCommand(event.CommandTypeSweep, []byte("{"), ingestNow); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParse_ApproveEmptySpenderClears(t *testing.T) {
	data := mustJSON(t, header(map[string]interface{}{"protection_id": 3}))
	cmd, err := ingestion.ParseCommand(event.CommandTypeApprove, data, ingestNow)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	a := cmd.(*event.Approve)
	if a.ProtectionID != 3 || a.Spender != (common.Address{}) {
		t.Errorf("approve: pid=%d spender=%s", a.ProtectionID, a.Spender.Hex())
	}
}

func TestParse_EveryCommandTypeHasWireFormat(t *testing.T) {
	// A payload carrying every field any command reads.
	data := mustJSON(t, header(map[string]interface{}{
		"pay_asset": "0x00000000000000000000000000000000000000aa",
		"creator":   "0x00000000000000000000000000000000000000c1",
		"arbiter":   "0x00000000000000000000000000000000000000c2",
		"recipient": "0x00000000000000000000000000000000000000c3",
		"to":        "0x00000000000000000000000000000000000000c4",
		"operator":  "0x00000000000000000000000000000000000000c6",
		"amount":    "10",
		"shares":    "10",
		"coverage":  "10",
		"max_pay":   "10",
	}))
	for _, ct := range event.AllCommandTypes() {
		cmd, err := ingestion.ParseCommand(ct, data, ingestNow)
		if err != nil {
			t.Errorf("%s: %v", ct, err)
			continue
		}
		if cmd.CommandType() != ct {
			t.Errorf("%s parsed as %s", ct, cmd.CommandType())
		}
	}
}

func TestCommandTypeFromSubject(t *testing.T) {
	for _, ct := range event.AllCommandTypes() {
		got, err := ingestion.CommandTypeFromSubject(ingestion.CommandSubject(ct))
		if err != nil || got != ct {
			t.Errorf("%s: got %s, err %v", ct, got, err)
		}
	}

	got, err := ingestion.CommandTypeFromSubject("cover.cmd.purchase.shard-2")
	if err != nil || got != event.CommandTypePurchase {
		t.Errorf("suffixed subject: got %s, err %v", got, err)
	}
	if _, err := ingestion.CommandTypeFromSubject("other.cmd.purchase"); err == nil {
		t.Error("foreign subject should not resolve")
	}
	if _, err := ingestion.CommandTypeFromSubject("cover.cmd.liquidate"); err == nil {
		t.Error("unknown token should not resolve")
	}
}
