package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/reliefops/xir/internal/apperr"
)

// payloadOfSize builds a valid JSON document of exactly n bytes.
func payloadOfSize(t *testing.T, n int) []byte {
	t.Helper()
	const frame = `{"pad":""}`
	if n < len(frame) {
		t.Fatalf("payload size %d too small", n)
	}
	raw := []byte(`{"pad":"` + strings.Repeat("x", n-len(frame)) + `"}`)
	if len(raw) != n {
		t.Fatalf("built %d bytes, want %d", len(raw), n)
	}
	return raw
}

func TestEncode_RoundTripSingleChunk(t *testing.T) {
	raw := []byte(`{"manifest_id":"mf-01","qty":40}`)
	lines, err := Encode(raw, "MANIFEST", Limits{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	kind, payload, err := Decode(lines[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != "MANIFEST" {
		t.Errorf("kind = %q", kind)
	}
	if !bytes.Equal(payload, raw) {
		t.Errorf("payload = %s, want %s", payload, raw)
	}
}

func TestEncode_ThreeChunksAt800ByteBudget(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, err := Encode(raw, "MANIFEST", Limits{ChunkBytes: 800})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "XIR1|MANIFEST|") {
			t.Errorf("bad line prefix: %s", line[:24])
		}
	}
}

func TestReassemble_OrderIndependent(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, err := Encode(raw, "MANIFEST", Limits{ChunkBytes: 800})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Scan order 2, 1, 3.
	re := NewReassembler()
	for i, idx := range []int{1, 0, 2} {
		c, err := ParseChunk(lines[idx])
		if err != nil {
			t.Fatalf("parse chunk %d: %v", idx+1, err)
		}
		kind, payload, done, err := re.Add("scan-1", c)
		if err != nil {
			t.Fatalf("add chunk %d: %v", idx+1, err)
		}
		if i < 2 && done {
			t.Fatal("transfer complete before all chunks scanned")
		}
		if i == 2 {
			if !done {
				t.Fatal("transfer incomplete after all chunks")
			}
			if kind != "MANIFEST" {
				t.Errorf("kind = %q", kind)
			}
			if !bytes.Equal(payload, raw) {
				t.Error("reassembled payload differs from original")
			}
		}
	}
}

func TestReassembler_MissingView(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 800})
	re := NewReassembler()
	c, _ := ParseChunk(lines[1])
	if _, _, done, err := re.Add("s", c); err != nil || done {
		t.Fatalf("add: done=%v err=%v", done, err)
	}
	missing := re.Missing("s")
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Errorf("missing = %v, want [1 3]", missing)
	}
	if got := re.Missing("nonexistent"); got != nil {
		t.Errorf("missing for unknown session = %v, want nil", got)
	}
}

func TestParseChunk_TamperDetected(t *testing.T) {
	raw := []byte(`{"a":1}`)
	lines, _ := Encode(raw, "REPORT", Limits{})
	parts := strings.Split(lines[0], "|")
	// Flip one bit inside the payload, keep the old checksum.
	decoded, _ := base64.StdEncoding.DecodeString(parts[3])
	decoded[2] ^= 0x01
	parts[3] = base64.StdEncoding.EncodeToString(decoded)
	tampered := strings.Join(parts, "|")
	if _, err := ParseChunk(tampered); !errors.Is(err, apperr.ErrQRParse) {
		t.Errorf("tampered chunk = %v, want ErrQRParse", err)
	}
}

func TestParseChunk_Malformed(t *testing.T) {
	cases := []string{
		"",
		"XIR1|MANIFEST|1/1|AAAA",   // four fields
		"XIR9|MANIFEST|1/1|e30=|x", // wrong tag
		"XIR1|manifest|1/1|e30=|x", // lowercase type
		"XIR1|MANIFEST|0/1|e30=|x", // seq below range
		"XIR1|MANIFEST|3/2|e30=|x", // seq above total
		"XIR1|MANIFEST|a/b|e30=|x", // non-numeric
		"XIR1|MANIFEST|1/1|!!!|x",  // bad base64
	}
	for _, line := range cases {
		if _, err := ParseChunk(line); !errors.Is(err, apperr.ErrQRParse) {
			t.Errorf("ParseChunk(%q) = %v, want ErrQRParse", line, err)
		}
	}
}

func TestReassembler_TotalConflictRejected(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	linesA, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 800})  // 3 chunks
	linesB, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 1100}) // 2 chunks
	re := NewReassembler()
	a, _ := ParseChunk(linesA[0])
	if _, _, _, err := re.Add("s", a); err != nil {
		t.Fatalf("add first: %v", err)
	}
	b, _ := ParseChunk(linesB[1])
	if _, _, _, err := re.Add("s", b); !errors.Is(err, apperr.ErrQRParse) {
		t.Errorf("conflicting total = %v, want ErrQRParse", err)
	}
	// The original session survives the bad chunk.
	if got := len(re.Missing("s")); got != 2 {
		t.Errorf("missing count after reject = %d, want 2", got)
	}
}

func TestReassembler_DuplicateChunkHarmless(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 800})
	re := NewReassembler()
	c1, _ := ParseChunk(lines[0])
	if _, _, _, err := re.Add("s", c1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, _, err := re.Add("s", c1); err != nil {
		t.Errorf("identical re-scan = %v, want nil", err)
	}
}

func TestReassembler_AbortIsolatedPerSession(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 800})
	re := NewReassembler()
	for _, sid := range []string{"keep", "drop"} {
		c, _ := ParseChunk(lines[0])
		if _, _, _, err := re.Add(sid, c); err != nil {
			t.Fatalf("add %s: %v", sid, err)
		}
	}
	re.Abort("drop")
	if got := re.Missing("drop"); got != nil {
		t.Errorf("aborted session still has state: %v", got)
	}
	if got := len(re.Missing("keep")); got != 2 {
		t.Errorf("unrelated session disturbed, missing = %d, want 2", got)
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	raw := payloadOfSize(t, 5000)
	if _, err := Encode(raw, "REPORT", Limits{ChunkBytes: 100, MaxChunks: 4}); !errors.Is(err, apperr.ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecode_LegacyBareJSON(t *testing.T) {
	scan := `{"type":"REPORT","packet_id":"p-1"}`
	kind, payload, err := Decode(scan)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != "REPORT" {
		t.Errorf("kind = %q", kind)
	}
	if !strings.Contains(string(payload), "p-1") {
		t.Errorf("payload = %s", payload)
	}
}

func TestDecode_LegacyGzip(t *testing.T) {
	inner := `{"type":"MANIFEST","manifest_id":"mf-9"}`
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(inner)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	scan := "GZ:" + base64.StdEncoding.EncodeToString(buf.Bytes())
	kind, payload, err := Decode(scan)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != "MANIFEST" || !strings.Contains(string(payload), "mf-9") {
		t.Errorf("kind = %q payload = %s", kind, payload)
	}
}

func TestDecode_GarbageRejected(t *testing.T) {
	for _, scan := range []string{"", "hello world", "GZ:!!!", `{"no_type":1}`} {
		if _, _, err := Decode(scan); !errors.Is(err, apperr.ErrQRParse) {
			t.Errorf("Decode(%q) = %v, want ErrQRParse", scan, err)
		}
	}
}

func TestDecode_MultiChunkLineRefused(t *testing.T) {
	raw := payloadOfSize(t, 2100)
	lines, _ := Encode(raw, "REPORT", Limits{ChunkBytes: 800})
	if _, _, err := Decode(lines[0]); !errors.Is(err, apperr.ErrQRParse) {
		t.Errorf("err = %v, want ErrQRParse", err)
	}
}
