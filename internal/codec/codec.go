// Package codec converts packet payloads to and from the short text
// chunks that ride inside QR codes. Each chunk is self-checking, so a
// misread or tampered scan is caught before reassembly is attempted.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/checksum"
)

// Tag marks the current wire format. The trailing digit is the
// protocol version.
const Tag = "XIR1"

// gzPrefix marks the legacy compressed single-scan form.
const gzPrefix = "GZ:"

// Policy defaults. These are scan ergonomics, not protocol: a chunk
// around 600 bytes keeps the rendered QR at a comfortable error
// correction level.
const (
	DefaultChunkBytes = 600
	DefaultMaxChunks  = 12
)

var kindToken = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Limits carries the per-node chunking policy.
type Limits struct {
	// ChunkBytes is the decoded payload budget per chunk.
	ChunkBytes int
	// MaxChunks caps how many chunks one packet may span.
	MaxChunks int
}

func (l Limits) withDefaults() Limits {
	if l.ChunkBytes <= 0 {
		l.ChunkBytes = DefaultChunkBytes
	}
	if l.MaxChunks <= 0 {
		l.MaxChunks = DefaultMaxChunks
	}
	return l
}

// Chunk is one parsed wire line.
type Chunk struct {
	Type     string
	Seq      int
	Total    int
	Payload  []byte
	Checksum string
}

// Encode splits raw payload bytes into wire lines of the form
// XIR1|{type}|{seq}/{total}|{base64_payload}|{crc32_hex}. The CRC
// covers the decoded payload slice of that chunk only.
func Encode(raw []byte, kind string, lim Limits) ([]string, error) {
	if !kindToken.MatchString(kind) {
		return nil, fmt.Errorf("codec: invalid packet type %q", kind)
	}
	lim = lim.withDefaults()
	total := (len(raw) + lim.ChunkBytes - 1) / lim.ChunkBytes
	if total == 0 {
		total = 1
	}
	if total > lim.MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks, limit %d",
			apperr.ErrPayloadTooLarge, len(raw), total, lim.MaxChunks)
	}
	lines := make([]string, 0, total)
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * lim.ChunkBytes
		end := start + lim.ChunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		part := raw[start:end]
		lines = append(lines, fmt.Sprintf("%s|%s|%d/%d|%s|%s",
			Tag, kind, seq, total,
			base64.StdEncoding.EncodeToString(part),
			checksum.CRC(part)))
	}
	return lines, nil
}

// ParseChunk parses and integrity-checks one wire line. Every failure
// is apperr.ErrQRParse; a scanner retries by rescanning, not by
// guessing.
func ParseChunk(line string) (Chunk, error) {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) != 5 {
		return Chunk{}, fmt.Errorf("%w: %d fields, want 5", apperr.ErrQRParse, len(parts))
	}
	if parts[0] != Tag {
		return Chunk{}, fmt.Errorf("%w: bad tag %q", apperr.ErrQRParse, parts[0])
	}
	if !kindToken.MatchString(parts[1]) {
		return Chunk{}, fmt.Errorf("%w: bad packet type %q", apperr.ErrQRParse, parts[1])
	}
	seq, total, err := parseSeq(parts[2])
	if err != nil {
		return Chunk{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: payload base64: %v", apperr.ErrQRParse, err)
	}
	if got := checksum.CRC(payload); got != parts[4] {
		return Chunk{}, fmt.Errorf("%w: checksum %s, want %s", apperr.ErrQRParse, got, parts[4])
	}
	return Chunk{Type: parts[1], Seq: seq, Total: total, Payload: payload, Checksum: parts[4]}, nil
}

func parseSeq(s string) (seq, total int, err error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad sequence %q", apperr.ErrQRParse, s)
	}
	seq, err = strconv.Atoi(num)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad sequence %q", apperr.ErrQRParse, s)
	}
	total, err = strconv.Atoi(den)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad sequence %q", apperr.ErrQRParse, s)
	}
	if seq < 1 || total < 1 || seq > total {
		return 0, 0, fmt.Errorf("%w: sequence %d/%d out of range", apperr.ErrQRParse, seq, total)
	}
	return seq, total, nil
}

// IsChunk reports whether a scan line is in the tagged chunk format.
func IsChunk(scan string) bool {
	return strings.HasPrefix(strings.TrimSpace(scan), Tag+"|")
}

// Decode turns one complete scan into (kind, payload). Three forms
// are accepted: a 1/1 tagged chunk, a GZ:-prefixed base64 gzip blob,
// and bare JSON; the legacy forms carry their packet type in a "type"
// field inside the JSON. Multi-chunk transfers go through ParseChunk
// and a Reassembler instead.
func Decode(scan string) (string, []byte, error) {
	scan = strings.TrimSpace(scan)
	switch {
	case IsChunk(scan):
		c, err := ParseChunk(scan)
		if err != nil {
			return "", nil, err
		}
		if c.Total != 1 {
			return "", nil, fmt.Errorf("%w: chunk %d/%d is part of a multi-chunk transfer", apperr.ErrQRParse, c.Seq, c.Total)
		}
		if !json.Valid(c.Payload) {
			return "", nil, fmt.Errorf("%w: payload is not valid JSON", apperr.ErrQRParse)
		}
		return c.Type, c.Payload, nil
	case strings.HasPrefix(scan, gzPrefix):
		raw, err := base64.StdEncoding.DecodeString(scan[len(gzPrefix):])
		if err != nil {
			return "", nil, fmt.Errorf("%w: gz base64: %v", apperr.ErrQRParse, err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", nil, fmt.Errorf("%w: gz header: %v", apperr.ErrQRParse, err)
		}
		payload, err := io.ReadAll(zr)
		if err != nil {
			return "", nil, fmt.Errorf("%w: gz body: %v", apperr.ErrQRParse, err)
		}
		if err := zr.Close(); err != nil {
			return "", nil, fmt.Errorf("%w: gz close: %v", apperr.ErrQRParse, err)
		}
		return embeddedType(payload)
	default:
		return embeddedType([]byte(scan))
	}
}

// embeddedType extracts the packet type legacy producers put inside
// the JSON body.
func embeddedType(payload []byte) (string, []byte, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", nil, fmt.Errorf("%w: not a packet: %v", apperr.ErrQRParse, err)
	}
	if probe.Type == "" {
		return "", nil, fmt.Errorf("%w: legacy scan without a type field", apperr.ErrQRParse)
	}
	return probe.Type, payload, nil
}
