package mcpserver

// WireFormatReference describes the chunked QR text wire format that
// every XIR packet travels in between nodes.
const WireFormatReference = `# XIR QR Wire Format

Every packet moves between nodes as one or more short text chunks, each
rendered as a QR code. A chunk is a single pipe-delimited line:

` + "```" + `
XIR1|{type}|{seq}/{total}|{base64_payload}|{crc32_hex}
` + "```" + `

## Fields

1. **Protocol tag** — fixed ` + "`" + `XIR1` + "`" + `. Anything else falls through to the
   legacy decoders (see below).
2. **type** — the packet kind: MANIFEST, REPORT, RX_ORDER,
   DISPENSE_RECORD, PRESCRIBER_CERT, CONSUMPTION_TICKET,
   CONSUMPTION_RECORD or CERT_UPDATE. All chunks of one transfer carry
   the same kind.
3. **seq/total** — 1-based chunk sequence and the transfer's chunk
   count. A reassembler accepts chunks in any order but rejects a chunk
   whose total disagrees with the chunks already buffered for that
   session.
4. **base64_payload** — standard base64 of this chunk's slice of the
   packet JSON. The decoded slice stays within the configured chunk
   byte budget (default 600 bytes) so the QR renders at a scan-friendly
   error-correction level.
5. **crc32_hex** — lowercase hex CRC32 (IEEE) of the decoded payload
   bytes of this chunk. A misread or tampered chunk fails here, before
   reassembly is attempted.

## Packet envelope

The reassembled JSON object carries a unique id (packet_id, rx_id or
ticket_id), a random nonce, an advisory ts, and exactly one
authenticity field: ` + "`" + `signature` + "`" + ` (Ed25519) or ` + "`" + `hmac` + "`" + ` (HMAC-SHA256),
never both. The authenticity tag covers the canonical key-sorted JSON
of every other field.

Tickets carried by a blind courier are sealed: the payload is a small
envelope ` + "`" + `{"sealed": "...", "to": "hub-1"}` + "`" + ` whose blob only the
recipient can open. The courier can verify nothing and read nothing.

## Legacy forms

Decoders also accept a bare JSON object scan and a ` + "`" + `GZ:` + "`" + `-prefixed
base64(gzip(JSON)) scan. Both funnel into the same structural
validator. New encoders emit the tagged form only.
`
