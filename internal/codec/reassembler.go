package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/reliefops/xir/internal/apperr"
)

// Reassembler buffers chunks until a transfer is complete. Transfers
// are keyed by a caller-chosen session id, so several scan flows can
// be in flight at once and aborting one leaves the others untouched.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	kind  string
	total int
	parts map[int][]byte
}

// NewReassembler returns an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{sessions: make(map[string]*session)}
}

// Add buffers one chunk for a session. When the chunk completes the
// transfer, Add returns the packet kind, the reassembled payload, and
// true, and drops the session. A chunk that disagrees with the
// buffered session on total or type is rejected without corrupting
// the session; so is a re-scan of a sequence number with different
// bytes.
func (r *Reassembler) Add(sessionID string, c Chunk) (string, []byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{kind: c.Type, total: c.Total, parts: make(map[int][]byte)}
		r.sessions[sessionID] = s
	}
	if c.Total != s.total {
		return "", nil, false, fmt.Errorf("%w: chunk total %d, session expects %d", apperr.ErrQRParse, c.Total, s.total)
	}
	if c.Type != s.kind {
		return "", nil, false, fmt.Errorf("%w: chunk type %s, session expects %s", apperr.ErrQRParse, c.Type, s.kind)
	}
	if prev, seen := s.parts[c.Seq]; seen {
		if !bytes.Equal(prev, c.Payload) {
			return "", nil, false, fmt.Errorf("%w: conflicting re-scan of chunk %d/%d", apperr.ErrQRParse, c.Seq, c.Total)
		}
		// Same chunk scanned twice: harmless.
	} else {
		s.parts[c.Seq] = c.Payload
	}

	if len(s.parts) < s.total {
		return "", nil, false, nil
	}

	payload := make([]byte, 0)
	for seq := 1; seq <= s.total; seq++ {
		payload = append(payload, s.parts[seq]...)
	}
	delete(r.sessions, sessionID)
	if !json.Valid(payload) {
		return "", nil, false, fmt.Errorf("%w: reassembled payload is not valid JSON", apperr.ErrQRParse)
	}
	return s.kind, payload, true, nil
}

// Missing lists the sequence numbers still absent for a session, in
// order. A session that does not exist has nothing missing.
func (r *Reassembler) Missing(sessionID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	var missing []int
	for seq := 1; seq <= s.total; seq++ {
		if _, seen := s.parts[seq]; !seen {
			missing = append(missing, seq)
		}
	}
	sort.Ints(missing)
	return missing
}

// Abort discards a partial session. Other sessions are unaffected.
func (r *Reassembler) Abort(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
