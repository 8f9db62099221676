package state

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"
)

type receiptEDU struct {
	Type    string `json:"type"`
	Content map[string]struct {
		Read        map[string]receiptInfo `json:"m.read,omitempty"`
		ReadPrivate map[string]receiptInfo `json:"m.read.private,omitempty"`
	} `json:"content"`
}

type receiptInfo struct {
	TS       int64  `json:"ts"`
	ThreadID string `json:"thread_id,omitempty"`
}

// receiptKey identifies a receipt slot: one per user per thread, with ""
// meaning the unthreaded slot.
type receiptKey struct {
	UserID   string
	ThreadID string
}

// Receipt is one read marker. Type is "m.read" or "m.read.private".
type Receipt struct {
	EventID  string
	Type     string
	TS       int64
	ThreadID string
}

// ReceiptAccumulator compresses a stream of m.receipt EDUs for one room down
// to the current marker per (user, thread) slot. Receipts are last-APPLIED
// wins: a later EDU replaces the slot even if it carries an older timestamp,
// mirroring how the server reports them.
//
// A synthetic receipt (locally inferred, e.g "you read what you just sent")
// occupies a parallel slot and is surfaced only while it is strictly newer
// than the real one, so a genuine receipt always reasserts itself.
type ReceiptAccumulator struct {
	mu        sync.Mutex
	real      map[receiptKey]Receipt
	synthetic map[receiptKey]Receipt
}

func NewReceiptAccumulator() *ReceiptAccumulator {
	return &ReceiptAccumulator{
		real:      make(map[receiptKey]Receipt),
		synthetic: make(map[receiptKey]Receipt),
	}
}

// ConsumeEphemeralEvents folds any m.receipt events in the batch into the
// slots. Other ephemeral events (typing in particular) are ignored: they are
// transient by definition and must never be persisted.
func (r *ReceiptAccumulator) ConsumeEphemeralEvents(events []json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if gjson.GetBytes(ev, "type").Str != "m.receipt" {
			continue
		}
		var edu receiptEDU
		if err := json.Unmarshal(ev, &edu); err != nil {
			continue
		}
		for eventID, receipts := range edu.Content {
			for userID, info := range receipts.Read {
				r.applyLocked(userID, eventID, "m.read", info)
			}
			for userID, info := range receipts.ReadPrivate {
				r.applyLocked(userID, eventID, "m.read.private", info)
			}
		}
	}
}

func (r *ReceiptAccumulator) applyLocked(userID, eventID, receiptType string, info receiptInfo) {
	key := receiptKey{UserID: userID, ThreadID: info.ThreadID}
	r.real[key] = Receipt{
		EventID:  eventID,
		Type:     receiptType,
		TS:       info.TS,
		ThreadID: info.ThreadID,
	}
	// the real receipt caught up; the synthetic guess has served its purpose
	if syn, ok := r.synthetic[key]; ok && syn.TS <= info.TS {
		delete(r.synthetic, key)
	}
}

// SetSynthetic records a locally inferred unthreaded read receipt for userID.
func (r *ReceiptAccumulator) SetSynthetic(userID, eventID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := receiptKey{UserID: userID}
	if real, ok := r.real[key]; ok && real.TS >= ts {
		return
	}
	r.synthetic[key] = Receipt{
		EventID: eventID,
		Type:    "m.read",
		TS:      ts,
	}
}

// Receipt returns the effective receipt for the slot: the synthetic one if
// strictly newer than the real one, else the real one.
func (r *ReceiptAccumulator) Receipt(userID, threadID string) (Receipt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked(receiptKey{UserID: userID, ThreadID: threadID})
}

func (r *ReceiptAccumulator) effectiveLocked(key receiptKey) (Receipt, bool) {
	real, hasReal := r.real[key]
	syn, hasSyn := r.synthetic[key]
	if hasSyn && (!hasReal || syn.TS > real.TS) {
		return syn, true
	}
	return real, hasReal
}

// BuildAccumulatedReceiptEvent packs every effective slot into a single
// m.receipt ephemeral event, or nil if no receipts are held. This is what a
// snapshot carries instead of the original EDU stream.
func (r *ReceiptAccumulator) BuildAccumulatedReceiptEvent() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make(map[receiptKey]bool, len(r.real)+len(r.synthetic))
	for key := range r.real {
		keys[key] = true
	}
	for key := range r.synthetic {
		keys[key] = true
	}
	if len(keys) == 0 {
		return nil
	}
	// event_id -> receipt type -> user_id -> info. The wire format keys by
	// user, not by slot: a user holding a threaded and an unthreaded receipt
	// of the same type on the same event collapses to whichever slot packs
	// last, matching what a server emits for that shape.
	content := make(map[string]map[string]map[string]receiptInfo)
	for key := range keys {
		receipt, ok := r.effectiveLocked(key)
		if !ok {
			continue
		}
		byType := content[receipt.EventID]
		if byType == nil {
			byType = make(map[string]map[string]receiptInfo)
			content[receipt.EventID] = byType
		}
		byUser := byType[receipt.Type]
		if byUser == nil {
			byUser = make(map[string]receiptInfo)
			byType[receipt.Type] = byUser
		}
		byUser[key.UserID] = receiptInfo{TS: receipt.TS, ThreadID: key.ThreadID}
	}
	b, err := json.Marshal(struct {
		Type    string                                       `json:"type"`
		Content map[string]map[string]map[string]receiptInfo `json:"content"`
	}{
		Type:    "m.receipt",
		Content: content,
	})
	if err != nil {
		return nil
	}
	return b
}
