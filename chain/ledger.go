package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// LedgerStatus is the registry-side lifecycle of an agreement.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "PENDING"
	LedgerExecuted  LedgerStatus = "EXECUTED"
	LedgerCancelled LedgerStatus = "CANCELLED"
)

type LedgerParty struct {
	WalletAddress string     `json:"walletAddress"`
	Signed        bool       `json:"signed"`
	SignedAt      *time.Time `json:"signedAt,omitempty"`
}

// LedgerAgreement is a point-in-time copy of registry state.
type LedgerAgreement struct {
	ID           uint64        `json:"id"`
	Sender       string        `json:"sender"`
	Provider     string        `json:"provider"`
	DocumentHash []byte        `json:"documentHash"`
	Parties      []LedgerParty `json:"parties"`
	Status       LedgerStatus  `json:"status"`
	ExecuteTxID  string        `json:"executeTxId,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExecutedAt   *time.Time    `json:"executedAt,omitempty"`
}

func (a LedgerAgreement) allSigned() bool {
	for _, p := range a.Parties {
		if !p.Signed {
			return false
		}
	}
	return len(a.Parties) > 0
}

func (a LedgerAgreement) isParty(addr string) bool {
	for _, p := range a.Parties {
		if p.WalletAddress == addr {
			return true
		}
	}
	return false
}

func (a LedgerAgreement) clone() LedgerAgreement {
	out := a
	out.DocumentHash = append([]byte(nil), a.DocumentHash...)
	out.Parties = append([]LedgerParty(nil), a.Parties...)
	return out
}

// LocalLedger is an in-process closing-agreement registry. Only the admin or
// one of the parties may act on an agreement. Marking an already signed party
// and executing an already executed agreement succeed without effect, and a
// repeated idempotency token returns the first answer.
type LocalLedger struct {
	mu         sync.Mutex
	admin      string
	nextID     uint64
	seq        uint64
	agreements map[uint64]*LedgerAgreement
	seen       map[string]TxResult
	calls      map[Op]int
	now        func() time.Time
}

func NewLocalLedger(admin string) *LocalLedger {
	return &LocalLedger{
		admin:      admin,
		nextID:     1,
		agreements: make(map[uint64]*LedgerAgreement),
		seen:       make(map[string]TxResult),
		calls:      make(map[Op]int),
		now:        time.Now,
	}
}

func (l *LocalLedger) WithClock(now func() time.Time) *LocalLedger {
	l.now = now
	return l
}

func (l *LocalLedger) CreateAgreement(ctx context.Context, req CreateAgreementRequest) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpCreateAgreement]++

	if res, ok := l.replay(req.IdempotencyToken); ok {
		return res, nil
	}
	if req.Sender != l.admin {
		return l.reject("sender is not the registry admin"), nil
	}
	if len(req.DocumentHash) != 32 {
		return l.reject("document hash must be 32 bytes"), nil
	}
	if len(req.Signers) == 0 {
		return l.reject("at least one party required"), nil
	}

	parties := make([]LedgerParty, 0, len(req.Signers))
	for _, w := range req.Signers {
		if w == "" {
			return l.reject("empty party address"), nil
		}
		for _, p := range parties {
			if p.WalletAddress == w {
				return l.reject("duplicate party " + w), nil
			}
		}
		parties = append(parties, LedgerParty{WalletAddress: w})
	}
	id := l.nextID
	l.nextID++
	l.agreements[id] = &LedgerAgreement{
		ID:           id,
		Sender:       req.Sender,
		Provider:     req.Provider,
		DocumentHash: append([]byte(nil), req.DocumentHash...),
		Parties:      parties,
		Status:       LedgerPending,
		CreatedAt:    l.now().UTC(),
	}

	res := TxResult{Success: true, TxID: l.txID(OpCreateAgreement, id, req.Sender), AgreementID: id}
	l.remember(req.IdempotencyToken, res)
	return res, nil
}

func (l *LocalLedger) MarkSigned(ctx context.Context, req MarkSignedRequest) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpMarkSigned]++

	if res, ok := l.replay(req.IdempotencyToken); ok {
		return res, nil
	}
	a, ok := l.agreements[req.AgreementID]
	if !ok {
		return l.reject("unknown agreement"), nil
	}
	if req.Verifier != l.admin && !a.isParty(req.Verifier) {
		return l.reject("verifier is not admin or party"), nil
	}
	if a.Status != LedgerPending {
		return l.reject("agreement is "+string(a.Status)), nil
	}

	idx := -1
	for i, p := range a.Parties {
		if p.WalletAddress == req.WalletAddress {
			idx = i
			break
		}
	}
	if idx < 0 {
		return l.reject("wallet is not a party"), nil
	}
	if !a.Parties[idx].Signed {
		at := l.now().UTC()
		a.Parties[idx].Signed = true
		a.Parties[idx].SignedAt = &at
	}

	res := TxResult{Success: true, TxID: l.txID(OpMarkSigned, a.ID, req.WalletAddress), AgreementID: a.ID}
	l.remember(req.IdempotencyToken, res)
	return res, nil
}

func (l *LocalLedger) ExecuteAgreement(ctx context.Context, req ExecuteRequest) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpExecuteAgreement]++

	if res, ok := l.replay(req.IdempotencyToken); ok {
		return res, nil
	}
	a, ok := l.agreements[req.AgreementID]
	if !ok {
		return l.reject("unknown agreement"), nil
	}
	if req.Verifier != l.admin && !a.isParty(req.Verifier) {
		return l.reject("verifier is not admin or party"), nil
	}
	if a.Status == LedgerExecuted {
		return TxResult{Success: true, TxID: a.ExecuteTxID, AgreementID: a.ID}, nil
	}
	if a.Status != LedgerPending {
		return l.reject("agreement is "+string(a.Status)), nil
	}
	if !a.allSigned() {
		return l.reject("not all parties signed"), nil
	}

	at := l.now().UTC()
	a.Status = LedgerExecuted
	a.ExecutedAt = &at
	a.ExecuteTxID = l.txID(OpExecuteAgreement, a.ID, "")

	res := TxResult{Success: true, TxID: a.ExecuteTxID, AgreementID: a.ID}
	l.remember(req.IdempotencyToken, res)
	return res, nil
}

// CancelAgreement moves a pending agreement to CANCELLED. Only the admin or
// one of the parties may cancel.
func (l *LocalLedger) CancelAgreement(ctx context.Context, req CancelRequest) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpCancelAgreement]++

	if res, ok := l.replay(req.IdempotencyToken); ok {
		return res, nil
	}
	a, ok := l.agreements[req.AgreementID]
	if !ok {
		return l.reject("unknown agreement"), nil
	}
	if req.Caller != l.admin && !a.isParty(req.Caller) {
		return l.reject("caller is not admin or party"), nil
	}
	if a.Status != LedgerPending {
		return l.reject("agreement is "+string(a.Status)), nil
	}
	a.Status = LedgerCancelled

	res := TxResult{Success: true, TxID: l.txID(OpCancelAgreement, a.ID, req.Caller), AgreementID: a.ID}
	l.remember(req.IdempotencyToken, res)
	return res, nil
}

// Lookup returns a copy of the registry entry.
func (l *LocalLedger) Lookup(id uint64) (LedgerAgreement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agreements[id]
	if !ok {
		return LedgerAgreement{}, ErrNotFound
	}
	return a.clone(), nil
}

// List returns every registry entry ordered by id.
func (l *LocalLedger) List() []LedgerAgreement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerAgreement, 0, len(l.agreements))
	for _, a := range l.agreements {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls reports how many times op was invoked, replays included.
func (l *LocalLedger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *LocalLedger) replay(token string) (TxResult, bool) {
	if token == "" {
		return TxResult{}, false
	}
	res, ok := l.seen[token]
	return res, ok
}

// Rejections are not cached so that a retry after the precondition changes can land.
func (l *LocalLedger) reject(reason string) TxResult {
	return TxResult{Success: false, Error: reason}
}

func (l *LocalLedger) remember(token string, res TxResult) {
	if token != "" {
		l.seen[token] = res
	}
}

func (l *LocalLedger) txID(op Op, id uint64, detail string) string {
	l.seq++
	var buf bytes.Buffer
	buf.WriteString(string(op))
	binary.Write(&buf, binary.BigEndian, id)
	binary.Write(&buf, binary.BigEndian, l.seq)
	buf.WriteString(detail)
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
