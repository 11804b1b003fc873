package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/signflow/internal/model"
)

// MemoryStore はメモリ上で全リポジトリインターフェースを実装するストア。
// テストおよびDBを使わない検証用途で使用する。
// エンベロープ単位のロックでWithLockを直列化し、失敗時は取り消し処理で巻き戻す。
type MemoryStore struct {
	mu sync.RWMutex

	documents  map[string]*model.Document
	envelopes  map[string]*model.Envelope
	signers    map[string]*model.Signer
	signatures map[string]*model.Signature // key: signer ID
	fields     map[string][]*model.DocumentField
	audit      []*model.AuditLog

	lockMu    sync.Mutex
	envLocks  map[string]*sync.Mutex
	certLocks map[string]*sync.Mutex

	// Now は監査ログのサーバー時刻。テストで差し替え可能。
	Now func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  make(map[string]*model.Document),
		envelopes:  make(map[string]*model.Envelope),
		signers:    make(map[string]*model.Signer),
		signatures: make(map[string]*model.Signature),
		fields:     make(map[string][]*model.DocumentField),
		envLocks:   make(map[string]*sync.Mutex),
		certLocks:  make(map[string]*sync.Mutex),
		Now:        time.Now,
	}
}

// Documents はDocumentRepositoryとしてのビューを返す。
func (s *MemoryStore) Documents() DocumentRepository { return memoryDocuments{s} }

// Envelopes はEnvelopeRepositoryとしてのビューを返す。
func (s *MemoryStore) Envelopes() EnvelopeRepository { return memoryEnvelopes{s} }

// Signers はSignerRepositoryとしてのビューを返す。
func (s *MemoryStore) Signers() SignerRepository { return memorySigners{s} }

// Signatures はSignatureRepositoryとしてのビューを返す。
func (s *MemoryStore) Signatures() SignatureRepository { return memorySignatures{s} }

// Fields はFieldRepositoryとしてのビューを返す。
func (s *MemoryStore) Fields() FieldRepository { return memoryFields{s} }

// AuditLogs はAuditLogRepositoryとしてのビューを返す。
func (s *MemoryStore) AuditLogs() AuditLogRepository { return memoryAudit{s} }

func (s *MemoryStore) keyedLock(m map[string]*sync.Mutex, key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := m[key]
	if !ok {
		l = &sync.Mutex{}
		m[key] = l
	}
	return l
}

func (s *MemoryStore) appendAuditLocked(entry *model.AuditLog) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Timestamp = s.Now()
	s.audit = append(s.audit, cloneAudit(entry))
}

// --- documents ---

type memoryDocuments struct{ s *MemoryStore }

func (r memoryDocuments) Create(_ context.Context, doc *model.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *doc
	r.s.documents[doc.ID] = &c
	return nil
}

func (r memoryDocuments) FindByID(_ context.Context, id string) (*model.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.documents[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (r memoryDocuments) UpdateCertification(_ context.Context, id, digest, path string, certifiedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.documents[id]
	if !ok {
		return model.NewNotFoundError("document", id)
	}
	d.CertifiedDigest = digest
	d.CertifiedPath = path
	at := certifiedAt
	d.CertifiedAt = &at
	d.UpdatedAt = certifiedAt
	return nil
}

func (r memoryDocuments) WithCertificationLock(ctx context.Context, envelopeID string, fn func(ctx context.Context) error) error {
	l := r.s.keyedLock(r.s.certLocks, envelopeID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// --- envelopes ---

type memoryEnvelopes struct{ s *MemoryStore }

func (r memoryEnvelopes) Create(_ context.Context, env *model.Envelope, entry *model.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *env
	r.s.envelopes[env.ID] = &c
	if entry != nil {
		r.s.appendAuditLocked(entry)
	}
	return nil
}

func (r memoryEnvelopes) FindByID(_ context.Context, id string) (*model.Envelope, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.envelopes[id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (r memoryEnvelopes) ListByOwner(_ context.Context, ownerID string) ([]*model.Envelope, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Envelope
	for _, e := range r.s.envelopes {
		if e.OwnerID == ownerID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r memoryEnvelopes) WithLock(ctx context.Context, id string, fn func(tx EnvelopeTx) error) error {
	l := r.s.keyedLock(r.s.envLocks, id)
	l.Lock()
	defer l.Unlock()

	env, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if env == nil {
		return model.NewNotFoundError("envelope", id)
	}

	tx := &memoryTx{s: r.s, env: env}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memoryTx はWithLock中の操作を即時反映し、取り消し処理を積み上げる。
type memoryTx struct {
	s     *MemoryStore
	env   *model.Envelope
	undos []func()
}

func (tx *memoryTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undos) - 1; i >= 0; i-- {
		tx.undos[i]()
	}
}

func (tx *memoryTx) Envelope() *model.Envelope { return tx.env }

func (tx *memoryTx) Signers(ctx context.Context) ([]*model.Signer, error) {
	return memorySigners{tx.s}.ListByEnvelope(ctx, tx.env.ID)
}

func (tx *memoryTx) Fields(ctx context.Context) ([]*model.DocumentField, error) {
	return memoryFields{tx.s}.ListByEnvelope(ctx, tx.env.ID)
}

func (tx *memoryTx) UpdateEnvelope(_ context.Context, env *model.Envelope) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev := tx.s.envelopes[env.ID]
	c := *env
	tx.s.envelopes[env.ID] = &c
	tx.undos = append(tx.undos, func() { tx.s.envelopes[env.ID] = prev })
	return nil
}

func (tx *memoryTx) CreateSigner(_ context.Context, signer *model.Signer) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	c := cloneSigner(signer)
	tx.s.signers[signer.ID] = c
	id := signer.ID
	tx.undos = append(tx.undos, func() { delete(tx.s.signers, id) })
	return nil
}

func (tx *memoryTx) UpdateSigner(_ context.Context, signer *model.Signer) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev, ok := tx.s.signers[signer.ID]
	if !ok {
		return model.NewNotFoundError("signer", signer.ID)
	}
	tx.s.signers[signer.ID] = cloneSigner(signer)
	tx.undos = append(tx.undos, func() { tx.s.signers[prev.ID] = prev })
	return nil
}

func (tx *memoryTx) DeleteSigner(_ context.Context, signerID string) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev, ok := tx.s.signers[signerID]
	if !ok || prev.EnvelopeID != tx.env.ID {
		return model.NewNotFoundError("signer", signerID)
	}
	delete(tx.s.signers, signerID)
	prevFields := tx.s.fields[tx.env.ID]
	kept := make([]*model.DocumentField, 0, len(prevFields))
	for _, f := range prevFields {
		if f.SignerID != signerID {
			kept = append(kept, f)
		}
	}
	tx.s.fields[tx.env.ID] = kept
	tx.undos = append(tx.undos, func() {
		tx.s.signers[signerID] = prev
		tx.s.fields[tx.env.ID] = prevFields
	})
	return nil
}

func (tx *memoryTx) CreateSignature(_ context.Context, sig *model.Signature) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	c := *sig
	tx.s.signatures[sig.SignerID] = &c
	signerID := sig.SignerID
	tx.undos = append(tx.undos, func() { delete(tx.s.signatures, signerID) })
	return nil
}

func (tx *memoryTx) ReplaceFields(_ context.Context, fields []*model.DocumentField) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev := tx.s.fields[tx.env.ID]
	next := make([]*model.DocumentField, 0, len(fields))
	for _, f := range fields {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		c := *f
		c.EnvelopeID = tx.env.ID
		next = append(next, &c)
	}
	tx.s.fields[tx.env.ID] = next
	tx.undos = append(tx.undos, func() { tx.s.fields[tx.env.ID] = prev })
	return nil
}

func (tx *memoryTx) UpdateFieldValues(_ context.Context, values map[string]string) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	prev := tx.s.fields[tx.env.ID]
	next := make([]*model.DocumentField, 0, len(prev))
	for _, f := range prev {
		c := *f
		if v, ok := values[f.ID]; ok {
			c.Value = v
		}
		next = append(next, &c)
	}
	tx.s.fields[tx.env.ID] = next
	tx.undos = append(tx.undos, func() { tx.s.fields[tx.env.ID] = prev })
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, entry *model.AuditLog) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.s.appendAuditLocked(entry)
	n := len(tx.s.audit)
	tx.undos = append(tx.undos, func() { tx.s.audit = tx.s.audit[:n-1] })
	return nil
}

// --- signers ---

type memorySigners struct{ s *MemoryStore }

func (r memorySigners) FindByID(_ context.Context, id string) (*model.Signer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sg, ok := r.s.signers[id]
	if !ok {
		return nil, nil
	}
	return cloneSigner(sg), nil
}

func (r memorySigners) FindBySigningToken(_ context.Context, token string) (*model.Signer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, sg := range r.s.signers {
		if sg.SigningToken == token {
			return cloneSigner(sg), nil
		}
	}
	return nil, nil
}

func (r memorySigners) ListByEnvelope(_ context.Context, envelopeID string) ([]*model.Signer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Signer
	for _, sg := range r.s.signers {
		if sg.EnvelopeID == envelopeID {
			out = append(out, cloneSigner(sg))
		}
	}
	sortSigners(out)
	return out, nil
}

func (r memorySigners) ListByEnvelopeAndRole(ctx context.Context, envelopeID string, role model.SignerRole) ([]*model.Signer, error) {
	all, err := r.ListByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	var out []*model.Signer
	for _, sg := range all {
		if sg.Role == role {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (r memorySigners) Update(_ context.Context, id string, fn func(signer *model.Signer) error) (*model.Signer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.signers[id]
	if !ok {
		return nil, model.NewNotFoundError("signer", id)
	}
	work := cloneSigner(cur)
	if err := fn(work); err != nil {
		return nil, err
	}
	r.s.signers[id] = cloneSigner(work)
	return work, nil
}

// --- signatures ---

type memorySignatures struct{ s *MemoryStore }

func (r memorySignatures) ListByEnvelope(_ context.Context, envelopeID string) ([]*model.Signature, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Signature
	for _, sig := range r.s.signatures {
		if sig.EnvelopeID == envelopeID {
			c := *sig
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerID < out[j].SignerID })
	return out, nil
}

// --- fields ---

type memoryFields struct{ s *MemoryStore }

func (r memoryFields) ListByEnvelope(_ context.Context, envelopeID string) ([]*model.DocumentField, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.fields[envelopeID]
	out := make([]*model.DocumentField, 0, len(src))
	for _, f := range src {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

// --- audit ---

type memoryAudit struct{ s *MemoryStore }

func (r memoryAudit) Append(_ context.Context, entry *model.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendAuditLocked(entry)
	return nil
}

func (r memoryAudit) ListByEnvelope(_ context.Context, envelopeID string) ([]*model.AuditLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.AuditLog
	for _, e := range r.s.audit {
		if e.EnvelopeID == envelopeID {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}

func cloneSigner(s *model.Signer) *model.Signer {
	c := *s
	return &c
}

func cloneAudit(e *model.AuditLog) *model.AuditLog {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// sortSigners はルーティング順、作成日時、IDの順で安定に並べる。
func sortSigners(signers []*model.Signer) {
	sort.SliceStable(signers, func(i, j int) bool {
		a, b := signers[i], signers[j]
		if a.RoutingOrder != b.RoutingOrder {
			return a.RoutingOrder < b.RoutingOrder
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// compile-time interface checks
var (
	_ DocumentRepository  = memoryDocuments{}
	_ EnvelopeRepository  = memoryEnvelopes{}
	_ SignerRepository    = memorySigners{}
	_ SignatureRepository = memorySignatures{}
	_ FieldRepository     = memoryFields{}
	_ AuditLogRepository  = memoryAudit{}
	_ EnvelopeTx          = (*memoryTx)(nil)
)
