package envelope

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/signflow/internal/audit"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/notify"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/verification"
)

// --- テストヘルパー ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier は送信された通知を記録する。errが設定されていれば常に失敗する。
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) byKind(kind notify.Kind) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = nil
}

type fixture struct {
	store    *repository.MemoryStore
	svc      *Service
	verifier *verification.Service
	clock    *fakeClock
	notifier *recordingNotifier
}

const (
	testOwner = "owner-1"
	testDoc   = "doc-1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore()
	store.Now = clock.Now

	if err := store.Documents().Create(context.Background(), &model.Document{
		ID: testDoc, OwnerID: testOwner, Name: "Service Agreement", StoragePath: "documents/doc-1.pdf",
	}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	ledger := audit.NewLedger(store.AuditLogs(), nil)
	notifier := &recordingNotifier{}

	cfg := verification.DefaultConfig()
	cfg.Secret = []byte("test-secret")
	verifier := verification.NewService(store.Signers(), store.Envelopes(), ledger, notifier, nil, nil, cfg)
	verifier.SetClock(clock.Now)

	svc := NewService(Deps{
		Documents: store.Documents(),
		Envelopes: store.Envelopes(),
		Signers:   store.Signers(),
		Fields:    store.Fields(),
		Verifier:  verifier,
		Notifier:  notifier,
		Ledger:    ledger,
		BaseURL:   "https://sign.example.com/",
	})
	svc.SetClock(clock.Now)

	return &fixture{store: store, svc: svc, verifier: verifier, clock: clock, notifier: notifier}
}

func (f *fixture) createEnvelope(t *testing.T) *model.Envelope {
	t.Helper()
	env, err := f.svc.Create(context.Background(), testOwner, testDoc, "NDA", "Please sign")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return env
}

func (f *fixture) addSigner(t *testing.T, envID, email string, role model.SignerRole, order int) *AddSignerResult {
	t.Helper()
	res, err := f.svc.AddSigner(context.Background(), testOwner, envID, SignerSpec{
		Email: email, Name: "Party " + email, Role: role, RoutingOrder: order,
	})
	if err != nil {
		t.Fatalf("AddSigner(%s): %v", email, err)
	}
	return res
}

// session は招待コードで本人確認を行い、セッショントークンを返す。
func (f *fixture) session(t *testing.T, added *AddSignerResult) string {
	t.Helper()
	sess, err := f.verifier.VerifyCode(context.Background(), added.Signer.ID, added.InviteCode)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	return sess.Token
}

func (f *fixture) sign(t *testing.T, envID string, added *AddSignerResult) *SignResult {
	t.Helper()
	token := f.session(t, added)
	res, err := f.svc.RecordSignature(context.Background(), envID, added.Signer.ID, token, typedSignature())
	if err != nil {
		t.Fatalf("RecordSignature(%s): %v", added.Signer.Email, err)
	}
	return res
}

func (f *fixture) status(t *testing.T, envID string) model.EnvelopeStatus {
	t.Helper()
	env, err := f.store.Envelopes().FindByID(context.Background(), envID)
	if err != nil || env == nil {
		t.Fatalf("FindByID: %v", err)
	}
	return env.Status
}

func (f *fixture) countEvent(t *testing.T, envID string, event model.AuditEvent) int {
	t.Helper()
	entries, err := f.store.AuditLogs().ListByEnvelope(context.Background(), envID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

func typedSignature() SignatureInput {
	return SignatureInput{Consent: true, ConsentText: "I agree to sign electronically", TypedText: "Party Signature"}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.IsCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

// --- Create / AddSigner ---

// TestCreate_DocumentOwnership は他人の文書からエンベロープを作れないことを検証する。
func TestCreate_DocumentOwnership(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), "someone-else", testDoc, "x", "")
	assertCode(t, err, model.ErrCodeNotFound)

	_, err = f.svc.Create(context.Background(), testOwner, "missing-doc", "x", "")
	assertCode(t, err, model.ErrCodeNotFound)

	env := f.createEnvelope(t)
	if env.Status != model.StatusDraft {
		t.Errorf("status = %s, want DRAFT", env.Status)
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopeCreated); got != 1 {
		t.Errorf("ENVELOPE_CREATED entries = %d, want 1", got)
	}
}

// TestCreate_SubjectDefaultsToDocumentName は件名未指定時に文書名を使うことを検証する。
func TestCreate_SubjectDefaultsToDocumentName(t *testing.T) {
	f := newFixture(t)
	env, err := f.svc.Create(context.Background(), testOwner, testDoc, "  ", "<b>hi</b>")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.Subject != "Service Agreement" {
		t.Errorf("Subject = %q", env.Subject)
	}
	if env.Message != "hi" {
		t.Errorf("Message = %q, want markup stripped", env.Message)
	}
}

// TestAddSigner_Validation は署名者入力の検証を行う。
func TestAddSigner_Validation(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)

	tests := []struct {
		name string
		spec SignerSpec
	}{
		{"不正なメール", SignerSpec{Email: "not-an-email", Name: "X"}},
		{"表示名付きメール", SignerSpec{Email: "Bob <bob@example.com>", Name: "Bob"}},
		{"名前なし", SignerSpec{Email: "bob@example.com"}},
		{"負のルーティング順", SignerSpec{Email: "bob@example.com", Name: "Bob", RoutingOrder: -1}},
		{"不正なロール", SignerSpec{Email: "bob@example.com", Name: "Bob", Role: "WITNESS"}},
		{"重複メール", SignerSpec{Email: "ALICE@example.com", Name: "Alice 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddSigner(context.Background(), testOwner, env.ID, tt.spec)
			assertCode(t, err, model.ErrCodeValidation)
		})
	}
}

// TestAddSigner_Defaults はロールとルーティング順の既定値、招待コードの発行を検証する。
func TestAddSigner_Defaults(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)

	res, err := f.svc.AddSigner(context.Background(), testOwner, env.ID, SignerSpec{Email: "alice@example.com", Name: "Alice"})
	if err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	if res.Signer.Role != model.RoleSigner || res.Signer.RoutingOrder != 1 {
		t.Errorf("defaults = %s/%d, want SIGNER/1", res.Signer.Role, res.Signer.RoutingOrder)
	}
	if len(res.InviteCode) != 6 {
		t.Errorf("InviteCode = %q, want 6 digits", res.InviteCode)
	}
	if len(res.Signer.SigningToken) != 64 {
		t.Errorf("SigningToken length = %d, want 64", len(res.Signer.SigningToken))
	}

	cc := f.addSigner(t, env.ID, "carol@example.com", model.RoleCC, 1)
	if cc.InviteCode != "" {
		t.Error("CC recipients should not receive an invite code")
	}
	if cc.Signer.SigningToken == res.Signer.SigningToken {
		t.Error("signing tokens must be unique")
	}
}

// TestAddSigner_OnlyInDraft は送信後の署名者追加・削除を拒否することを検証する。
func TestAddSigner_OnlyInDraft(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err := f.svc.AddSigner(context.Background(), testOwner, env.ID, SignerSpec{Email: "bob@example.com", Name: "Bob"})
	assertCode(t, err, model.ErrCodeInvalidState)

	err = f.svc.RemoveSigner(context.Background(), testOwner, env.ID, alice.Signer.ID)
	assertCode(t, err, model.ErrCodeInvalidState)
}

// TestAddSigner_OtherOwner は他人のエンベロープを操作できないことを検証する。
func TestAddSigner_OtherOwner(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)

	_, err := f.svc.AddSigner(context.Background(), "intruder", env.ID, SignerSpec{Email: "bob@example.com", Name: "Bob"})
	assertCode(t, err, model.ErrCodeNotFound)

	_, err = f.svc.Get(context.Background(), "intruder", env.ID)
	assertCode(t, err, model.ErrCodeNotFound)
}

// TestGet_Progress はSIGNERロールだけを署名の進捗に数えることを検証する。
func TestGet_Progress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	f.addSigner(t, env.ID, "bob@example.com", model.RoleSigner, 1)
	f.addSigner(t, env.ID, "carol@example.com", model.RoleCC, 1)
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f.sign(t, env.ID, alice)

	detail, err := f.svc.Get(ctx, testOwner, env.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Signers) != 3 {
		t.Errorf("signers = %d, want 3", len(detail.Signers))
	}
	if detail.SignedCount != 1 || detail.SignerCount != 2 {
		t.Errorf("progress = %d/%d, want 1/2", detail.SignedCount, detail.SignerCount)
	}
}

// TestRemoveSigner は署名者とそのフィールドが削除されることを検証する。
func TestRemoveSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	bob := f.addSigner(t, env.ID, "bob@example.com", model.RoleSigner, 1)

	_, err := f.svc.SetFields(ctx, testOwner, env.ID, []*model.DocumentField{
		{SignerID: alice.Signer.ID, Type: model.FieldSignature, Page: 1, X: 0.1, Y: 0.8, Width: 0.3, Height: 0.05, Required: true},
		{SignerID: bob.Signer.ID, Type: model.FieldSignature, Page: 1, X: 0.6, Y: 0.8, Width: 0.3, Height: 0.05, Required: true},
	})
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	if err := f.svc.RemoveSigner(ctx, testOwner, env.ID, bob.Signer.ID); err != nil {
		t.Fatalf("RemoveSigner: %v", err)
	}
	detail, err := f.svc.Get(ctx, testOwner, env.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Signers) != 1 || detail.Signers[0].ID != alice.Signer.ID {
		t.Errorf("signers after removal = %d", len(detail.Signers))
	}
	if len(detail.Fields) != 1 || detail.Fields[0].SignerID != alice.Signer.ID {
		t.Errorf("fields after removal = %d", len(detail.Fields))
	}

	err = f.svc.RemoveSigner(ctx, testOwner, env.ID, "unknown")
	assertCode(t, err, model.ErrCodeNotFound)
}

// --- SetFields ---

// TestSetFields_RejectsInvalidPlacement は配置の問題をすべて列挙して拒否することを検証する。
func TestSetFields_RejectsInvalidPlacement(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	cc := f.addSigner(t, env.ID, "carol@example.com", model.RoleCC, 1)

	_, err := f.svc.SetFields(context.Background(), testOwner, env.ID, []*model.DocumentField{
		{ID: "f1", SignerID: alice.Signer.ID, Type: model.FieldSignature, Page: 1, X: 0.9, Y: 0.1, Width: 0.2, Height: 0.05},
		{ID: "f2", SignerID: cc.Signer.ID, Type: model.FieldText, Page: 1, X: 0.1, Y: 0.5, Width: 0.2, Height: 0.05},
		{ID: "f3", SignerID: "ghost", Type: model.FieldSignature, Page: 1, X: 0.1, Y: 0.7, Width: 0.2, Height: 0.05},
	})
	assertCode(t, err, model.ErrCodeValidation)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("expected APIError")
	}
	for _, want := range []string{"unknown signer ghost", "CC recipient", "INVALID_POSITION", "MISSING_FIELD"} {
		if !strings.Contains(apiErr.Message, want) {
			t.Errorf("message %q should mention %q", apiErr.Message, want)
		}
	}
}

// TestSetFields_ReplacesAll はフィールドが全件置き換えられ、IDが採番されることを検証する。
func TestSetFields_ReplacesAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)

	first := []*model.DocumentField{
		{SignerID: alice.Signer.ID, Type: model.FieldSignature, Page: 1, X: 0.1, Y: 0.8, Width: 0.3, Height: 0.05, Required: true},
		{SignerID: alice.Signer.ID, Type: model.FieldDate, Page: 1, X: 0.5, Y: 0.8, Width: 0.2, Height: 0.05, Required: true, Value: "preset"},
	}
	saved, err := f.svc.SetFields(ctx, testOwner, env.ID, first)
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved = %d, want 2", len(saved))
	}
	for _, fd := range saved {
		if fd.ID == "" || fd.EnvelopeID != env.ID {
			t.Errorf("field not normalized: %+v", fd)
		}
		if fd.Value != "" {
			t.Errorf("owner-provided value should be cleared, got %q", fd.Value)
		}
	}

	saved, err = f.svc.SetFields(ctx, testOwner, env.ID, first[:1])
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("saved after replace = %d, want 1", len(saved))
	}
	if got := f.countEvent(t, env.ID, model.EventFieldsUpdated); got != 2 {
		t.Errorf("FIELDS_UPDATED entries = %d, want 2", got)
	}
}

// --- Send ---

// TestSend_RequiresSigner はSIGNERロールがいない場合に送信を拒否することを検証する。
func TestSend_RequiresSigner(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)

	_, err := f.svc.Send(context.Background(), testOwner, env.ID)
	assertCode(t, err, model.ErrCodeValidation)

	f.addSigner(t, env.ID, "carol@example.com", model.RoleCC, 1)
	_, err = f.svc.Send(context.Background(), testOwner, env.ID)
	assertCode(t, err, model.ErrCodeValidation)

	if f.status(t, env.ID) != model.StatusDraft {
		t.Error("failed send must leave envelope in DRAFT")
	}
}

// TestSend_NotifiesFirstRoutingGroup は最初のルーティング順の署名者にのみ依頼を送ることを検証する。
func TestSend_NotifiesFirstRoutingGroup(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	a := f.addSigner(t, env.ID, "a@example.com", model.RoleSigner, 1)
	b := f.addSigner(t, env.ID, "b@example.com", model.RoleSigner, 1)
	c := f.addSigner(t, env.ID, "c@example.com", model.RoleSigner, 2)
	f.addSigner(t, env.ID, "cc@example.com", model.RoleCC, 1)

	sent, err := f.svc.Send(context.Background(), testOwner, env.ID)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Status != model.StatusSent {
		t.Errorf("status = %s, want SENT", sent.Status)
	}

	reqs := f.notifier.byKind(notify.KindSigningRequest)
	if len(reqs) != 2 {
		t.Fatalf("signing requests = %d, want 2", len(reqs))
	}
	got := map[string]string{}
	for _, m := range reqs {
		got[m.To] = m.Data["signing_url"]
	}
	if got["a@example.com"] != "https://sign.example.com/sign/"+a.Signer.SigningToken {
		t.Errorf("signing_url = %q", got["a@example.com"])
	}
	if _, ok := got["b@example.com"]; !ok {
		t.Error("b should be notified")
	}
	if _, ok := got["c@example.com"]; ok {
		t.Error("c is in a later routing group and should not be notified yet")
	}

	// 1番目のグループが揃うと次のグループに依頼が送られる
	f.notifier.reset()
	f.sign(t, env.ID, a)
	if n := len(f.notifier.byKind(notify.KindSigningRequest)); n != 0 {
		t.Errorf("requests after partial group = %d, want 0", n)
	}
	f.sign(t, env.ID, b)
	reqs = f.notifier.byKind(notify.KindSigningRequest)
	if len(reqs) != 1 || reqs[0].To != c.Signer.Email {
		t.Errorf("next group requests = %+v", reqs)
	}
}

// TestSend_NotificationFailureDoesNotRollBack は通知失敗でも遷移が確定することを検証する。
func TestSend_NotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	f.notifier.err = errors.New("smtp down")

	if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
		t.Fatalf("Send should succeed despite notification failure: %v", err)
	}
	if f.status(t, env.ID) != model.StatusSent {
		t.Error("status should be SENT")
	}
	if got := f.countEvent(t, env.ID, model.EventNotificationFailed); got != 1 {
		t.Errorf("NOTIFICATION_FAILED entries = %d, want 1", got)
	}
}

// failingAuditLogs は常に追記に失敗する監査ログリポジトリ。
type failingAuditLogs struct {
	AppendFunc func(ctx context.Context, entry *model.AuditLog) error
}

func (r *failingAuditLogs) Append(ctx context.Context, entry *model.AuditLog) error {
	return r.AppendFunc(ctx, entry)
}

func (r *failingAuditLogs) ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.AuditLog, error) {
	return nil, nil
}

// TestDispatch_AuditFailureIsLogged は通知失敗の監査記録に失敗した場合に警告ログが出ることを検証する。
func TestDispatch_AuditFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	repo := &failingAuditLogs{AppendFunc: func(ctx context.Context, entry *model.AuditLog) error {
		return errors.New("audit store unavailable")
	}}
	svc := NewService(Deps{
		Notifier: &recordingNotifier{err: errors.New("smtp down")},
		Ledger:   audit.NewLedger(repo, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})

	svc.dispatch(context.Background(), "env-1", []notify.Message{{Kind: notify.KindSigningRequest, To: "alice@example.com"}})

	out := buf.String()
	for _, want := range []string{
		"level=WARN",
		`msg="failed to record audit entry"`,
		"envelope_id=env-1",
		"event=NOTIFICATION_FAILED",
		`error="`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

// TestSend_Twice は送信済みエンベロープの再送信を拒否することを検証する。
func TestSend_Twice(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := f.svc.Send(context.Background(), testOwner, env.ID)
	assertCode(t, err, model.ErrCodeInvalidState)
}

// --- MarkViewed ---

// TestMarkViewed は閲覧でSENT→VIEWEDに遷移し、2回目以降は遷移しないことを検証する。
func TestMarkViewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)

	_, err := f.svc.MarkViewed(ctx, alice.Signer.SigningToken)
	assertCode(t, err, model.ErrCodeInvalidState)

	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	view, err := f.svc.MarkViewed(ctx, alice.Signer.SigningToken)
	if err != nil {
		t.Fatalf("MarkViewed: %v", err)
	}
	if view.Envelope.Status != model.StatusViewed {
		t.Errorf("status = %s, want VIEWED", view.Envelope.Status)
	}
	if view.Signer.ViewedAt == nil {
		t.Fatal("ViewedAt should be stamped")
	}
	first := *view.Signer.ViewedAt

	f.clock.Advance(time.Minute)
	view, err = f.svc.MarkViewed(ctx, alice.Signer.SigningToken)
	if err != nil {
		t.Fatalf("MarkViewed (2nd): %v", err)
	}
	if !view.Signer.ViewedAt.Equal(first) {
		t.Error("ViewedAt should only be stamped once")
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopeViewed); got != 1 {
		t.Errorf("ENVELOPE_VIEWED entries = %d, want 1", got)
	}

	_, err = f.svc.MarkViewed(ctx, "no-such-token")
	assertCode(t, err, model.ErrCodeNotFound)
}

// --- RecordSignature ---

// TestRecordSignature_TwoSigners は2人の署名でPARTIALLY_SIGNED→COMPLETEDと進むことを検証する。
func TestRecordSignature_TwoSigners(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	bob := f.addSigner(t, env.ID, "bob@example.com", model.RoleSigner, 1)
	f.addSigner(t, env.ID, "carol@example.com", model.RoleCC, 1)
	if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res := f.sign(t, env.ID, alice)
	if res.Envelope.Status != model.StatusPartiallySigned {
		t.Errorf("after first signature = %s, want PARTIALLY_SIGNED", res.Envelope.Status)
	}
	if res.Envelope.CompletedAt != nil {
		t.Error("CompletedAt must not be set yet")
	}

	f.clock.Advance(time.Hour)
	res = f.sign(t, env.ID, bob)
	if res.Envelope.Status != model.StatusCompleted {
		t.Errorf("after second signature = %s, want COMPLETED", res.Envelope.Status)
	}
	if res.Envelope.CompletedAt == nil || !res.Envelope.CompletedAt.Equal(f.clock.Now()) {
		t.Errorf("CompletedAt = %v, want %v", res.Envelope.CompletedAt, f.clock.Now())
	}

	if got := f.countEvent(t, env.ID, model.EventDocumentSigned); got != 2 {
		t.Errorf("DOCUMENT_SIGNED = %d, want 2", got)
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopePartiallySigned); got != 1 {
		t.Errorf("ENVELOPE_PARTIALLY_SIGNED = %d, want 1", got)
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopeCompleted); got != 1 {
		t.Errorf("ENVELOPE_COMPLETED = %d, want 1", got)
	}

	completed := f.notifier.byKind(notify.KindEnvelopeCompleted)
	if len(completed) != 3 {
		t.Errorf("completion notices = %d, want 3 (signers and CC)", len(completed))
	}
}

// TestRecordSignature_OrderIndependent は署名順序に関係なく同じ最終状態になることを検証する。
func TestRecordSignature_OrderIndependent(t *testing.T) {
	run := func(reverse bool) model.EnvelopeStatus {
		f := newFixture(t)
		env := f.createEnvelope(t)
		a := f.addSigner(t, env.ID, "a@example.com", model.RoleSigner, 1)
		b := f.addSigner(t, env.ID, "b@example.com", model.RoleSigner, 2)
		if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
			t.Fatalf("Send: %v", err)
		}
		order := []*AddSignerResult{a, b}
		if reverse {
			order = []*AddSignerResult{b, a}
		}
		for _, s := range order {
			f.sign(t, env.ID, s)
		}
		return f.status(t, env.ID)
	}

	forward, backward := run(false), run(true)
	if forward != backward || forward != model.StatusCompleted {
		t.Errorf("forward=%s backward=%s, want both COMPLETED", forward, backward)
	}
}

// TestRecordSignature_Concurrent は同時署名でも集計状態を取りこぼさないことを検証する。
func TestRecordSignature_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)

	const n = 8
	parties := make([]*AddSignerResult, n)
	for i := range parties {
		parties[i] = f.addSigner(t, env.ID, string(rune('a'+i))+"@example.com", model.RoleSigner, 1)
	}
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tokens := make([]string, n)
	for i, p := range parties {
		tokens[i] = f.session(t, p)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, p := range parties {
		wg.Add(1)
		go func(signerID, token string) {
			defer wg.Done()
			if _, err := f.svc.RecordSignature(ctx, env.ID, signerID, token, typedSignature()); err != nil {
				errs <- err
			}
		}(p.Signer.ID, tokens[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RecordSignature: %v", err)
	}

	if got := f.status(t, env.ID); got != model.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got)
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopeCompleted); got != 1 {
		t.Errorf("ENVELOPE_COMPLETED = %d, want 1", got)
	}
	if got := f.countEvent(t, env.ID, model.EventEnvelopePartiallySigned); got != 1 {
		t.Errorf("ENVELOPE_PARTIALLY_SIGNED = %d, want 1", got)
	}
}

// TestRecordSignature_RequiresSession はセッションなしの署名を拒否することを検証する。
func TestRecordSignature_RequiresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, "", typedSignature())
	assertCode(t, err, model.ErrCodeUnverified)

	token := f.session(t, alice)
	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, typedSignature())
	assertCode(t, err, model.ErrCodeExpired)

	if got := f.countEvent(t, env.ID, model.EventDocumentSigned); got != 0 {
		t.Errorf("DOCUMENT_SIGNED = %d, want 0", got)
	}
}

// TestRecordSignature_OnlyOnce は署名後にセッションが破棄され、再署名できないことを検証する。
func TestRecordSignature_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	f.addSigner(t, env.ID, "bob@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	token := f.session(t, alice)
	if _, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, typedSignature()); err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	_, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, typedSignature())
	assertCode(t, err, model.ErrCodeUnverified)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 2))); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

// TestRecordSignature_InputValidation は同意・署名内容・画像・配置の検証を行う。
func TestRecordSignature_InputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	token := f.session(t, alice)

	tests := []struct {
		name string
		in   SignatureInput
	}{
		{"同意なし", SignatureInput{TypedText: "Alice"}},
		{"署名内容なし", SignatureInput{Consent: true}},
		{"未対応の画像形式", SignatureInput{Consent: true, ImageData: []byte("GIF89a"), ImageMime: "image/gif"}},
		{"壊れた画像", SignatureInput{Consent: true, ImageData: []byte("\x89PNG-alice"), ImageMime: "image/png"}},
		{"画像形式の不一致", SignatureInput{Consent: true, ImageData: pngBytes(t), ImageMime: "image/jpeg"}},
		{"ページ外の配置", SignatureInput{Consent: true, TypedText: "Alice",
			Placement: &model.SignaturePlacement{Page: 1, X: 0.9, Y: 0.9, Width: 0.2, Height: 0.05}}},
		{"他人のフィールド", SignatureInput{Consent: true, TypedText: "Alice", FieldValues: map[string]string{"other": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, tt.in)
			assertCode(t, err, model.ErrCodeValidation)
		})
	}
	if f.status(t, env.ID) != model.StatusSent {
		t.Error("rejected signatures must not change status")
	}
}

// TestRecordSignature_FieldValues は必須フィールドの検査と自動入力を検証する。
func TestRecordSignature_FieldValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)

	saved, err := f.svc.SetFields(ctx, testOwner, env.ID, []*model.DocumentField{
		{ID: "sig", SignerID: alice.Signer.ID, Type: model.FieldSignature, Page: 1, X: 0.1, Y: 0.8, Width: 0.3, Height: 0.05, Required: true},
		{ID: "date", SignerID: alice.Signer.ID, Type: model.FieldDate, Page: 1, X: 0.5, Y: 0.8, Width: 0.2, Height: 0.05, Required: true},
		{ID: "ini", SignerID: alice.Signer.ID, Type: model.FieldInitial, Page: 1, X: 0.8, Y: 0.8, Width: 0.1, Height: 0.05, Required: true},
		{ID: "title", SignerID: alice.Signer.ID, Type: model.FieldText, Page: 1, X: 0.1, Y: 0.6, Width: 0.3, Height: 0.05, Required: true},
		{ID: "agree", SignerID: alice.Signer.ID, Type: model.FieldCheckbox, Page: 1, X: 0.5, Y: 0.6, Width: 0.05, Height: 0.05, Required: true},
	})
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if len(saved) != 5 {
		t.Fatalf("saved = %d", len(saved))
	}
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	token := f.session(t, alice)

	in := typedSignature()
	in.FieldValues = map[string]string{"title": "   ", "agree": "yes"}
	_, err = f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, in)
	assertCode(t, err, model.ErrCodeValidation)
	var apiErr *model.APIError
	errors.As(err, &apiErr)
	if !strings.Contains(apiErr.Message, "title") || !strings.Contains(apiErr.Message, "agree") {
		t.Errorf("all problems should be listed: %s", apiErr.Message)
	}

	in.FieldValues = map[string]string{"title": "CEO", "agree": "true"}
	res, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, in)
	if err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	if res.Signature.Placement == nil || res.Signature.Placement.X != 0.1 {
		t.Errorf("placement should default to the signature field: %+v", res.Signature.Placement)
	}

	fields, err := f.store.Fields().ListByEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("ListByEnvelope: %v", err)
	}
	values := map[string]string{}
	for _, fd := range fields {
		values[fd.ID] = fd.Value
	}
	want := map[string]string{
		"sig":   res.Signature.ID,
		"date":  "2024-06-01",
		"ini":   "PA",
		"title": "CEO",
		"agree": "true",
	}
	for id, v := range want {
		if values[id] != v {
			t.Errorf("field %s = %q, want %q", id, values[id], v)
		}
	}
}

// TestRecordSignature_CapturesRequestMeta はリクエスト元情報が署名者に記録されることを検証する。
func TestRecordSignature_CapturesRequestMeta(t *testing.T) {
	f := newFixture(t)
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(context.Background(), testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	token := f.session(t, alice)

	ctx := audit.WithRequestMeta(context.Background(), audit.RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent/1.0"})
	if _, err := f.svc.RecordSignature(ctx, env.ID, alice.Signer.ID, token, typedSignature()); err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	sg, _ := f.store.Signers().FindByID(ctx, alice.Signer.ID)
	if sg.IPAddress != "203.0.113.7" || sg.UserAgent != "test-agent/1.0" {
		t.Errorf("captured meta = %s / %s", sg.IPAddress, sg.UserAgent)
	}
	if sg.SessionToken != "" {
		t.Error("session should be cleared after signing")
	}
}

// --- Decline / Void ---

// TestDecline は辞退で即座にDECLINEDとなり、以降の操作を拒否することを検証する。
func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := f.createEnvelope(t)
	alice := f.addSigner(t, env.ID, "alice@example.com", model.RoleSigner, 1)
	bob := f.addSigner(t, env.ID, "bob@example.com", model.RoleSigner, 1)
	if _, err := f.svc.Send(ctx, testOwner, env.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f.sign(t, env.ID, alice)

	_, err := f.svc.Decline(ctx, env.ID, bob.Signer.ID, "", "no")
	assertCode(t, err, model.ErrCodeUnverified)

	bobToken := f.session(t, bob)
	declined, err := f.svc.Decline(ctx, env.ID, bob.Signer.ID, bobToken, "terms changed")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.Status != model.StatusDeclined {
		t.Errorf("status = %s, want DECLINED", declined.Status)
	}

	notices := f.notifier.byKind(notify.KindEnvelopeDeclined)
	if len(notices) != 1 || notices[0].To != "alice@example.com" || notices[0].Data["reason"] != "terms changed" {
		t.Errorf("decline notices = %+v", notices)
	}

	_, err = f.svc.Void(ctx, testOwner, env.ID, "too late")
	assertCode(t, err, model.ErrCodeInvalidState)
	_, err = f.svc.RecordSignature(ctx, env.ID, bob.Signer.ID, bobToken, typedSignature())
	assertCode(t, err, model.ErrCodeInvalidState)
	if f.status(t, env.ID) != model.StatusDeclined {
		t.Error("terminal state must not change")
	}
}

// TestVoid はオーナーのみが終端状態以外から無効化できることを検証する。
func TestVoid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := f.createEnvelope(t)
	f.addSigner(t, draft.ID, "alice@example.com", model.RoleSigner, 1)
	_, err := f.svc.Void(ctx, "intruder", draft.ID, "")
	assertCode(t, err, model.ErrCodeNotFound)

	voided, err := f.svc.Void(ctx, testOwner, draft.ID, "<i>duplicate</i>")
	if err != nil {
		t.Fatalf("Void: %v", err)
	}
	if voided.Status != model.StatusVoided || voided.VoidReason != "duplicate" {
		t.Errorf("voided = %s / %q", voided.Status, voided.VoidReason)
	}
	if n := len(f.notifier.byKind(notify.KindEnvelopeVoided)); n != 0 {
		t.Errorf("draft void notices = %d, want 0", n)
	}

	sent := f.createEnvelope(t)
	f.addSigner(t, sent.ID, "bob@example.com", model.RoleSigner, 1)
	f.addSigner(t, sent.ID, "carol@example.com", model.RoleCC, 1)
	if _, err := f.svc.Send(ctx, testOwner, sent.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := f.svc.Void(ctx, testOwner, sent.ID, "cancelled"); err != nil {
		t.Fatalf("Void: %v", err)
	}
	if n := len(f.notifier.byKind(notify.KindEnvelopeVoided)); n != 2 {
		t.Errorf("sent void notices = %d, want 2", n)
	}

	_, err = f.svc.Void(ctx, testOwner, sent.ID, "again")
	assertCode(t, err, model.ErrCodeInvalidState)
	if got := f.countEvent(t, sent.ID, model.EventEnvelopeVoided); got != 1 {
		t.Errorf("ENVELOPE_VOIDED = %d, want 1", got)
	}
}

// TestListByOwner はオーナーごとの一覧を新しい順に返すことを検証する。
func TestListByOwner(t *testing.T) {
	f := newFixture(t)
	first := f.createEnvelope(t)
	f.clock.Advance(time.Minute)
	second := f.createEnvelope(t)

	envs, err := f.svc.ListByOwner(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(envs) != 2 || envs[0].ID != second.ID || envs[1].ID != first.ID {
		t.Errorf("unexpected order: %+v", envs)
	}

	envs, err = f.svc.ListByOwner(context.Background(), "nobody")
	if err != nil || len(envs) != 0 {
		t.Errorf("other owner list = %d, %v", len(envs), err)
	}
}
