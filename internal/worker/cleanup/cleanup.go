// Package cleanup は期限切れの本人確認情報を消去する定期ジョブを提供する。
// ワンタイムコードと署名セッションは使用時に期限を判定するため、
// このジョブは期限切れ後の値を保持期間を過ぎてから消すだけで、判定結果は変えない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	clearCodesQuery = `UPDATE signers SET code_hash = NULL, code_expires_at = NULL
		WHERE code_expires_at IS NOT NULL AND code_expires_at < $1`
	clearSessionsQuery = `UPDATE signers SET session_token = NULL, session_expires_at = NULL
		WHERE session_expires_at IS NOT NULL AND session_expires_at < $1`
)

// SweepResult は1回の実行で消去した件数。
type SweepResult struct {
	Codes    int64
	Sessions int64
}

// CredentialSweepJob は期限切れのワンタイムコードとセッショントークンを消去するジョブ。
// 冪等で、対象がなくてもエラーにならない。
type CredentialSweepJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time
	// Grace は期限切れから消去までの猶予。猶予中はEXPIREDとして応答できる。
	Grace time.Duration
}

// NewCredentialSweepJob は新しいCredentialSweepJobを生成する。
// デフォルトの猶予は24時間。
func NewCredentialSweepJob(db Executor, logger *slog.Logger) *CredentialSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialSweepJob{
		db:     db,
		logger: logger,
		now:    time.Now,
		Grace:  24 * time.Hour,
	}
}

// SetClock はテスト用に時刻関数を差し替える。
func (j *CredentialSweepJob) SetClock(now func() time.Time) {
	j.now = now
}

// Run は猶予を過ぎたワンタイムコードとセッショントークンを消去する。
func (j *CredentialSweepJob) Run(ctx context.Context) (*SweepResult, error) {
	start := j.now()
	cutoff := start.Add(-j.Grace).UTC()

	codes, err := j.exec(ctx, clearCodesQuery, cutoff)
	if err != nil {
		j.logger.Error("expired code sweep failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("期限切れコードの消去に失敗しました: %w", err)
	}
	sessions, err := j.exec(ctx, clearSessionsQuery, cutoff)
	if err != nil {
		j.logger.Error("expired session sweep failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("期限切れセッションの消去に失敗しました: %w", err)
	}

	res := &SweepResult{Codes: codes, Sessions: sessions}
	j.logger.Info("credential sweep completed",
		slog.Int64("codes_cleared", res.Codes),
		slog.Int64("sessions_cleared", res.Sessions),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return res, nil
}

func (j *CredentialSweepJob) exec(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、ctxの終了で戻る。
func (j *CredentialSweepJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
