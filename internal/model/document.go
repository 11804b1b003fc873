package model

import "time"

// Document はアップロードされた原本文書を表す。
// 証明済み成果物のダイジェストと保存先は再証明のたびに上書きされる。
type Document struct {
	ID           string
	OwnerID      string
	Name         string
	StoragePath  string
	OriginalHash string
	Size         int64

	CertifiedDigest string
	CertifiedPath   string
	CertifiedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCertified は証明済み成果物が記録されているかを返す。
func (d *Document) IsCertified() bool {
	return d.CertifiedDigest != "" && d.CertifiedPath != ""
}
