package verification

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// generateCode はlength桁の数字コードを生成する。先頭の0も桁として含む。
func generateCode(r io.Reader, length int) (string, error) {
	ten := big.NewInt(10)
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(r, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate verification code: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// hashCode は署名者IDに束縛したコードのHMAC-SHA256を16進文字列で返す。
// 平文のコードは保存しない。
func hashCode(secret []byte, signerID, code string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signerID))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// codeMatches は入力コードと保存済みハッシュを定数時間で比較する。
func codeMatches(secret []byte, signerID, submitted, storedHash string) bool {
	got := hashCode(secret, signerID, submitted)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
