// Package password はパスワードのハッシュ化と検証を提供します。
package password

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations は PBKDF2 の既定反復回数です。
	DefaultIterations = 600000
	// DefaultSaltLength は生成するソルトの既定文字数です。
	DefaultSaltLength = 16

	minIterations = 1000
	minSaltLength = 8

	methodPBKDF2SHA256 = "pbkdf2:sha256"
	saltChars          = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Hasher は PBKDF2-HMAC-SHA256 でパスワードをハッシュ化します。
//
// 出力形式は "pbkdf2:sha256:<反復回数>$<ソルト>$<16進ダイジェスト>" で、
// 検証に必要な情報をすべて含みます。
type Hasher struct {
	iterations int
	saltLength int
}

// NewHasher は Hasher を作成します。下限未満の値は下限に切り上げます。
func NewHasher(iterations, saltLength int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations < minIterations {
		iterations = minIterations
	}
	if saltLength <= 0 {
		saltLength = DefaultSaltLength
	}
	if saltLength < minSaltLength {
		saltLength = minSaltLength
	}
	return &Hasher{
		iterations: iterations,
		saltLength: saltLength,
	}
}

// Hash はランダムなソルトを付与したハッシュ文字列を返します。
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt, err := generateSalt(h.saltLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	digest := derive(plaintext, salt, h.iterations)
	return fmt.Sprintf("%s:%d$%s$%s", methodPBKDF2SHA256, h.iterations, salt, digest), nil
}

// Verify は平文とハッシュ文字列が一致するかを定数時間で比較します。
// 形式が不正な場合は false を返します。
func (h *Hasher) Verify(plaintext, encoded string) bool {
	if isBcrypt(encoded) {
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext)) == nil
	}

	iterations, salt, expected, err := parse(encoded)
	if err != nil {
		return false
	}
	actual := derive(plaintext, salt, iterations)
	return hmac.Equal([]byte(actual), []byte(expected))
}

func derive(plaintext, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(plaintext), []byte(salt), iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}

var errMalformed = errors.New("malformed password hash")

func parse(encoded string) (int, string, string, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 {
		return 0, "", "", errMalformed
	}
	method, salt, digest := parts[0], parts[1], parts[2]
	if salt == "" || digest == "" {
		return 0, "", "", errMalformed
	}

	iterations := DefaultIterations
	switch {
	case method == methodPBKDF2SHA256:
	case strings.HasPrefix(method, methodPBKDF2SHA256+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(method, methodPBKDF2SHA256+":"))
		if err != nil || n <= 0 {
			return 0, "", "", errMalformed
		}
		iterations = n
	default:
		return 0, "", "", errMalformed
	}

	// SHA-256 のダイジェストは 64 桁の16進数
	if len(digest) != hex.EncodedLen(sha256.Size) {
		return 0, "", "", errMalformed
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return 0, "", "", errMalformed
	}
	return iterations, salt, strings.ToLower(digest), nil
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

func generateSalt(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(saltChars)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(saltChars[n.Int64()])
	}
	return sb.String(), nil
}
