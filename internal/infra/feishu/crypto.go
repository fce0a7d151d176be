package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySignature checks a webhook signature header against the body.
// The expected value is hex(SHA256(timestamp + nonce + secret + body)).
// A "sha256=" prefix and mixed case in the header are tolerated.
func VerifySignature(timestamp, nonce string, body []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))

	provided := strings.TrimSpace(signature)
	provided = strings.TrimPrefix(provided, "sha256=")
	return strings.EqualFold(provided, expected)
}

// DecryptEvent decrypts an encrypted webhook envelope.
// The AES-256-CBC key is SHA256(encryptKey); the IV is the first 16
// bytes of the base64-decoded ciphertext; padding is PKCS7.
func DecryptEvent(encrypted, encryptKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	if len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned: %d bytes", len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("empty ciphertext")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding byte")
		}
	}
	return data[:len(data)-padLen], nil
}

// VerifyToken compares the verification token carried in a webhook
// envelope with the configured one
func VerifyToken(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return provided == expected
}

// CallbackSigningKey picks the webhook signing key: the encrypt key when
// configured, the listen secret otherwise
func CallbackSigningKey(encryptKey, listenSecret string) string {
	if strings.TrimSpace(encryptKey) != "" {
		return encryptKey
	}
	return listenSecret
}
