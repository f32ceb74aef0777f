package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// session file (0600) with AES-GCM obfuscation.
// Not a replacement for OS keychains but avoids a plain-text bearer token on disk.

type sessionFile struct {
	Session string `json:"session"` // base64(ciphertext of State)
}

func load(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return st, err
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return st, err
	}
	raw, err := base64.StdEncoding.DecodeString(sf.Session)
	if err != nil {
		return st, err
	}
	pt, err := decrypt(raw)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(pt, &st); err != nil {
		return st, err
	}
	return st, nil
}

func save(path string, st State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil { // restrict directory
		return err
	}
	pt, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ct, err := encrypt(pt)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sessionFile{Session: base64.StdEncoding.EncodeToString(ct)}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func masterKey() []byte {
	base := fmt.Sprintf("clinicbook-%s-%s", runtime.GOOS, os.Getenv("USER"))
	hash := sha256.Sum256([]byte(base))
	return hash[:]
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(masterKey())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(plain []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	body := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
