package neo

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// credentialKeySize is the fixed key length spec §7.3 specifies for the
// authentication handshake: 128 bytes of key material, hex-encoded at
// rest (256 hex characters).
const credentialKeySize = 128

// Credentials is one named HMAC key, as stored in the credentials file
// (spec §7.3): a name line followed by a hex-encoded key line.
type Credentials struct {
	Name string
	Key  []byte
}

// ParseCredentialsFile reads path's first two non-blank, non-'#' lines: the
// credential name, then its hex-encoded key. update-credentials
// (controlsocket.go) reads a file with this function and swaps the result
// into a CredentialStore; it does not write the file.
func ParseCredentialsFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fields []string // name line, then key line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields = append(fields, line)
		if len(fields) < 2 {
			continue
		}
		key, err := hex.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("neo: credentials file %s: %w", path, err)
		}
		if len(key) != credentialKeySize {
			return nil, protocolErrorf("credentials file %s: key must be %d bytes, got %d", path, credentialKeySize, len(key))
		}
		return &Credentials{Name: fields[0], Key: key}, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("neo: credentials file %s: no credentials found", path)
}

// WriteCredentialsFile replaces path's contents with a name line and a
// hex-encoded key line, writing to a temporary file and renaming over the
// original so readers never observe a partial write (spec §7.3's
// replace-both-or-neither update).
func WriteCredentialsFile(path string, creds *Credentials) error {
	tmp := path + ".tmp"
	line := fmt.Sprintf("%s\n%s\n", creds.Name, hex.EncodeToString(creds.Key))
	if err := os.WriteFile(tmp, []byte(line), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GenerateCredentials creates a fresh, random named credential.
func GenerateCredentials(name string) (*Credentials, error) {
	key := make([]byte, credentialKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Credentials{Name: name, Key: key}, nil
}

// CredentialStore holds the single active Credentials used to authenticate
// outgoing connections, replaceable at runtime via the control socket
// (spec §7.3, §3's control socket). Reads never block on an in-flight
// Replace.
type CredentialStore struct {
	current atomic.Pointer[Credentials]
}

// NewCredentialStore builds a store seeded with initial.
func NewCredentialStore(initial *Credentials) *CredentialStore {
	s := &CredentialStore{}
	s.current.Store(initial)
	return s
}

// Current returns the active Credentials.
func (s *CredentialStore) Current() *Credentials { return s.current.Load() }

// Replace atomically swaps in new credentials, for use by the
// update-credentials control socket command. Already-authenticated
// connections are unaffected; future reconnects pick up the new key.
func (s *CredentialStore) Replace(creds *Credentials) { s.current.Store(creds) }

// HMACAuthenticator implements Authenticator with a node-issued-nonce,
// client-HMAC-response challenge handshake (spec §7.3): the node sends a
// MsgAuthChallenge nonce, the client replies with a MsgAuthResponse
// carrying HMAC-SHA256(key, name || nonce), and the node's own reply
// (carried back as a single status byte) settles success or failure.
type HMACAuthenticator struct {
	Store *CredentialStore
}

func (a *HMACAuthenticator) Authenticate(sender MessageSender, receiver MessageReceiver) error {
	creds := a.Store.Current()
	if creds == nil {
		return fmt.Errorf("neo: no credentials configured")
	}

	var nonce []byte
	var gotChallenge bool
	err := receiver.Receive(func(msg Message) {
		if msg.Type == MsgAuthChallenge {
			nonce = append([]byte(nil), msg.Body...)
			gotChallenge = true
		}
	})
	if err != nil {
		return err
	}
	if !gotChallenge {
		return protocolErrorf("authentication: expected challenge, got nothing")
	}

	mac := hmac.New(sha256.New, creds.Key)
	mac.Write([]byte(creds.Name))
	mac.Write(nonce)
	response := mac.Sum(nil)

	body := append([]byte(creds.Name+"\x00"), response...)
	if _, err := sender.Assign(MsgAuthResponse, noRequest, body); err != nil {
		return err
	}

	var ok bool
	var gotResult bool
	err = receiver.Receive(func(msg Message) {
		if msg.Type == MsgAuthResponse && len(msg.Body) == 1 {
			ok = msg.Body[0] == 1
			gotResult = true
		}
	})
	if err != nil {
		return err
	}
	if !gotResult {
		return protocolErrorf("authentication: expected result, got nothing")
	}
	if !ok {
		return fmt.Errorf("neo: node rejected credentials %q", creds.Name)
	}
	return nil
}

// verifyResponse is provided for test doubles acting as the node side of
// the handshake: it recomputes the expected HMAC and compares it in
// constant time.
func verifyResponse(key []byte, name string, nonce, response []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(name))
	mac.Write(nonce)
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, response) == 1
}
