package keys

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// KeyInfo is the public metadata exposed for a signer.
type KeyInfo struct {
	SignerId  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"` // e.g., "Ed25519"
	PublicKey string    `json:"publicKey"` // base64-encoded
	CreatedAt time.Time `json:"createdAt"`
}

// Registry is a small in-memory registry of signer public keys, scoped to
// the one concern this runtime needs it for: letting anything that holds a
// migration closure event (e.g. a projection consumer reading it off the
// Kafka envelope, well after the process that ran the migration has
// restarted) fetch the verifying public key by the signerId embedded in the
// closure's "migrationSignerId" metadata, rather than that key having to be
// baked into every verifier's own config.
//
// A registry also tracks which signerId is "active" — the one
// cmd/eventstored currently signs new migration closures with — separately
// from the full signer history, since a rotated-out signer's key must stay
// resolvable to verify closures it signed before rotation.
type Registry struct {
	mtx    sync.RWMutex
	keys   map[string]KeyInfo
	active string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		keys: make(map[string]KeyInfo),
	}
}

// AddSigner registers a signer with its public key bytes and algorithm.
// If the signerId already exists, it will overwrite the entry.
func (r *Registry) AddSigner(signerId string, pubKey []byte, algorithm string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[signerId] = KeyInfo{
		SignerId:  signerId,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(pubKey),
		CreatedAt: time.Now().UTC(),
	}
}

// SetActive marks signerId as the one currently used to sign new migration
// closures. It is purely advisory bookkeeping for StatusHandler callers; it
// does not affect GetSigner/ListSigners/PublicKeyBytes resolution for
// already-rotated-out signers, which must stay resolvable forever.
func (r *Registry) SetActive(signerId string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.active = signerId
}

// GetSigner returns a copy of KeyInfo for the given signerId and true, or nil,false if missing.
func (r *Registry) GetSigner(signerId string) (*KeyInfo, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ki, ok := r.keys[signerId]
	if !ok {
		return nil, false
	}
	// return copy
	c := ki
	return &c, true
}

// PublicKeyBytes decodes the base64 public key stored for signerId, for
// direct use by a migration-closure verifier (e.g.
// migration.VerifyMigrationClosure).
func (r *Registry) PublicKeyBytes(signerId string) ([]byte, bool, error) {
	ki, ok := r.GetSigner(signerId)
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(ki.PublicKey)
	if err != nil {
		return nil, false, fmt.Errorf("keys: decode public key for %s: %w", signerId, err)
	}
	return raw, true, nil
}

// ListSigners returns a slice of all signer infos.
func (r *Registry) ListSigners() []KeyInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	return out
}

// StatusHandler returns an HTTP handler that exposes registry data as JSON.
// Response: { "active": "<signerId>", "signers": [ KeyInfo, ... ] }
func (r *Registry) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mtx.RLock()
		active := r.active
		r.mtx.RUnlock()
		signers := r.ListSigners()
		resp := map[string]interface{}{"active": active, "signers": signers}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
