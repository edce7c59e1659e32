package rpc

import (
	"encoding/json"
	"sync"

	"taskforge/internal/apperr"
	"taskforge/internal/rpc/principal"
)

// keystore is a minimal per-user in-memory secret store backing
// config.llm_key.{set,get,delete}. It holds no persistence guarantee beyond
// the process lifetime, matching the in-memory repository's own
// single-process scope.
type keystore struct {
	mu   sync.RWMutex
	keys map[string]string // user_id -> key
}

func newKeystore() *keystore {
	return &keystore{keys: make(map[string]string)}
}

func (k *keystore) set(userID, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[userID] = key
}

func (k *keystore) get(userID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[userID]
	return key, ok
}

func (k *keystore) delete(userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, userID)
}

type llmKeyParams struct {
	Key string `json:"key"`
}

func (d *Dispatcher) handleLLMKeySet(p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[llmKeyParams](raw)
	if err != nil {
		return nil, err
	}
	if params.Key == "" {
		return nil, apperr.ValidationError("config.llm_key.set requires a non-empty key")
	}
	d.keystore.set(p.UserID, params.Key)
	return map[string]any{"status": "ok"}, nil
}

func (d *Dispatcher) handleLLMKeyGet(p principal.Principal) (any, error) {
	key, ok := d.keystore.get(p.UserID)
	if !ok {
		return nil, apperr.NotFoundError("no llm key configured for " + p.UserID)
	}
	return map[string]any{"key": key}, nil
}

func (d *Dispatcher) handleLLMKeyDelete(p principal.Principal) (any, error) {
	d.keystore.delete(p.UserID)
	return map[string]any{"status": "ok"}, nil
}
