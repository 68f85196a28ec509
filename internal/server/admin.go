package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/fluxo/internal/fcrypto"
)

type rotateEncryptionKeyRequest struct {
	// Passphrase is empty to disable encryption cluster-wide, non-empty to
	// derive a new AES key via fcrypto.DeriveKey.
	Passphrase string `json:"passphrase"`
}

// RotateEncryptionKeyAPI handles POST /api/v1/admin/encryption-key: an
// operator-triggered rotation of the webhook-encryption key, per §7's
// storage error-kind recovery note that key rotation happens out of band.
// When running in a cluster, the new key is applied to this replica first
// and then broadcast to every peer under the cluster's rotation lock so no
// replica is ever left decrypting with a stale key.
func (s *Server) RotateEncryptionKeyAPI(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.setEncryptionKey == nil {
		httpResponse(w, "encryption key rotation requires a durable (postgres) store", http.StatusBadRequest)
		return
	}

	var req rotateEncryptionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	var newKey []byte
	if req.Passphrase != "" {
		key, err := fcrypto.DeriveKey(req.Passphrase)
		if err != nil {
			httpResponse(w, fmt.Sprintf("derive key: %v", err), http.StatusBadRequest)
			return
		}
		newKey = key
	}

	if s.cluster == nil {
		s.setEncryptionKey(newKey)
		httpResponse(w, "encryption key rotated on this single instance", http.StatusOK)
		return
	}

	if err := s.cluster.RotateEncryptionKey(r.Context(), newKey, s.setEncryptionKey); err != nil {
		httpResponse(w, fmt.Sprintf("rotate encryption key: %v", err), http.StatusInternalServerError)
		return
	}
	httpResponse(w, "encryption key rotated across the cluster", http.StatusOK)
}
