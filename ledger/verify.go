package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/keys"
)

// Closed reason-code set returned by verification.
const (
	ReasonSigInvalid      = "sig_invalid"
	ReasonHashInvalid     = "hash_invalid"
	ReasonUnknownKid      = "unknown_kid"
	ReasonPrevHashMissing = "prev_hash_missing"
	reasonMissingPrefix   = "missing:"
)

// ErrUnknownKey is returned by a KeyResolver when no key matches the
// receipt's tenant and kid.
var ErrUnknownKey = errors.New("unknown signing key")

// KeyResolver maps a (tenant, kid) pair to the Ed25519 public key that was
// active when the event was signed.
type KeyResolver interface {
	ResolveKey(ctx context.Context, tenantID, kid string) (ed25519.PublicKey, error)
}

// ChainChecker reports whether an event with the given hash exists for the
// tenant. Offline verifiers pass nil and the chain hint is reported as ok.
type ChainChecker interface {
	HasEventHash(ctx context.Context, tenantID, eventHash string) (bool, error)
}

// VerifyResult is the structured outcome of receipt verification. Bad input
// never raises; it surfaces here as reason codes.
type VerifyResult struct {
	Valid             bool     `json:"valid"`
	SignatureValid    bool     `json:"signature_valid"`
	HashValid         bool     `json:"hash_valid"`
	ChainHintOK       bool     `json:"chain_hint_ok"`
	ReasonCodes       []string `json:"reason_codes"`
	ComputedEventHash string   `json:"computed_event_hash,omitempty"`
}

func missingFields(r *Receipt) []string {
	var missing []string
	add := func(name string, empty bool) {
		if empty {
			missing = append(missing, name)
		}
	}
	add("tenant_id", r.TenantID == "")
	add("event_id", r.EventID == "")
	add("seq", r.Seq == 0)
	add("issued_at", r.IssuedAt == "")
	add("profile_id", r.ProfileID == "")
	add("event_type", r.EventType == "")
	add("actor_role", r.ActorRole == "")
	add("payload_hash", r.PayloadHash == "")
	add("event_hash", r.EventHash == "")
	add("kid", r.Kid == "")
	add("signature_b64u", r.SignatureB64U == "")
	return missing
}

// VerifyReceipt recomputes the header hash, checks the Ed25519 signature
// over the receipt's raw digest against the key resolved by kid, and
// optionally checks the prev-hash chain hint against the local store.
// Validity is signature AND hash; the chain hint is advisory.
func VerifyReceipt(ctx context.Context, r *Receipt, resolver KeyResolver, chain ChainChecker) *VerifyResult {
	res := &VerifyResult{ReasonCodes: []string{}}
	if missing := missingFields(r); len(missing) > 0 {
		res.ReasonCodes = append(res.ReasonCodes, reasonMissingPrefix+strings.Join(missing, ","))
		return res
	}

	computed, err := ComputeEventHash(r.Header())
	if err != nil {
		res.ReasonCodes = append(res.ReasonCodes, ReasonHashInvalid)
		return res
	}
	res.ComputedEventHash = computed
	res.HashValid = computed == r.EventHash
	if !res.HashValid {
		res.ReasonCodes = append(res.ReasonCodes, ReasonHashInvalid)
	}

	pub, err := resolver.ResolveKey(ctx, r.TenantID, r.Kid)
	if err != nil {
		res.ReasonCodes = append(res.ReasonCodes, ReasonUnknownKid)
		return res
	}
	digest, err := hex.DecodeString(r.EventHash)
	if err != nil {
		res.ReasonCodes = append(res.ReasonCodes, ReasonSigInvalid)
		return res
	}
	res.SignatureValid = keys.Verify(pub, digest, r.SignatureB64U)
	if !res.SignatureValid {
		res.ReasonCodes = append(res.ReasonCodes, ReasonSigInvalid)
	}

	res.ChainHintOK = true
	if r.PrevEventHash != nil && chain != nil {
		exists, err := chain.HasEventHash(ctx, r.TenantID, *r.PrevEventHash)
		if err != nil || !exists {
			res.ChainHintOK = false
			res.ReasonCodes = append(res.ReasonCodes, ReasonPrevHashMissing)
		}
	}

	res.Valid = res.SignatureValid && res.HashValid
	return res
}
