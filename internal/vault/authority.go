package vault

import "crypto/sha256"

// Authority is the transfer capability scoped to one entity's vaults. The
// ledger only moves funds out of a vault when the presented authority matches
// the vault's owning entity. Records hold their Authority privately; nothing
// else in the system can mint one because the derivation is unexported.
//
// This is the in-process rendition of a derived vault signer: the token is a
// function of the entity identity alone, so a restored record regains the
// same capability after snapshot recovery.
type Authority struct {
	Entity [16]byte
	token  [32]byte
}

const authoritySeed = "ForwardClear:vault_auth:v1"

func deriveToken(entity [16]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(authoritySeed))
	h.Write(entity[:])
	var token [32]byte
	copy(token[:], h.Sum(nil))
	return token
}

// GrantAuthority issues the capability for an entity. Callers are the record
// constructors (deal open, pool create, market init, party admission); handing
// the returned value to anything else hands over control of the vaults.
func GrantAuthority(entity [16]byte) Authority {
	return Authority{Entity: entity, token: deriveToken(entity)}
}

// valid reports whether the authority was issued by GrantAuthority for its
// claimed entity.
func (a Authority) valid() bool {
	return a.token == deriveToken(a.Entity)
}

// Covers reports whether the authority authorizes debits from the given vault.
func (a Authority) Covers(key VaultKey) bool {
	return a.valid() && a.Entity == key.Entity
}
