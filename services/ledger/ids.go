package ledger

import "github.com/google/uuid"

// Namespace for deriving ledger ids from caller-supplied string ids. Fixed
// forever: changing it would break idempotency across deployments.
var idNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// DeterministicID maps a caller-supplied string id into the ledger's 128-bit
// id space. The scope keeps ids from distinct intents (deposit, withdrawal,
// funding, ...) from ever colliding on the same key.
func DeterministicID(scope, key string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(scope+":"+key))
}
