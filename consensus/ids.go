package consensus

import (
	"github.com/google/uuid"

	"dex/types"
)

// NewRoundID mints a fresh 128-bit round identifier (spec §3 RoundId).
// google/uuid is adopted here the way adamwoolhether-blockchain uses it for
// resource identifiers; the reference tree has no UUID need of its own.
func NewRoundID() types.RoundID {
	return types.RoundID(uuid.NewString())
}
