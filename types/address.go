package types

// Address is a stable textual identifier derived from a public key. The
// derivation itself lives in the keys package; this type is opaque to the
// consensus core.
type Address string

func (a Address) String() string { return string(a) }
