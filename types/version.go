package types

// Version is the canonical project version.
// The CLI, the wire codec and the bundled protocols share this version
// per the lockstep versioning policy.
const Version = "0.3.0"

// ContractVersion is the version of the registration payload published by
// registrars.
const ContractVersion = "0.1.0"
