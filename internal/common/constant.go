package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the session
// token on inbound and outbound requests.
const AccessTokenHeaderName = "access_token"

// KeySize is the size of every symmetric key handled by the crypto core
// (DEK, KEK, field sub-keys, vault file keys).
const KeySize = 32
