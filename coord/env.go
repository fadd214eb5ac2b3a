package coord

// Environment variables injected by SetupFork so a forked client can
// find and authenticate to the rendezvous listener. Cert values are
// base64-encoded PEM.
const (
	EnvServerURI = "COORD_SERVER_URI"
	EnvNspace    = "COORD_NSPACE"
	EnvRank      = "COORD_RANK"
	EnvCACert    = "COORD_CA_CERT"
	EnvCert      = "COORD_CERT"
	EnvKey       = "COORD_KEY"
)
