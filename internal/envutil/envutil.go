package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime environment of the relying party.
const EnvVar = "OIDC_RP_ENV"

// IsDev checks if we're running in development mode, where cookies are sent
// without the Secure flag and literal secrets are accepted in config files.
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
