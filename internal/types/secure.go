package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds a webhook token. Discord webhook tokens grant posting
// rights to a channel, so they must never appear in logs or API responses.
// fmt verbs and JSON encoding both print a placeholder; Unmask returns the
// raw token for building the execute URL and for database writes.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw token.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether no token is set.
func (s SecretString) IsZero() bool {
	return s == ""
}
