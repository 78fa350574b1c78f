// Package apikey holds the redacted credential wrapper shared by config
// loading and provider dispatch.
package apikey


// Key wraps a provider credential so that it never appears in logs,
// debug dumps, or JSON encodings by accident. Access to the raw value is a
// single named operation (Expose), which keeps credential reads
// grep-auditable.
type Key struct {
	raw string
}

// New wraps a raw credential string.
func New(raw string) Key {
	return Key{raw: raw}
}

// Expose returns the raw credential. This is the only way to read it back;
// every call site that needs the literal value must call this explicitly.
func (k Key) Expose() string {
	return k.raw
}

// String implements fmt.Stringer with a redacted form, so %v/%s in a log
// statement never leaks the key.
func (k Key) String() string {
	return "<redacted>"
}

// GoString implements fmt.GoStringer so %#v stays redacted too (spew dumps
// go through String).
func (k Key) GoString() string {
	return "apikey.Key{<redacted>}"
}

// MarshalJSON redacts the key when a struct containing it is serialized.
func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(`"<redacted>"`), nil
}

// MaskedPrefix returns a short, safe-to-display prefix for startup
// diagnostics and the /providers endpoint: the first six characters plus
// "...", e.g. "sk-abc...".
func (k Key) MaskedPrefix() string {
	if k.raw == "" {
		return ""
	}
	n := 6
	if len(k.raw) < n {
		n = len(k.raw)
	}
	return k.raw[:n] + "..."
}

// IsZero reports whether no credential was set.
func (k Key) IsZero() bool {
	return k.raw == ""
}
