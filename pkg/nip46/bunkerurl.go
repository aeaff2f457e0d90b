package nip46

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/privkeyio/keepcore/pkg/interactive"
)

// BunkerURL is the parsed form of a nostrconnect:// URI (spec.md §6).
// The core never re-serializes this back into a URI itself; a transport
// that needs the original string for display keeps it separately.
type BunkerURL struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Name         string
	Permissions  []Permission
}

// Permission is one parsed "type[:kind]" entry from a perms= parameter.
type Permission struct {
	Type string
	Kind *int32
}

const defaultName = "Unknown App"

var (
	clientPubkeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	secretPattern        = regexp.MustCompile(`^[0-9a-f]{1,64}$`)

	// relayHostPattern is the "configured relay regex" spec.md §6 refers
	// to: it is matched against the relay URL's hostname only (letters,
	// digits, dots and hyphens); userinfo, port and path are not
	// checked by it. The private/internal exclusion below is a
	// separate, non-regex check since "private" is an address-class
	// property, not a lexical one.
	relayHostPattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

	knownPermissionTypes = map[string]bool{
		"get_public_key": true,
		"sign_event":     true,
		"nip04_encrypt":  true,
		"nip04_decrypt":  true,
		"nip44_encrypt":  true,
		"nip44_decrypt":  true,
	}
)

// ParseBunkerURL parses a nostrconnect:// URI per spec.md §6. Returns an
// error for every structural violation (bad scheme, malformed pubkey, no
// usable relay, malformed secret); perms entries with an unknown type are
// silently dropped rather than rejecting the whole URI.
func ParseBunkerURL(raw string) (*BunkerURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("nip46: malformed bunker url: %w", err)
	}
	if u.Scheme != "nostrconnect" {
		return nil, fmt.Errorf("nip46: scheme must be nostrconnect, got %q", u.Scheme)
	}

	pubkey := strings.ToLower(u.Host)
	if !clientPubkeyPattern.MatchString(pubkey) {
		return nil, fmt.Errorf("nip46: authority is not a 64-hex pubkey")
	}

	q := u.Query()

	relays, err := parseRelays(q["relay"])
	if err != nil {
		return nil, err
	}

	secret := q.Get("secret")
	if !secretPattern.MatchString(secret) {
		return nil, fmt.Errorf("nip46: secret must be 1-64 lowercase hex chars")
	}

	name := defaultName
	if raw := q.Get("name"); raw != "" {
		sanitized := interactive.Sanitize(raw)
		if r := []rune(sanitized); len(r) > 50 {
			sanitized = string(r[:50])
		}
		if sanitized != "" {
			name = sanitized
		}
	}

	var perms []Permission
	if raw := q.Get("perms"); raw != "" {
		perms = parsePermissions(raw)
	}

	return &BunkerURL{
		ClientPubkey: pubkey,
		Relays:       relays,
		Secret:       secret,
		Name:         name,
		Permissions:  perms,
	}, nil
}

func parseRelays(raw []string) ([]string, error) {
	var relays []string
	for _, r := range raw {
		relayURL, err := url.Parse(r)
		if err != nil {
			continue
		}
		if relayURL.Scheme != "wss" {
			continue
		}
		host := relayURL.Hostname()
		if host == "" || !relayHostPattern.MatchString(host) {
			continue
		}
		if isPrivateOrInternalHost(host) {
			continue
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("nip46: at least one usable relay= param is required")
	}
	return relays, nil
}

// isPrivateOrInternalHost excludes loopback/private/link-local addresses
// and the conventional internal TLDs a relay operator would never use in
// production (spec.md §6: "excluding private/internal hosts").
func isPrivateOrInternalHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" {
		return true
	}
	if strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".onion") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func parsePermissions(raw string) []Permission {
	var out []Permission
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		typ := strings.ToLower(strings.TrimSpace(parts[0]))
		if !knownPermissionTypes[typ] {
			continue
		}
		perm := Permission{Type: typ}
		if len(parts) == 2 {
			kindStr := strings.TrimSpace(parts[1])
			n, err := strconv.ParseInt(kindStr, 10, 32)
			if err != nil || n < 0 || n > 65535 {
				continue
			}
			kind := int32(n)
			perm.Kind = &kind
		}
		out = append(out, perm)
	}
	return out
}
