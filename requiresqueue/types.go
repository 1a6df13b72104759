package requiresqueue

// Type is the broad class of input a backend asks for.
type Type uint32

const (
	TypeUnset Type = iota
	TypeCredentials
	TypePKCS11
	TypeAccessPerm
)

var typeNames = []string{"unset", "credentials", "pkcs11", "access-permission"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return typeNames[TypeUnset]
}

// Group narrows a Type down to one kind of prompt.
type Group uint32

const (
	GroupUnset Group = iota
	GroupUserPassword
	GroupHTTPProxyCreds
	GroupPKPassphrase
	GroupChallengeStatic
	GroupChallengeDynamic
	GroupChallengeAuthPending
	GroupPKCS11Sign
	GroupPKCS11Decrypt
	GroupOpenURL
)

var groupNames = []string{
	"unset",
	"user-password",
	"http-proxy-credentials",
	"pk-passphrase",
	"challenge-static",
	"challenge-dynamic",
	"challenge-auth-pending",
	"pkcs11-sign",
	"pkcs11-decrypt",
	"open-url",
}

func (g Group) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return groupNames[GroupUnset]
}

// TypeFromWire decodes a wire value. Unknown values become TypeUnset.
func TypeFromWire(v uint32) Type {
	if int(v) < len(typeNames) {
		return Type(v)
	}
	return TypeUnset
}

// GroupFromWire decodes a wire value. Unknown values become GroupUnset.
func GroupFromWire(v uint32) Group {
	if int(v) < len(groupNames) {
		return Group(v)
	}
	return GroupUnset
}

// ParseType looks up a Type by name.
func ParseType(s string) (Type, bool) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), true
		}
	}
	return TypeUnset, false
}

// ParseGroup looks up a Group by name.
func ParseGroup(s string) (Group, bool) {
	for i, n := range groupNames {
		if n == s {
			return Group(i), true
		}
	}
	return GroupUnset, false
}
