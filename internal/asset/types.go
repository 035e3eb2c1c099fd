package asset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedType is returned for any asset type outside the closed set below.
var ErrUnsupportedType = errors.New("asset: unsupported asset type")

// Type classifies the asset moved by a transfer. The set is closed; every switch
// over it ends in a misuse error.
type Type uint8

const (
	Native Type = iota
	GenericFungible
	SupportedFungible
	NonFungible
	SemiFungible
)

var typeNames = map[Type]string{
	Native:            "native",
	GenericFungible:   "fungible",
	SupportedFungible: "supported-fungible",
	NonFungible:       "non-fungible",
	SemiFungible:      "semi-fungible",
}

// ParseType maps a textual asset type (as used in config and batch files) onto Type.
func ParseType(s string) (Type, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == key {
			return t, nil
		}
	}
	switch key {
	case "erc20":
		return GenericFungible, nil
	case "erc721", "nft":
		return NonFungible, nil
	case "erc1155":
		return SemiFungible, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// Valid reports whether t is one of the five known asset types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// String returns the wire name of the asset type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint8(t))
}

// FeeInKind reports whether the protocol fee is taken in the transferred token
// rather than in native currency.
func (t Type) FeeInKind() bool {
	return t == SupportedFungible
}

// IdentifierBearing reports whether transfers of t are addressed by token id.
func (t Type) IdentifierBearing() bool {
	return t == NonFungible || t == SemiFungible
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
