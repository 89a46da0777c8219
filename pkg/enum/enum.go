package enum

import "fmt"

// StoreMode tells which counter backend currently holds authority.
type StoreMode int

const (
	Shared StoreMode = iota
	Local
)

func (m StoreMode) String() string {
	return [...]string{"shared", "local"}[m]
}

func (m StoreMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *StoreMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "shared":
		*m = Shared
	case "local":
		*m = Local
	default:
		return fmt.Errorf("unknown store mode %q", text)
	}
	return nil
}
