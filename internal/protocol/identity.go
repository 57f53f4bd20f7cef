package protocol

import (
	"fmt"
	"strconv"
)

// Role 参与者角色。
type Role string

const (
	RoleUser   Role = "user"
	RoleMentor Role = "mentor"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleMentor, RoleAdmin:
		return true
	}
	return false
}

// Identity 标识一个真实账号，与其连接的设备数量无关。
type Identity struct {
	Role Role `json:"role"`
	ID   uint `json:"id"`
}

func (i Identity) String() string {
	return string(i.Role) + ":" + strconv.FormatUint(uint64(i.ID), 10)
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.Role == "" && i.ID == 0 }

// ParseIdentity parses the "role:id" form produced by String.
func ParseIdentity(s string) (Identity, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			continue
		}
		role := Role(s[:i])
		id, err := strconv.ParseUint(s[i+1:], 10, 64)
		if err != nil || id == 0 || !role.Valid() {
			break
		}
		return Identity{Role: role, ID: uint(id)}, nil
	}
	return Identity{}, fmt.Errorf("invalid identity %q", s)
}
