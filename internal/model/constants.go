package model

// MemberStatus 멤버 상태
type MemberStatus string

const (
	MemberStatusPending MemberStatus = "PENDING"
	MemberStatusActive  MemberStatus = "ACTIVE"
)

func (s MemberStatus) String() string {
	return string(s)
}

// MemberRole 보드 내 역할
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "OWNER"
	MemberRoleMember MemberRole = "MEMBER"
)

func (r MemberRole) String() string {
	return string(r)
}
