package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role is a closed enumeration with a strict capability ordering.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RolePublisher  Role = "publisher"
	RoleSchool     Role = "school"
	RoleTeacher    Role = "teacher"
	RoleStudent    Role = "student"
)

var roleRank = map[Role]int{
	RoleAdmin:      6,
	RoleSupervisor: 5,
	RolePublisher:  4,
	RoleSchool:     3,
	RoleTeacher:    2,
	RoleStudent:    1,
}

// AllRoles lists every valid role, strongest first.
var AllRoles = []Role{RoleAdmin, RoleSupervisor, RolePublisher, RoleSchool, RoleTeacher, RoleStudent}

func (r Role) Valid() bool { return roleRank[r] != 0 }

func (r Role) Rank() int { return roleRank[r] }

// TenantWide reports whether the role reaches all assets of its own tenant,
// not only the ones it owns.
func (r Role) TenantWide() bool {
	return r == RoleSupervisor || r == RolePublisher
}

// User is provisioned by an external identity flow; this service only reads
// users to resolve subjects and record actors.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Role      Role      `gorm:"size:32;not null" json:"role"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
