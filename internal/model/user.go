package model

import "time"

// Role values stored in users.role.
const (
    RoleUser  = "user"
    RoleStaff = "staff"
    RoleAdmin = "admin"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r string) bool {
    switch r {
    case RoleUser, RoleStaff, RoleAdmin:
        return true
    }
    return false
}

// User represents a row of the `users` table.  The directory owns these
// records; the auth core only reads them and stamps LastLoginAt.
//
// Fields:
//  ID           – primary key identifier of the user.
//  Email        – unique address, stored lower-cased.
//  PasswordHash – bcrypt hash of the password.
//  Role         – user, staff or admin.
//  Department   – optional team name used to route staff after login.
//  IsActive     – false once an administrator disables the account.
//  LastLoginAt  – set by login completion (nullable).
type User struct {
    ID           uint64     // users.id
    Email        string     // users.email
    PasswordHash string     // users.password_hash
    Role         string     // users.role
    Department   string     // users.department (NULL scanned as "")
    IsActive     bool       // users.is_active
    LastLoginAt  *time.Time // users.last_login_at (nullable)
    CreatedAt    time.Time  // users.created_at
    UpdatedAt    time.Time  // users.updated_at
}

// Profile is the sanitized user returned to clients.  It never carries the
// password hash.
type Profile struct {
    ID          uint64     `json:"id"`
    Email       string     `json:"email"`
    Role        string     `json:"role"`
    Department  string     `json:"department,omitempty"`
    Active      bool       `json:"active"`
    LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
    CreatedAt   time.Time  `json:"createdAt"`
}

// Profile returns the sanitized view of u.
func (u User) Profile() Profile {
    return Profile{
        ID:          u.ID,
        Email:       u.Email,
        Role:        u.Role,
        Department:  u.Department,
        Active:      u.IsActive,
        LastLoginAt: u.LastLoginAt,
        CreatedAt:   u.CreatedAt,
    }
}

// Identity is what the authentication middleware attaches to a request.
type Identity struct {
    ID         uint64 `json:"id"`
    Email      string `json:"email"`
    Role       string `json:"role"`
    Department string `json:"department,omitempty"`
    Active     bool   `json:"active"`
}

// Identity returns the request identity for u.
func (u User) Identity() Identity {
    return Identity{
        ID:         u.ID,
        Email:      u.Email,
        Role:       u.Role,
        Department: u.Department,
        Active:     u.IsActive,
    }
}
