package local

import (
	"time"

	"github.com/emileswarts/hmppsauth/identity"
)

type User struct {
	ID                     uint64 `gorm:"primaryKey"`
	Username               string `gorm:"uniqueIndex:users_username_source_key;not null"`
	Source                 string `gorm:"uniqueIndex:users_username_source_key;not null"`
	Master                 bool
	PasswordHash           string
	FirstName              string
	LastName               string
	Email                  string
	EmailVerified          bool `gorm:"default:false"`
	SecondaryEmail         string
	SecondaryEmailVerified bool `gorm:"default:false"`
	Mobile                 string
	MobileVerified         bool   `gorm:"default:false"`
	MFAPreference          string `gorm:"column:mfa_preference;default:email"`
	Locked                 bool
	Enabled                bool `gorm:"default:true"`
	CredentialsExpired     bool
	LastLoggedIn           *time.Time
	Authorities            []Authority `gorm:"foreignKey:UserID"`
	Groups                 []Group     `gorm:"foreignKey:UserID"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (User) TableName() string {
	return "users"
}

type Authority struct {
	UserID    uint64 `gorm:"primaryKey"`
	Authority string `gorm:"primaryKey"`
}

func (Authority) TableName() string {
	return "user_authorities"
}

type Group struct {
	UserID    uint64 `gorm:"primaryKey"`
	GroupCode string `gorm:"primaryKey"`
}

func (Group) TableName() string {
	return "user_groups"
}

// Record maps the row onto the broker's record type.
func (u User) Record() identity.UserRecord {
	source, err := identity.ParseAuthSource(u.Source)
	if err != nil {
		source = identity.SourceNone
	}

	rec := identity.UserRecord{
		Username:               identity.NormalizeUsername(u.Username),
		Source:                 source,
		Person:                 identity.PersonName{First: u.FirstName, Last: u.LastName},
		Email:                  u.Email,
		EmailVerified:          u.EmailVerified,
		SecondaryEmail:         u.SecondaryEmail,
		SecondaryEmailVerified: u.SecondaryEmailVerified,
		Mobile:                 u.Mobile,
		MobileVerified:         u.MobileVerified,
		MFAPreference:          identity.MFAPreference(u.MFAPreference),
		Locked:                 u.Locked,
		Enabled:                u.Enabled,
		CredentialsExpired:     u.CredentialsExpired,
		Master:                 u.Master,
	}
	if rec.MFAPreference == "" {
		rec.MFAPreference = identity.MFAEmail
	}
	if u.LastLoggedIn != nil {
		rec.LastLoggedIn = *u.LastLoggedIn
	}
	for _, a := range u.Authorities {
		rec.Authorities = append(rec.Authorities, a.Authority)
	}
	for _, g := range u.Groups {
		rec.Groups = append(rec.Groups, g.GroupCode)
	}
	return rec
}
