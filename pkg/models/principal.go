package models

// Principal is a verified caller identity.
type Principal struct {
	UID   string `json:"uid" yaml:"uid"`
	Email string `json:"email,omitempty" yaml:"email"`
	Admin bool   `json:"admin" yaml:"admin"`
}
