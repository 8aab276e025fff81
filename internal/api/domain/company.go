package domain

// Tier is a subscription level that selects a quota policy
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

const (
	CompanyStatusActive    = "active"
	CompanyStatusSuspended = "suspended"
)

// Company is the tenant that owns a bulk rating request
type Company struct {
	ID     string
	Name   string
	Tier   Tier
	Status string
}

// Active reports whether the company may submit work
func (c *Company) Active() bool {
	return c.Status == CompanyStatusActive
}

// Caller is the authenticated identity behind a request
type Caller struct {
	UserID  string
	Company *Company
}
