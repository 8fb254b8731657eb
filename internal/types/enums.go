package types

// PlanTier identifies the billing plan of a subscription.
// Tiers are ordered: free < basic < professional < enterprise.
type PlanTier string

const (
	PlanFree         PlanTier = "free"
	PlanBasic        PlanTier = "basic"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// PlanTiers lists every tier in ascending order.
var PlanTiers = []PlanTier{PlanFree, PlanBasic, PlanProfessional, PlanEnterprise}

// IsPaid reports whether the tier requires a billing gateway subscription.
func (t PlanTier) IsPaid() bool {
	return t != PlanFree
}

// Valid reports whether t is one of the known tiers.
func (t PlanTier) Valid() bool {
	for _, known := range PlanTiers {
		if t == known {
			return true
		}
	}
	return false
}

// SubscriptionStatus represents the billing state of a subscription.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPending  SubscriptionStatus = "pending"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusExpired  SubscriptionStatus = "expired"
)

// FeatureFlag names a capability gated by plan tier.
type FeatureFlag string

const (
	FeatureBasicAnalytics    FeatureFlag = "basic_analytics"
	FeatureAdvancedAnalytics FeatureFlag = "advanced_analytics"
	FeatureExportData        FeatureFlag = "export_data"
	FeatureABTesting         FeatureFlag = "ab_testing"
	FeatureAPIAccess         FeatureFlag = "api_access"
	FeatureWhiteLabel        FeatureFlag = "white_label"
	FeaturePrioritySupport   FeatureFlag = "priority_support"
)

// NoticeKind identifies the type of an account, billing or security notice sent to a user.
type NoticeKind string

const (
	NoticePaymentFailed         NoticeKind = "payment_failed"
	NoticeSubscriptionConfirmed NoticeKind = "subscription_confirmed"
	NoticeSuspiciousLogin       NoticeKind = "suspicious_login"
	NoticePasswordReset         NoticeKind = "password_reset"
	NoticeWelcome               NoticeKind = "welcome"
)

// LoginEventType is the event type recorded for password logins.
const LoginEventType = "login"
