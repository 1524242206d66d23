// Package routepath defines the canonical route constants and route
// classification used by the navigation guard and the integration connector.
package routepath

import "strings"

// Top-level routes.
const (
	Root   = "/"
	Login  = "/login"
	Signup = "/signup"
	Home   = "/home"
)

// Protected application surfaces.
const (
	Dashboard       = "/dashboard"
	CRMPrefix       = "/crm"
	AnalyticsPrefix = "/analytics"
	CampaignsPrefix = "/campaigns"
	SettingsPrefix  = "/settings"
)

// SettingsIntegrations is the integrations settings screen.
const SettingsIntegrations = "/settings/integrations"

// Onboarding flow.
const (
	OnboardingPrefix  = "/onboarding/"
	OnboardingWelcome = "/onboarding/welcome"
	OnboardingMailbox = "/onboarding/mailbox"
	OnboardingFinish  = "/onboarding/finish"
)

// OnboardingEntry is the designated first step of the onboarding flow.
const OnboardingEntry = OnboardingWelcome

// OAuthCallback receives the browser return from an OAuth provider.
const OAuthCallback = "/oauth/callback"

// onboardingSteps lists the onboarding flow in order.
var onboardingSteps = []string{OnboardingWelcome, OnboardingMailbox, OnboardingFinish}

// IsAuthEntry reports whether the path is a login or signup screen.
func IsAuthEntry(path string) bool {
	return path == Login || path == Signup
}

// IsOnboarding reports whether the path belongs to the onboarding flow.
func IsOnboarding(path string) bool {
	return strings.HasPrefix(path, OnboardingPrefix) ||
		path == strings.TrimSuffix(OnboardingPrefix, "/")
}

// IsPublic reports whether the path is reachable without authentication.
func IsPublic(path string) bool {
	return path == Root || path == Home || IsAuthEntry(path)
}

// RequiresAuth reports whether the path needs a signed-in user.
func RequiresAuth(path string) bool {
	return !IsPublic(path)
}

// RequiresOnboarding reports whether the path needs completed onboarding.
// Onboarding screens themselves and the OAuth callback are exempt: the
// mailbox connect step round-trips through the callback mid-onboarding.
func RequiresOnboarding(path string) bool {
	if !RequiresAuth(path) {
		return false
	}
	if IsOnboarding(path) || path == OAuthCallback {
		return false
	}
	return true
}

// AllowedDuringOnboarding reports whether an authenticated user with
// incomplete onboarding may stay on the path without being pulled back into
// the flow.
func AllowedDuringOnboarding(path string) bool {
	return path == Root || path == Home || path == OAuthCallback || IsOnboarding(path)
}

// NextOnboardingStep returns the step after the given onboarding path. At
// the end of the flow, or for paths outside it, the first step is returned.
func NextOnboardingStep(path string) string {
	for i, step := range onboardingSteps {
		if path != step {
			continue
		}
		if i+1 < len(onboardingSteps) {
			return onboardingSteps[i+1]
		}
		return Home
	}
	return OnboardingEntry
}
