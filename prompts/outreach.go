package prompts

import (
	"fmt"
	"strings"

	"sequencer/internal/core/job"
)

const (
	aboutBudget      = 300
	recentPostBudget = 150
)

// Fallbacks used when the sender or the prospect leaves a field empty.
const (
	DefaultSenderName     = "Jake"
	DefaultSenderRole     = "Founder"
	DefaultSenderWebsite  = "yourcompany.com"
	DefaultOffer          = "We provide valuable solutions."
	DefaultTone           = "Professional and helpful"
	DefaultProspectName   = "Prospect"
	notAvailable          = "N/A"
	stepMarkerFormat      = "***EMAIL %s***"
	stepMarkerPlaceholder = "[Step Number]"
)

// StepMarker returns the delimiter the model is told to emit before step n.
func StepMarker(n int) string {
	return fmt.Sprintf(stepMarkerFormat, fmt.Sprint(n))
}

// CompileOutreach builds the cold email sequence prompt for one prospect.
// Every interpolated value is sanitized so it cannot break the step delimiter
// format, and long free text is cut to a fixed budget.
func CompileOutreach(params job.RequestParams, profile job.Profile) string {
	firstName := or(sanitize(profile.FirstName), DefaultProspectName)
	fullName := or(sanitize(profile.FullName), firstName)
	location := sanitize(profile.AddressWithoutCountry)
	if location == "" {
		location = sanitize(profile.AddressWithCountry)
	}
	about := truncate(sanitize(profile.About), aboutBudget)
	recentPost := ""
	if len(profile.Updates) > 0 {
		recentPost = sanitize(truncate(profile.Updates[0].PostText, recentPostBudget))
	}
	companyWebsite := sanitize(profile.CompanyWebsite)
	senderName := or(sanitize(params.FullName), DefaultSenderName)

	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	optional := func(label, value string) {
		if value != "" {
			line("- %s: %s", label, value)
		}
	}

	line("You are an expert B2B SDR writing a highly personalized cold email sequence using LinkedIn profile data.")
	line("")
	line("Your Goal: Write a %d-email sequence to initiate contact and achieve the goal: \"%s\".", params.SequenceLength, sanitize(params.Goal))
	line("")
	line("Your Identity:")
	line("- Name: %s", senderName)
	line("- Role: %s", or(sanitize(params.RoleTitle), DefaultSenderRole))
	line("- Website: %s", or(sanitize(params.Website), DefaultSenderWebsite))
	line("- Offer: %s", or(sanitize(params.Offer), DefaultOffer))
	line("- Industry: %s", sanitize(params.Industry))
	optional("Case Study", sanitize(params.CaseStudy))
	optional("Business Description", sanitize(params.BusinessDescription))
	line("")
	line("Prospect Info (from LinkedIn):")
	line("- First Name: %s", firstName)
	line("- Full Name: %s", fullName)
	line("- Job Title: %s", or(sanitize(profile.JobTitle), notAvailable))
	line("- Company: %s", or(sanitize(profile.CompanyName), notAvailable))
	line("- Company Size: %s", or(sanitize(profile.CompanySize), notAvailable))
	line("- Industry: %s", or(sanitize(profile.CompanyIndustry), notAvailable))
	optional("Website", companyWebsite)
	line("- Location: %s", or(location, notAvailable))
	optional("About Snippet", about)
	optional("Recent Post Snippet", recentPost)
	line("")
	line("Sequence Requirements:")
	line("- Length: Exactly %d emails", params.SequenceLength)
	line("- Personalization: Subtly weave in the above details")
	line("- Tone: %s", or(sanitize(params.Tone), DefaultTone))
	line("")
	line("STRICT FORMAT:")
	line("For each email:")
	line("- Start with %s", fmt.Sprintf(stepMarkerFormat, stepMarkerPlaceholder))
	line("- Subject line first: \"Subject: ...\"")
	line("- Body follows immediately")
	line("- Start body with \"Hi %s,\"", firstName)
	line("- End with your name (%s)", senderName)
	line("")
	line("Begin generation now.")
	return b.String()
}

var sanitizer = strings.NewReplacer(
	"`", "'",
	"\r\n", " ",
	"\r", " ",
	"\n", " ",
	`"`, "'",
)

func sanitize(s string) string {
	return strings.TrimSpace(sanitizer.Replace(s))
}

// truncate cuts s to limit runes and marks the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
