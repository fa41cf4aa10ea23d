package job

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusPendingScrape    Status = "PENDING_SCRAPE"
	StatusScrapingStarted  Status = "SCRAPING_STARTED"
	StatusScrapingRunning  Status = "SCRAPING_RUNNING"
	StatusGeneratingEmails Status = "GENERATING_EMAILS"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusApifyFailed      Status = "APIFY_FAILED"
)

// Terminal reports whether no further transition may happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusApifyFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingScrape, StatusScrapingStarted, StatusScrapingRunning,
		StatusGeneratingEmails, StatusCompleted, StatusFailed, StatusApifyFailed:
		return true
	}
	return false
}

// Job is the persisted record of one batch request.
type Job struct {
	ID            string        `json:"job_id"`
	Owner         string        `json:"user_id"`
	Status        Status        `json:"status"`
	ApifyRunID    string        `json:"apify_run_id,omitempty"`
	RequestParams RequestParams `json:"request_params"`
	Results       *Results      `json:"results,omitempty"`
	Error         *string       `json:"error"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RequestParams is the immutable generation configuration sent by the client.
type RequestParams struct {
	FullName            string   `json:"fullName,omitempty"`
	RoleTitle           string   `json:"roleTitle,omitempty"`
	Website             string   `json:"website,omitempty"`
	SequenceLength      int      `json:"sequenceLength"`
	Tone                string   `json:"tone,omitempty"`
	Goal                string   `json:"goal,omitempty"`
	Offer               string   `json:"offer,omitempty"`
	Industry            string   `json:"industry,omitempty"`
	CaseStudy           string   `json:"caseStudy,omitempty"`
	BusinessDescription string   `json:"businessDescription,omitempty"`
	LinkedinURLs        []string `json:"linkedinUrls"`
}

// Profile is one scraped LinkedIn profile record as returned by the scraper.
type Profile struct {
	LinkedinURL           string          `json:"linkedinUrl,omitempty"`
	URL                   string          `json:"url,omitempty"`
	FirstName             string          `json:"firstName,omitempty"`
	FullName              string          `json:"fullName,omitempty"`
	JobTitle              string          `json:"jobTitle,omitempty"`
	CompanyName           string          `json:"companyName,omitempty"`
	CompanyIndustry       string          `json:"companyIndustry,omitempty"`
	CompanySize           string          `json:"companySize,omitempty"`
	CompanyWebsite        string          `json:"companyWebsite,omitempty"`
	AddressWithoutCountry string          `json:"addressWithoutCountry,omitempty"`
	AddressWithCountry    string          `json:"addressWithCountry,omitempty"`
	About                 string          `json:"about,omitempty"`
	Updates               []ProfileUpdate `json:"updates,omitempty"`
}

type ProfileUpdate struct {
	PostText string `json:"postText,omitempty"`
}

// Identifier returns the profile URL the record was scraped for.
func (p Profile) Identifier() string {
	if p.LinkedinURL != "" {
		return p.LinkedinURL
	}
	return p.URL
}

// FindProfile returns the record in profiles matching identifier. URLs are
// compared case-insensitively and without a trailing slash. When nothing
// matches, a bare record carrying only the identifier is returned.
func FindProfile(profiles []Profile, identifier string) (Profile, bool) {
	want := NormalizeURL(identifier)
	for _, p := range profiles {
		if p.LinkedinURL != "" && NormalizeURL(p.LinkedinURL) == want {
			return p, true
		}
		if p.URL != "" && NormalizeURL(p.URL) == want {
			return p, true
		}
	}
	return Profile{LinkedinURL: identifier}, false
}

// NormalizeURL is the comparison form of a profile URL.
func NormalizeURL(u string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(u), "/"))
}

// Results is the terminal output of a job.
type Results struct {
	Sequences []SequenceResult `json:"sequences"`
	Warnings  []string         `json:"warnings"`
}

// SequenceResult holds the generated sequence for one profile.
type SequenceResult struct {
	ProfileIdentifier string  `json:"profileIdentifier"`
	DisplayName       string  `json:"displayName"`
	Emails            []Email `json:"emails"`
}

// Email is one step of an outreach sequence.
type Email struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Update is a patch applied to a job record in a single atomic write.
// ClearError resets Error to null; otherwise a nil Error leaves it untouched.
type Update struct {
	Status     Status
	Results    *Results
	Error      *string
	ClearError bool
	ApifyRunID string
}
