package sequence

import (
	"fmt"
	"regexp"
	"strings"

	"sequencer/internal/core/job"
)

var (
	stepMarker  = regexp.MustCompile(`(?i)\*\*\*EMAIL\s+\d+\*\*\*`)
	subjectLine = regexp.MustCompile(`(?im)^[ \t]*Subject:[ \t]*(.*)$`)
)

// Parse splits generated text into at most expected emails. Text before the
// first step marker is ignored. A segment without a "Subject:" line becomes
// the body of an email titled "Email N". Padding short results is left to the
// caller.
func Parse(raw string, expected int) []job.Email {
	if strings.TrimSpace(raw) == "" || expected <= 0 {
		return []job.Email{}
	}

	bounds := stepMarker.FindAllStringIndex(raw, -1)
	emails := make([]job.Email, 0, min(len(bounds), expected))
	for i, b := range bounds {
		if len(emails) == expected {
			break
		}
		end := len(raw)
		if i+1 < len(bounds) {
			end = bounds[i+1][0]
		}
		emails = append(emails, parseSegment(raw[b[1]:end], i+1))
	}
	return emails
}

func parseSegment(segment string, step int) job.Email {
	segment = strings.TrimSpace(segment)
	m := subjectLine.FindStringSubmatchIndex(segment)
	if m == nil {
		return job.Email{Subject: fmt.Sprintf("Email %d", step), Body: segment}
	}
	return job.Email{
		Subject: strings.TrimSpace(segment[m[2]:m[3]]),
		Body:    strings.TrimSpace(segment[m[1]:]),
	}
}
