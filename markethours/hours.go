// Package markethours parses upstream trading-hours strings and classifies
// market and contract health.
package markethours

import (
	"strings"
	"time"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// TradingSession is one session parsed from the upstream hours format.
type TradingSession struct {
	Date    string // YYYYMMDD
	Start   string // HHMM, empty when Closed
	End     string // HHMM
	EndDate string // YYYYMMDD, set for cross-date sessions
	Closed  bool
}

// ParseHours parses the upstream trading-hours format:
//
//	YYYYMMDD:HHMM-HHMM[,HHMM-HHMM]...;YYYYMMDD:CLOSED
//
// The end of a range may take the cross-date form HHMM-YYYYMMDD:HHMM.
// Invalid sessions are skipped with a warning.
func ParseHours(hoursString string) []TradingSession {
	hoursString = strings.TrimSpace(hoursString)
	if hoursString == "" || hoursString == "N/A" {
		return nil
	}

	var sessions []TradingSession
	for _, segment := range strings.Split(hoursString, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		datePart, timePart, found := strings.Cut(segment, ":")
		if !found || len(datePart) != 8 {
			zaplogger.Warn("trading hours: skipping invalid segment", zaplogger.Fields{"segment": segment})
			continue
		}

		if strings.EqualFold(timePart, "CLOSED") {
			sessions = append(sessions, TradingSession{Date: datePart, Closed: true})
			continue
		}

		for _, rng := range strings.Split(timePart, ",") {
			startPart, endPart, found := strings.Cut(rng, "-")
			if !found {
				zaplogger.Warn("trading hours: skipping invalid range", zaplogger.Fields{"range": rng, "date": datePart})
				continue
			}
			session := TradingSession{Date: datePart, Start: strings.TrimSpace(startPart)}

			if endDate, endTime, cross := strings.Cut(endPart, ":"); cross {
				// cross-date session, e.g. 1700-20250811:1600
				session.EndDate = strings.TrimSpace(endDate)
				session.End = strings.TrimSpace(endTime)
			} else {
				session.End = strings.TrimSpace(endPart)
			}

			if !validHHMM(session.Start) || !validHHMM(session.End) || (session.EndDate != "" && len(session.EndDate) != 8) {
				zaplogger.Warn("trading hours: skipping invalid session", zaplogger.Fields{"range": rng, "date": datePart})
				continue
			}
			sessions = append(sessions, session)
		}
	}
	return sessions
}

func validHHMM(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[2]-'0')*10 + int(s[3]-'0')
	return hh < 24 && mm < 60
}

// Interval resolves the session to concrete instants in the given location.
// Same-day sessions whose end precedes their start roll over to the next
// day. ok is false for closed or malformed sessions.
func (s TradingSession) Interval(loc *time.Location) (start, end time.Time, ok bool) {
	if s.Closed {
		return time.Time{}, time.Time{}, false
	}
	start, err := time.ParseInLocation("20060102 1504", s.Date+" "+s.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endDate := s.Date
	if s.EndDate != "" {
		endDate = s.EndDate
	}
	end, err = time.ParseInLocation("20060102 1504", endDate+" "+s.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	if !end.After(start) && s.EndDate == "" {
		end = end.Add(24 * time.Hour)
	}
	return start, end, true
}

// LoadLocation resolves an upstream timezone id, falling back to UTC.
func LoadLocation(tz string) *time.Location {
	if tz == "" || tz == "N/A" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		zaplogger.Warn("trading hours: unknown timezone, using UTC", zaplogger.Fields{"tz": tz})
		return time.UTC
	}
	return loc
}
