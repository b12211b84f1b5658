package types

import (
	"time"
	_ "time/tzdata"
)

const DateLayout = "2006-01-02"

var eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Eastern returns the exchange time zone.
func Eastern() *time.Location { return eastern }

// TradeDate is the calendar date of t in Eastern time, as YYYY-MM-DD.
func TradeDate(t time.Time) string {
	return t.In(eastern).Format(DateLayout)
}

// StartOfTradeDate returns midnight Eastern of the trade date containing t.
func StartOfTradeDate(t time.Time) time.Time {
	et := t.In(eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, eastern)
}
