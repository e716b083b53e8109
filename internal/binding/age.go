package binding

import "time"

// Age returns the completed years between birth and now: the year
// difference, less one while now falls before this year's birthday.
func Age(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}
