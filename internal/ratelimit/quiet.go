package ratelimit

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// QuietHours is the nightly window during which no outbound contact is
// initiated, evaluated in the reference timezone and, when the recipient's
// country is known, in the recipient's timezone too.
type QuietHours struct {
	start, end int
	loc        *time.Location
	now        func() time.Time
}

// NewQuietHours creates a window from start (inclusive) to end (exclusive)
// hours. A window that crosses midnight has start > end.
func NewQuietHours(start, end int, loc *time.Location, now func() time.Time) (*QuietHours, error) {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return nil, errors.New("ratelimit: quiet hours must be within 0..23")
	}
	if loc == nil {
		return nil, errors.New("ratelimit: location must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &QuietHours{start: start, end: end, loc: loc, now: now}, nil
}

// Active reports whether the reference timezone is inside the window.
func (q *QuietHours) Active() bool {
	return q.inWindow(q.now().In(q.loc).Hour())
}

// ActiveFor additionally checks the recipient's local time when country
// maps to a known UTC offset.
func (q *QuietHours) ActiveFor(country string) bool {
	if q.Active() {
		return true
	}
	offset, ok := CountryOffset(country)
	if !ok {
		return false
	}
	local := q.now().UTC().Add(time.Duration(offset) * time.Hour)
	return q.inWindow(local.Hour())
}

// Hour returns the current hour in the reference timezone.
func (q *QuietHours) Hour() int {
	return q.now().In(q.loc).Hour()
}

func (q *QuietHours) inWindow(hour int) bool {
	if q.start == q.end {
		return false
	}
	if q.start > q.end {
		return hour >= q.start || hour < q.end
	}
	return hour >= q.start && hour < q.end
}

type countryOffset struct {
	name   string
	offset int
}

// Approximate UTC offsets for countries and major cities, in both Russian
// and English spellings. Order matters where names overlap.
var countryOffsets = []countryOffset{
	{"россия", 3}, {"москва", 3}, {"russia", 3}, {"moscow", 3},
	{"украина", 2}, {"киев", 2}, {"ukraine", 2}, {"kyiv", 2}, {"kiev", 2},
	{"беларусь", 3}, {"минск", 3}, {"belarus", 3},
	{"казахстан", 6}, {"алматы", 6}, {"kazakhstan", 6},
	{"узбекистан", 5}, {"ташкент", 5}, {"uzbekistan", 5},
	{"грузия", 4}, {"тбилиси", 4}, {"georgia", 4},
	{"азербайджан", 4}, {"баку", 4}, {"azerbaijan", 4},
	{"армения", 4}, {"ереван", 4}, {"armenia", 4},
	{"молдова", 2}, {"кишинёв", 2}, {"moldova", 2},
	{"германия", 1}, {"берлин", 1}, {"germany", 1},
	{"франция", 1}, {"париж", 1}, {"france", 1},
	{"испания", 1}, {"мадрид", 1}, {"spain", 1},
	{"италия", 1}, {"рим", 1}, {"italy", 1},
	{"великобритания", 0}, {"лондон", 0}, {"england", 0}, {"uk", 0},
	{"польша", 1}, {"варшава", 1}, {"poland", 1},
	{"чехия", 1}, {"прага", 1}, {"czech", 1},
	{"нидерланды", 1}, {"амстердам", 1}, {"netherlands", 1},
	{"швейцария", 1}, {"цюрих", 1}, {"switzerland", 1},
	{"турция", 3}, {"стамбул", 3}, {"turkey", 3},
	{"португалия", 0}, {"лиссабон", 0}, {"portugal", 0},
	{"оаэ", 4}, {"дубай", 4}, {"dubai", 4}, {"uae", 4},
	{"израиль", 2}, {"тель-авив", 2}, {"israel", 2},
	{"саудовская аравия", 3}, {"saudi", 3},
	{"индия", 5}, {"дели", 5}, {"мумбаи", 5}, {"india", 5},
	{"китай", 8}, {"пекин", 8}, {"шанхай", 8}, {"china", 8},
	{"япония", 9}, {"токио", 9}, {"japan", 9},
	{"корея", 9}, {"сеул", 9}, {"korea", 9},
	{"таиланд", 7}, {"бангкок", 7}, {"thailand", 7},
	{"индонезия", 7}, {"джакарта", 7}, {"indonesia", 7},
	{"сингапур", 8}, {"singapore", 8},
	{"лос-анджелес", -8}, {"los angeles", -8}, {"california", -8},
	{"сша", -5}, {"нью-йорк", -5}, {"new york", -5}, {"usa", -5}, {"us", -5},
	{"канада", -5}, {"торонто", -5}, {"canada", -5},
	{"бразилия", -3}, {"сан-паулу", -3}, {"brazil", -3},
	{"мексика", -6}, {"mexico", -6},
	{"аргентина", -3}, {"буэнос-айрес", -3}, {"argentina", -3},
	{"австралия", 10}, {"сидней", 10}, {"australia", 10},
}

// CountryOffset returns the approximate UTC offset in hours for a free-form
// country or city name. Names of three letters or fewer ("us", "uk", "оаэ")
// must appear as whole words.
func CountryOffset(country string) (int, bool) {
	c := strings.ToLower(strings.TrimSpace(country))
	if c == "" {
		return 0, false
	}
	words := strings.FieldsFunc(c, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	for _, entry := range countryOffsets {
		if len([]rune(entry.name)) <= 3 {
			for _, w := range words {
				if w == entry.name {
					return entry.offset, true
				}
			}
			continue
		}
		if strings.Contains(c, entry.name) {
			return entry.offset, true
		}
	}
	return 0, false
}
