package sas

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const expiryMarker = "&se="

var (
	ErrMarkerNotFound  = errors.New("sas: `&se=` not found in token")
	ErrMalformedNumber = errors.New("sas: `se` is not unsigned 32 bit decimal")
	ErrExpiryOverflow  = errors.New("sas: expiry does not fit unsigned 32 bit")
)

// ParseExpiry extracts `se` value from token text.
// Anything before the marker is ignored; the digit run ends at '&' or end of text.
func ParseExpiry(text string) (uint32, error) {
	i := strings.Index(text, expiryMarker)
	if i < 0 {
		return 0, ErrMarkerNotFound
	}
	run := text[i+len(expiryMarker):]
	if end := strings.IndexByte(run, '&'); end >= 0 {
		run = run[:end]
	}
	if run == "" {
		return 0, errors.Annotate(ErrMalformedNumber, "empty")
	}
	for i := 0; i < len(run); i++ {
		if run[i] < '0' || run[i] > '9' {
			return 0, errors.Annotatef(ErrMalformedNumber, "se=%q", run)
		}
	}
	u, err := strconv.ParseUint(run, 10, 32)
	if err != nil {
		return 0, errors.Annotatef(ErrMalformedNumber, "se=%q", run)
	}
	return uint32(u), nil
}

// ExpiryAfter returns now+minutes*60 as unix seconds.
func ExpiryAfter(now uint32, minutes uint) (uint32, error) {
	total := uint64(now) + uint64(minutes)*60
	if uint64(minutes) > math.MaxUint32 || total > math.MaxUint32 {
		return 0, errors.Annotatef(ErrExpiryOverflow, "now=%d minutes=%d", now, minutes)
	}
	return uint32(total), nil
}
