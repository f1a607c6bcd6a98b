// Package instrument classifies trading symbols into account types and
// extracts expiry dates from delivery futures symbols.
//
// Classification is a pure function of the symbol text. Venues whose naming
// does not follow the usual conventions register explicit overrides in a
// Registry, which the ledger consults before falling back to Classify.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/atmx/delta-engine/internal/model"
)

var ErrNoExpiry = errors.New("instrument: symbol carries no expiry")

var perpetualMarkers = map[string]bool{
	"PERP":      true,
	"PERPS":     true,
	"SWAP":      true,
	"PERPETUAL": true,
}

var futuresMarkers = map[string]bool{
	"FUTURE":  true,
	"FUTURES": true,
	"FUT":     true,
}

// monthTokenRegex matches month-coded expiries: DEC, DEC25, 26DEC25, 1MAR24.
var monthTokenRegex = regexp.MustCompile(
	`^(\d{1,2})?(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d{2,4})?$`,
)

// dateTokenRegex matches date-coded expiries: 251226 (YYMMDD) or 20251226.
var dateTokenRegex = regexp.MustCompile(`^(\d{6}|\d{8})$`)

func tokens(symbol string) []string {
	return strings.FieldsFunc(strings.ToUpper(symbol), func(r rune) bool {
		switch r {
		case '-', '_', '/', ':', ' ', '.':
			return true
		}
		return false
	})
}

// Classify derives the account type from a symbol:
// perpetual markers (PERP, SWAP, PERPETUAL) win, then expiry-coded or
// explicitly marked futures, then MARGIN, else spot.
func Classify(symbol string) model.AccountType {
	toks := tokens(symbol)
	for _, t := range toks {
		if perpetualMarkers[t] {
			return model.AccountPerpetual
		}
	}
	// The first token is the base asset and never an expiry.
	for i, t := range toks {
		if futuresMarkers[t] {
			return model.AccountFutures
		}
		if i == 0 {
			continue
		}
		if monthTokenRegex.MatchString(t) || isDateToken(t) {
			return model.AccountFutures
		}
	}
	for _, t := range toks {
		if t == "MARGIN" {
			return model.AccountMargin
		}
	}
	return model.AccountSpot
}

// TypeOf maps a symbol to its instrument type. Margin trades like spot.
func TypeOf(symbol string) model.InstrumentType {
	switch Classify(symbol) {
	case model.AccountPerpetual:
		return model.InstrumentPerpetual
	case model.AccountFutures:
		return model.InstrumentFutures
	default:
		return model.InstrumentSpot
	}
}

func isDateToken(t string) bool {
	if !dateTokenRegex.MatchString(t) {
		return false
	}
	_, err := parseDateToken(t)
	return err == nil
}

func parseDateToken(t string) (time.Time, error) {
	if len(t) == 8 {
		return time.Parse("20060102", t)
	}
	return time.Parse("060102", t)
}

// Expiry extracts the delivery date of a futures symbol such as
// BTC-USD_251226 or BTC-26DEC25. Expiry is midnight UTC of the delivery day.
func Expiry(symbol string) (time.Time, error) {
	toks := tokens(symbol)
	for i, t := range toks {
		if i == 0 {
			continue
		}
		if isDateToken(t) {
			return parseDateToken(t)
		}
		m := monthTokenRegex.FindStringSubmatch(t)
		if m == nil || m[1] == "" || m[3] == "" {
			continue
		}
		layout := "2Jan06"
		if len(m[3]) == 4 {
			layout = "2Jan2006"
		}
		exp, err := time.Parse(layout, m[1]+m[2]+m[3])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNoExpiry, symbol)
		}
		return exp, nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrNoExpiry, symbol)
}

// BaseAsset returns the leading asset of a symbol: BTC for BTC-USDT-PERP.
func BaseAsset(symbol string) string {
	toks := tokens(symbol)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}

// Registry holds explicit account type overrides per venue instrument.
type Registry struct {
	mu    sync.RWMutex
	types map[model.InstrumentKey]model.AccountType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[model.InstrumentKey]model.AccountType)}
}

// Register records the account type of an instrument on a venue.
func (r *Registry) Register(key model.InstrumentKey, accountType model.AccountType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[key] = accountType
}

// RegisterConfig records the account type implied by a leg's configured
// instrument type.
func (r *Registry) RegisterConfig(cfg model.InstrumentConfig) {
	var at model.AccountType
	switch cfg.InstrumentType {
	case model.InstrumentPerpetual:
		at = model.AccountPerpetual
	case model.InstrumentFutures:
		at = model.AccountFutures
	case model.InstrumentSpot:
		at = model.AccountSpot
	default:
		return
	}
	r.Register(cfg.Key(), at)
}

// Lookup returns the registered account type, if any.
func (r *Registry) Lookup(key model.InstrumentKey) (model.AccountType, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.types[key]
	return at, ok
}

// Resolve returns the registered account type, falling back to Classify.
func (r *Registry) Resolve(key model.InstrumentKey) model.AccountType {
	if at, ok := r.Lookup(key); ok {
		return at
	}
	return Classify(key.Instrument)
}
