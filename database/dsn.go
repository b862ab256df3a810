package database

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// PoolParams are the pool-tuning knobs a DSN may carry as query parameters.
// They are stripped before the DSN reaches a driver, which would reject the
// unknown keys.
type PoolParams struct {
	Size        int           // base connections kept open
	MaxOverflow int           // extra connections allowed beyond Size
	Timeout     time.Duration // budget for the liveness ping when opening
	Clamp       bool          // cap the pool at Size, ignoring overflow
}

func DefaultPoolParams() PoolParams {
	return PoolParams{Size: 5, MaxOverflow: 20, Timeout: 30 * time.Second}
}

func (p PoolParams) maxOpen() int {
	if p.Clamp {
		return p.Size
	}
	return p.Size + p.MaxOverflow
}

// poolParamKeys in the lowercase form used for matching. DSN keys are
// matched case-insensitively.
var poolParamKeys = map[string]bool{
	"poolsize":    true,
	"maxoverflow": true,
	"pooltimeout": true,
	"poolclamp":   true,
}

// NormalizeDSN canonicalizes a connection string so that equivalent DSNs key
// the same pooled engine: query parameters are re-encoded in sorted order and
// the pool-tuning parameters are stripped and returned separately.
func NormalizeDSN(dialect Dialect, dsn string) (string, PoolParams, error) {
	params := DefaultPoolParams()

	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", params, errors.Wrap(err, "parsing DSN")
		}
		q := u.Query()
		for key := range q {
			if poolParamKeys[strings.ToLower(key)] {
				if err := params.set(key, q.Get(key)); err != nil {
					return "", params, err
				}
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode() // Encode sorts keys
		return u.String(), params, nil
	}

	if dialect == DialectMySQL {
		cfg, err := mysqldriver.ParseDSN(dsn)
		if err != nil {
			return "", params, errors.Wrap(err, "parsing DSN")
		}
		extra := cfg.Params
		cfg.Params = nil
		base := cfg.FormatDSN()
		keys := make([]string, 0, len(extra))
		for key, value := range extra {
			if poolParamKeys[strings.ToLower(key)] {
				if err := params.set(key, value); err != nil {
					return "", params, err
				}
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		for _, key := range keys {
			base += fmt.Sprintf("%s%s=%s", sep, key, url.QueryEscape(extra[key]))
			sep = "&"
		}
		return base, params, nil
	}

	// Key/value form (postgres "host=... dbname=...") or a bare file path.
	// Order is preserved; only the pool keys are removed.
	if strings.ContainsRune(dsn, '=') {
		kept := make([]string, 0)
		for _, tok := range strings.Fields(dsn) {
			key, value, found := strings.Cut(tok, "=")
			if found && poolParamKeys[strings.ToLower(key)] {
				if err := params.set(key, value); err != nil {
					return "", params, err
				}
				continue
			}
			kept = append(kept, tok)
		}
		return strings.Join(kept, " "), params, nil
	}

	return dsn, params, nil
}

func (p *PoolParams) set(key, value string) error {
	switch strings.ToLower(key) {
	case "poolsize":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return errors.Errorf("invalid poolSize: %s", value)
		}
		p.Size = n
	case "maxoverflow":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errors.Errorf("invalid maxOverflow: %s", value)
		}
		p.MaxOverflow = n
	case "pooltimeout":
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil || secs <= 0 {
			return errors.Errorf("invalid poolTimeout: %s", value)
		}
		p.Timeout = time.Duration(secs * float64(time.Second))
	case "poolclamp":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Errorf("invalid poolClamp: %s", value)
		}
		p.Clamp = b
	}
	return nil
}
